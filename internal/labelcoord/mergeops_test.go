package labelcoord

import "testing"

func TestMergeOpsAddWinsOverRemove(t *testing.T) {
	existing := []Op{{Action: ActionRemove, Label: "ralph:status:queued"}}
	incoming := []Op{{Action: ActionAdd, Label: "ralph:status:queued"}}
	merged := mergeOps(existing, incoming)
	if len(merged) != 1 || merged[0].Action != ActionAdd {
		t.Fatalf("want single add op, got %+v", merged)
	}
}

func TestMergeOpsPreservesFirstSeenOrder(t *testing.T) {
	existing := []Op{{Action: ActionAdd, Label: "a"}}
	incoming := []Op{{Action: ActionAdd, Label: "b"}, {Action: ActionRemove, Label: "a"}}
	merged := mergeOps(existing, incoming)
	if len(merged) != 2 || merged[0].Label != "a" || merged[1].Label != "b" {
		t.Fatalf("unexpected order: %+v", merged)
	}
	// "a" started as add and stays add even though a later remove came in,
	// since add always wins on conflict.
	if merged[0].Action != ActionAdd {
		t.Fatalf("want a to remain add, got %+v", merged[0])
	}
}

func TestIssueLockerSerializesSameIssue(t *testing.T) {
	l := NewIssueLocker()
	var order []int
	done := make(chan struct{})

	unlock1, err := l.Lock(bgCtx(), "o/r", 1)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		unlock2, err := l.Lock(bgCtx(), "o/r", 1)
		if err != nil {
			t.Error(err)
			return
		}
		order = append(order, 2)
		unlock2()
		close(done)
	}()

	order = append(order, 1)
	unlock1()
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("want [1 2] got %v", order)
	}
}

func TestIssueLockerDifferentIssuesDoNotBlock(t *testing.T) {
	l := NewIssueLocker()
	unlockA, err := l.Lock(bgCtx(), "o/r", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := l.Lock(bgCtx(), "o/r", 2)
		if err != nil {
			t.Error(err)
			return
		}
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutCh():
		t.Fatal("lock on a different issue should not block")
	}
}
