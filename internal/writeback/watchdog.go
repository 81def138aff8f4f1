package writeback

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	watchdogTailBytes = 64 * 1024
	maxEventLines      = 200
)

// WatchdogKind distinguishes the first (stuck) from the second
// (escalated) watchdog timeout.
type WatchdogKind string

const (
	WatchdogKindStuck     WatchdogKind = KindWatchdogStuck
	WatchdogKindEscalated WatchdogKind = KindWatchdogEscalated
)

// WatchdogParams is the input to BuildWatchdogPlan.
type WatchdogParams struct {
	Repo          string
	IssueNumber   int
	Kind          WatchdogKind
	SessionID     string
	RetryIndex    int
	EventsFilePath string
}

// ReadTailEventLines tail-reads up to watchdogTailBytes from path and
// returns at most maxEventLines of its content, oldest first.
func ReadTailEventLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	start := int64(0)
	if info.Size() > watchdogTailBytes {
		start = info.Size() - watchdogTailBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) > maxEventLines {
		lines = lines[len(lines)-maxEventLines:]
	}
	return lines, nil
}

// lastSnippet picks the most recent anomaly/error-looking lines from
// lines, preferring them over an arbitrary tail when present.
func lastSnippet(lines []string, n int) []string {
	var preferred []string
	for _, l := range lines {
		lower := strings.ToLower(l)
		if strings.Contains(lower, "error") || strings.Contains(lower, "anomaly") || strings.Contains(lower, "panic") {
			preferred = append(preferred, l)
		}
	}
	src := preferred
	if len(src) == 0 {
		src = lines
	}
	if len(src) > n {
		src = src[len(src)-n:]
	}
	return src
}

// BuildWatchdogPlan renders a watchdog timeout writeback.
func BuildWatchdogPlan(p WatchdogParams, eventLines []string) Plan {
	snippet := strings.Join(lastSnippet(eventLines, 20), "\n")

	var body string
	var addLabel string
	switch p.Kind {
	case WatchdogKindStuck:
		addLabel = "ralph:status:stuck"
		body = fmt.Sprintf(
			"Worker watchdog timed out on session `%s`. Will retry once with a fresh session.\n\n**Recent events:**\n```\n%s\n```",
			p.SessionID, snippet,
		)
	default:
		addLabel = "ralph:status:escalated"
		body = fmt.Sprintf(
			"Worker watchdog timed out a second time on session `%s`. Escalating for human attention.\n\n**Recent events:**\n```\n%s\n```",
			p.SessionID, snippet,
		)
	}

	return BuildPlan(PlanContext{
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		Kind:        string(p.Kind),
		Stage:       "watchdog",
		RetryIndex:  p.RetryIndex,
		Signature:   p.SessionID,
		Body:        body,
		BodyCap:     BodyCapWatchdog,
		AddLabels:   []string{addLabel},
	})
}
