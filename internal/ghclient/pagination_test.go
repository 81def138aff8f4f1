package ghclient

import "testing"

func TestParseNextLink(t *testing.T) {
	header := `<https://api.github.com/repos/o/r/issues?page=2>; rel="next", <https://api.github.com/repos/o/r/issues?page=5>; rel="last"`
	got, ok := ParseNextLink(header)
	if !ok {
		t.Fatal("expected a next link")
	}
	want := "https://api.github.com/repos/o/r/issues?page=2"
	if got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestParseNextLinkAbsent(t *testing.T) {
	header := `<https://api.github.com/repos/o/r/issues?page=1>; rel="prev"`
	_, ok := ParseNextLink(header)
	if ok {
		t.Fatal("expected no next link")
	}
}

func TestValidateIssuesCursorAccepted(t *testing.T) {
	cases := []string{
		"https://api.github.com/repos/o/r/issues?state=all&sort=updated&direction=asc&per_page=50&page=2",
		"https://api.github.com/repos/o/r/issues?since=2026-01-01T00%3A00%3A00Z",
		"https://api.github.com/repos/o/r/issues",
	}
	for _, c := range cases {
		if !ValidateIssuesCursor(c) {
			t.Fatalf("expected %q to be valid", c)
		}
	}
}

func TestValidateIssuesCursorRejected(t *testing.T) {
	cases := []string{
		"https://evil.example.com/repos/o/r/issues",
		"https://api.github.com/repos/o/r/pulls",
		"https://api.github.com/repos/o/r/issues?access_token=stolen",
		"http://api.github.com/repos/o/r/issues",
		"not-a-url-at-all://",
	}
	for _, c := range cases {
		if ValidateIssuesCursor(c) {
			t.Fatalf("expected %q to be invalid", c)
		}
	}
}
