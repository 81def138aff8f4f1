package redact

import "testing"

func TestTextScrubsGitHubPAT(t *testing.T) {
	in := "token is ghp_abcdefghijklmnopqrstuvwxyz12 please"
	out := Text(in, Options{})
	if got := out; containsRaw(got, "ghp_abcdefghijklmnopqrstuvwxyz12") {
		t.Fatalf("token leaked: %s", got)
	}
}

func TestTextScrubsBearerHeader(t *testing.T) {
	in := "Authorization: Bearer sometoken1234567890"
	out := Text(in, Options{})
	if containsRaw(out, "sometoken1234567890") {
		t.Fatalf("bearer token leaked: %s", out)
	}
}

func TestTextScrubsHomePath(t *testing.T) {
	in := "/home/alice/repo/file.go"
	out := Text(in, Options{})
	if out != "~/repo/file.go" {
		t.Fatalf("want ~/repo/file.go, got %s", out)
	}
}

func TestTextScrubsAnsiEscapes(t *testing.T) {
	in := "\x1b[31merror\x1b[0m"
	out := Text(in, Options{})
	if out != "error" {
		t.Fatalf("want error, got %q", out)
	}
}

func TestTextPreservesNonSecretText(t *testing.T) {
	in := "checkpoint planned reached for worker w1"
	if got := Text(in, Options{}); got != in {
		t.Fatalf("non-secret text was altered: %q", got)
	}
}

func containsRaw(s, needle string) bool {
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
