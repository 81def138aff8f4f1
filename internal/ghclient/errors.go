package ghclient

import "fmt"

// GitHubApiError is the typed error spec.md §4.4 requires for any
// non-2xx response that wasn't swallowed by allowNotFound.
type GitHubApiError struct {
	Status           int
	Code             string
	ResponseText     string
	Transient        bool
	RateLimitResetMs int64 // populated when status carries x-ratelimit-reset
}

func (e *GitHubApiError) Error() string {
	return fmt.Sprintf("ghclient: %s (status %d): %s", e.Code, e.Status, truncate(e.ResponseText, 500))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
