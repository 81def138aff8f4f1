package ghclient

import (
	"net/url"
	"regexp"
	"strings"
)

// issuesCursorPath matches exactly the issues-listing endpoint shape a
// persisted cursor URL is allowed to point at.
var issuesCursorPath = regexp.MustCompile(`^/repos/[^/]+/[^/]+/issues$`)

// allowedCursorParams is the allowlisted query-parameter set for a
// persisted "since" cursor (spec.md §4.4).
var allowedCursorParams = map[string]bool{
	"state":     true,
	"sort":      true,
	"direction": true,
	"per_page":  true,
	"page":      true,
	"since":     true,
}

// ParseNextLink extracts the rel="next" URL from a Link response
// header, e.g. `<https://api.github.com/...>; rel="next", <...>; rel="last"`.
func ParseNextLink(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		urlPart := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(urlPart, "<") || !strings.HasSuffix(urlPart, ">") {
			continue
		}
		isNext := false
		for _, attr := range segs[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` {
				isNext = true
				break
			}
		}
		if isNext {
			return urlPart[1 : len(urlPart)-1], true
		}
	}
	return "", false
}

// ValidateIssuesCursor reports whether rawURL is safe to resume an
// incremental issue sync from: scheme+host api.github.com, path exactly
// /repos/<owner>/<repo>/issues, and only allowlisted query parameters.
// Any deviation means the cursor is untrusted and the poller must fall
// back to a full bootstrap rather than follow it.
func ValidateIssuesCursor(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "https" || u.Host != "api.github.com" {
		return false
	}
	if !issuesCursorPath.MatchString(u.Path) {
		return false
	}
	for key := range u.Query() {
		if !allowedCursorParams[key] {
			return false
		}
	}
	return true
}
