package labelcoord

import (
	"regexp"

	"github.com/itskum47/ralphd/internal/ghclient"
)

// FailureKind classifies why executeIssueLabelOps failed, per
// spec.md §4.5 step 5.
type FailureKind string

const (
	FailurePolicy    FailureKind = "policy"
	FailureTransient FailureKind = "transient"
	FailureAuth      FailureKind = "auth"
	FailureUnknown   FailureKind = "unknown"
)

// OpError wraps a classified label-op failure.
type OpError struct {
	Kind FailureKind
	Err  error
}

func (e *OpError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *OpError) Unwrap() error { return e.Err }

var missingLabelRe = regexp.MustCompile(`(?i)label.*does not exist`)

// classify maps a raw error from the GitHub client into the label
// coordinator's failure taxonomy.
func classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	apiErr, ok := err.(*ghclient.GitHubApiError)
	if !ok {
		return FailureUnknown
	}
	switch {
	case apiErr.Status == 401 || apiErr.Status == 403 || apiErr.Status == 404:
		if apiErr.Transient {
			return FailureTransient
		}
		return FailureAuth
	case apiErr.Transient:
		return FailureTransient
	default:
		return FailureUnknown
	}
}

// isMissingLabelError reports whether err is the specific 422
// "label does not exist" shape that triggers a one-shot ensureLabels
// + replay.
func isMissingLabelError(err error) bool {
	apiErr, ok := err.(*ghclient.GitHubApiError)
	return ok && apiErr.Status == 422 && missingLabelRe.MatchString(apiErr.ResponseText)
}
