// Package writeback implements the shared marker-keyed writeback
// contract (C6): plan/apply, idempotency-key bookkeeping, and the
// specific forms (escalation, watchdog, rollup-ready,
// parent-verification, merge-conflict).
package writeback

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// MarkerID derives a deterministic 12-hex-char id from identity parts
// via two-pass FNV-1a: one hash over the joined identity tuple, one
// over its reverse, concatenated and truncated. Two passes reduce the
// chance of an accidental collision a single 32-bit hash could hit on
// adversarial or coincidentally similar identity tuples.
func MarkerID(parts ...string) string {
	base := strings.Join(parts, "|")
	h1 := fnv1a(base)
	h2 := fnv1a(reverseString(base))
	combined := fmt.Sprintf("%08x%08x", h1, h2)
	return combined[:12]
}

func fnv1a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// MarkerLine renders the HTML-comment marker line every writeback
// comment must begin with.
func MarkerLine(kind, markerID string) string {
	return fmt.Sprintf("<!-- ralph-%s:id=%s -->", kind, markerID)
}

// StateLine renders an optional second marker line carrying
// structured JSON state (merge-conflict attempt log, cmd decision).
func StateLine(kind, stateJSON string) string {
	return fmt.Sprintf("<!-- ralph-%s:state=%s -->", kind, stateJSON)
}

// markerLinePrefix is the case-insensitive-matchable prefix used to
// find an existing marker comment by kind.
func markerLinePrefix(kind string) string {
	return fmt.Sprintf("<!-- ralph-%s:id=", kind)
}

// ExtractMarkerID returns the marker id embedded in body for kind, if
// any, matched case-insensitively per spec.md §4.6 step 4.
func ExtractMarkerID(body, kind string) (string, bool) {
	lowerBody := strings.ToLower(body)
	prefix := strings.ToLower(markerLinePrefix(kind))
	idx := strings.Index(lowerBody, prefix)
	if idx < 0 {
		return "", false
	}
	rest := body[idx+len(prefix):]
	end := strings.IndexAny(rest, " \t\n-")
	if end < 0 {
		end = len(rest)
	}
	id := strings.TrimSpace(rest[:end])
	if id == "" {
		return "", false
	}
	return id, true
}

// NormalizeBody trims trailing newlines/whitespace for textual
// body-hash comparison, per spec.md §4.6 step 4's "normalizing
// trailing newlines" rule.
func NormalizeBody(body string) string {
	return strings.TrimRight(body, "\n\r \t")
}
