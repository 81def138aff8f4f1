package issuemirror

// legacyLabels are the pre-vNext workflow labels this repo's issues
// must not carry anymore. Their presence on an OPEN issue means the
// repo hasn't migrated to the ralph:* taxonomy yet, so downstream
// reconcilers (C5 onward) must not act on it until an operator clears
// the legacy-scheme flag. Spec.md names only the detection contract,
// not the label set itself, so this is the decision recorded in
// DESIGN.md's C7 section: mirror the unprefixed equivalents of the
// vNext ralph:status:* / ralph:blocked / ralph:done vocabulary, plus
// two historical triage labels (needs-triage, agent:assigned).
var legacyLabels = map[string]bool{
	"status:queued":      true,
	"status:in-progress":  true,
	"status:blocked":      true,
	"status:done":         true,
	"status:escalated":    true,
	"needs-triage":        true,
	"agent:assigned":      true,
}

func hasLegacyLabel(labels []string) bool {
	for _, l := range labels {
		if legacyLabels[l] {
			return true
		}
	}
	return false
}
