// Package issuemirror implements the per-repo issue poller (C7):
// bootstrap pagination into incremental-since sync, selection and
// legacy-label-scheme detection, and cursor persistence.
package issuemirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/itskum47/ralphd/internal/ghclient"
	metrics "github.com/itskum47/ralphd/internal/observability"
	"github.com/itskum47/ralphd/internal/policy"
	"github.com/itskum47/ralphd/internal/store"
)

const (
	defaultPagesPerTick  = 2
	defaultIssuesPerTick = 200
	defaultPerPage       = 100
	incrementalSkew      = 5 * time.Second
)

// SelectionMode controls which OPEN issues the poller mirrors even
// without a ralph:* label.
type SelectionMode string

const (
	// SelectRalphLabeledOnly stores an issue only if it already carries
	// a ralph:* label or a snapshot already exists for it.
	SelectRalphLabeledOnly SelectionMode = "ralph-labeled"
	// SelectAllOpen additionally stores every OPEN issue regardless of
	// labeling.
	SelectAllOpen SelectionMode = "all-open"
)

// Poller mirrors one repo's issues into the state store.
type Poller struct {
	gh    *ghclient.Client
	store store.StateStore
	repo  string

	selection     SelectionMode
	pagesPerTick  int
	issuesPerTick int
	perPage       int
	allow         *policy.Allowlist
}

// WithAllowlist gates Tick on repo being permitted by allow; a denied
// repo short-circuits with TickSkipped before any GitHub call.
func WithAllowlist(allow *policy.Allowlist) Option {
	return func(p *Poller) { p.allow = allow }
}

// Option configures a Poller.
type Option func(*Poller)

// WithSelectionMode overrides the default ralph-labeled-only selection.
func WithSelectionMode(m SelectionMode) Option {
	return func(p *Poller) { p.selection = m }
}

// WithPagesPerTick overrides the default max-pages-per-tick (2).
func WithPagesPerTick(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.pagesPerTick = n
		}
	}
}

// WithIssuesPerTick overrides the default max-issues-per-tick (200).
func WithIssuesPerTick(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.issuesPerTick = n
		}
	}
}

// New builds a Poller for repo.
func New(gh *ghclient.Client, st store.StateStore, repo string, opts ...Option) *Poller {
	p := &Poller{
		gh: gh, store: st, repo: repo,
		selection:     SelectRalphLabeledOnly,
		pagesPerTick:  defaultPagesPerTick,
		issuesPerTick: defaultIssuesPerTick,
		perPage:       defaultPerPage,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TickStatus is the outcome of one Tick call.
type TickStatus string

const (
	TickOK          TickStatus = "ok"
	TickAborted     TickStatus = "aborted"
	TickRateLimited TickStatus = "rate-limited"
	TickSkipped     TickStatus = "skipped"
)

// TickResult reports what one tick accomplished, for the scheduler's
// backoff decision.
type TickResult struct {
	Status         TickStatus
	FetchedCount   int
	ChangedCursor  bool
	LegacySchemeDetected bool
	RateLimitResetMs int64
}

// Tick runs exactly one poll cycle: bootstrap or incremental, up to
// pagesPerTick/issuesPerTick, persisting snapshots transactionally per
// page and advancing the cursor per spec.md §4.7.
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	result, err := p.tick(ctx)
	metrics.PollerTickDuration.WithLabelValues(p.repo, string(result.Status)).Observe(time.Since(start).Seconds())
	if result.FetchedCount > 0 {
		metrics.PollerFetchedIssues.WithLabelValues(p.repo).Add(float64(result.FetchedCount))
	}
	return result, err
}

func (p *Poller) tick(ctx context.Context) (TickResult, error) {
	if p.allow != nil && !p.allow.Allows(p.repo) {
		return TickResult{Status: TickSkipped}, nil
	}

	cursor, err := p.store.GetRepoIssueSyncCursor(ctx, p.repo)
	if err != nil {
		return TickResult{}, fmt.Errorf("issuemirror: get cursor: %w", err)
	}

	var result TickResult
	if cursor.LastSyncAt == nil {
		result, err = p.tickBootstrap(ctx, cursor)
	} else {
		result, err = p.tickIncremental(ctx, cursor)
	}
	if err != nil || result.Status != TickOK {
		return result, err
	}

	if result.LegacySchemeDetected {
		if serr := p.store.SetLegacyLabelSchemeState(ctx, store.LegacyLabelSchemeState{
			Repo:    p.repo,
			Reason:  "legacy-workflow-labels",
			Details: "one or more OPEN issues still carry pre-vNext workflow labels",
		}); serr != nil {
			return result, fmt.Errorf("issuemirror: persist legacy scheme state: %w", serr)
		}
	}
	return result, nil
}

func (p *Poller) tickBootstrap(ctx context.Context, cursor store.RepoIssueSyncCursor) (TickResult, error) {
	nextURL := ""
	if cursor.BootstrapNextURL != "" && ghclient.ValidateIssuesCursor(cursor.BootstrapNextURL) {
		nextURL = cursor.BootstrapNextURL
	}

	highWatermark := cursor.BootstrapHighWatermark
	result := TickResult{Status: TickOK}

	for page := 0; page < p.pagesPerTick && result.FetchedCount < p.issuesPerTick; page++ {
		select {
		case <-ctx.Done():
			return TickResult{Status: TickAborted}, nil
		default:
		}

		var issues []*github.Issue
		var link string
		var err error
		if nextURL != "" {
			issues, link, err = p.fetchByURL(ctx, nextURL)
		} else {
			issues, link, err = p.gh.ListIssuesPage(ctx, p.repo, "", 1, p.perPage)
		}
		if err != nil {
			if limited, resetMs := rateLimitInfo(err); limited {
				return TickResult{Status: TickRateLimited, RateLimitResetMs: resetMs}, nil
			}
			return TickResult{}, err
		}

		legacy, err := p.processPage(ctx, issues)
		if err != nil {
			return TickResult{}, err
		}
		result.LegacySchemeDetected = result.LegacySchemeDetected || legacy
		result.FetchedCount += len(issues)

		for _, iss := range issues {
			if iss.GetPullRequestLinks() != nil {
				continue
			}
			u := iss.GetUpdatedAt().Time
			if highWatermark == nil || u.After(*highWatermark) {
				highWatermark = &u
			}
		}

		if link == "" {
			now := time.Now()
			lastSync := highWatermark
			if lastSync == nil {
				lastSync = &now
			}
			if err := p.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
				if err := tx.RecordRepoIssueSync(ctx, p.repo, *lastSync); err != nil {
					return err
				}
				return tx.ClearRepoIssueBootstrapCursor(ctx, p.repo)
			}); err != nil {
				return TickResult{}, fmt.Errorf("issuemirror: finalize bootstrap: %w", err)
			}
			result.ChangedCursor = true
			return result, nil
		}

		nextURL = link
	}

	if err := p.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.RecordRepoIssueBootstrapCursor(ctx, p.repo, nextURL, highWatermark)
	}); err != nil {
		return TickResult{}, fmt.Errorf("issuemirror: persist bootstrap cursor: %w", err)
	}
	result.ChangedCursor = true
	return result, nil
}

func (p *Poller) tickIncremental(ctx context.Context, cursor store.RepoIssueSyncCursor) (TickResult, error) {
	since := cursor.LastSyncAt.Add(-incrementalSkew)
	sinceStr := since.UTC().Format(time.RFC3339)

	result := TickResult{Status: TickOK}
	var maxUpdatedAt *time.Time
	page := 1

	for page <= p.pagesPerTick && result.FetchedCount < p.issuesPerTick {
		select {
		case <-ctx.Done():
			return TickResult{Status: TickAborted}, nil
		default:
		}

		issues, _, err := p.gh.ListIssuesPage(ctx, p.repo, sinceStr, page, p.perPage)
		if err != nil {
			if limited, resetMs := rateLimitInfo(err); limited {
				return TickResult{Status: TickRateLimited, RateLimitResetMs: resetMs}, nil
			}
			return TickResult{}, err
		}
		if len(issues) == 0 {
			break
		}

		legacy, err := p.processPage(ctx, issues)
		if err != nil {
			return TickResult{}, err
		}
		result.LegacySchemeDetected = result.LegacySchemeDetected || legacy
		result.FetchedCount += len(issues)

		for _, iss := range issues {
			u := iss.GetUpdatedAt().Time
			if maxUpdatedAt == nil || u.After(*maxUpdatedAt) {
				maxUpdatedAt = &u
			}
		}

		// Pages are newest-updated first; once a page's last (oldest)
		// row predates since, every later page is strictly older, so
		// nothing further in this sort order can still be new.
		oldest := issues[len(issues)-1].GetUpdatedAt().Time
		if oldest.Before(since) {
			break
		}

		if len(issues) < p.perPage {
			break
		}
		page++
	}

	newLastSyncAt := *cursor.LastSyncAt
	if result.FetchedCount > 0 {
		if maxUpdatedAt != nil {
			newLastSyncAt = *maxUpdatedAt
		} else {
			newLastSyncAt = time.Now()
		}
	}

	if err := p.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.RecordRepoIssueSync(ctx, p.repo, newLastSyncAt)
	}); err != nil {
		return TickResult{}, fmt.Errorf("issuemirror: advance incremental cursor: %w", err)
	}
	result.ChangedCursor = !newLastSyncAt.Equal(*cursor.LastSyncAt)
	return result, nil
}

func (p *Poller) fetchByURL(ctx context.Context, absoluteURL string) ([]*github.Issue, string, error) {
	resp, err := p.gh.CallURL(ctx, absoluteURL, ghclient.Request{Method: "GET", Source: "issuemirror.resume"})
	if err != nil {
		return nil, "", err
	}
	var issues []*github.Issue
	if err := json.Unmarshal(resp.Data, &issues); err != nil {
		return nil, "", fmt.Errorf("issuemirror: decode resumed page: %w", err)
	}
	return issues, resp.NextLink, nil
}

// processPage filters out pull requests, applies the selection rule,
// and records every selected issue's snapshot + labels-snapshot in one
// transaction. It returns whether any OPEN selected issue carries a
// legacy pre-vNext label.
func (p *Poller) processPage(ctx context.Context, issues []*github.Issue) (legacyFound bool, err error) {
	type selected struct {
		issue  *github.Issue
		labels []string
	}
	var toStore []selected

	for _, iss := range issues {
		if iss.GetPullRequestLinks() != nil {
			continue
		}
		labels := labelNames(iss)

		hasRalph := false
		for _, l := range labels {
			if strings.HasPrefix(l, "ralph:") {
				hasRalph = true
				break
			}
		}

		hasSnapshot, serr := p.store.HasIssueSnapshot(ctx, p.repo, iss.GetNumber())
		if serr != nil {
			return false, fmt.Errorf("issuemirror: has snapshot: %w", serr)
		}

		isOpenAllMode := p.selection == SelectAllOpen && iss.GetState() == "open"

		if !hasRalph && !hasSnapshot && !isOpenAllMode {
			continue
		}
		toStore = append(toStore, selected{issue: iss, labels: labels})

		if iss.GetState() == "open" && hasLegacyLabel(labels) {
			legacyFound = true
		}
	}

	if len(toStore) == 0 {
		return legacyFound, nil
	}

	now := time.Now()
	err = p.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, s := range toStore {
			snap := store.IssueSnapshot{
				Repo:            p.repo,
				Number:          s.issue.GetNumber(),
				Title:           s.issue.GetTitle(),
				State:           strings.ToUpper(s.issue.GetState()),
				Labels:          s.labels,
				GithubNodeID:    s.issue.GetNodeID(),
				GithubUpdatedAt: s.issue.GetUpdatedAt().Time,
			}
			if err := tx.RecordIssueSnapshot(ctx, snap); err != nil {
				return err
			}
			if err := tx.RecordIssueLabelsSnapshot(ctx, p.repo, s.issue.GetNumber(), s.labels, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("issuemirror: record page: %w", err)
	}
	return legacyFound, nil
}

func labelNames(iss *github.Issue) []string {
	var out []string
	for _, l := range iss.Labels {
		out = append(out, l.GetName())
	}
	return out
}

func rateLimitInfo(err error) (limited bool, resetMs int64) {
	apiErr, ok := err.(*ghclient.GitHubApiError)
	if !ok || apiErr.Status != 403 || !apiErr.Transient {
		return false, 0
	}
	return true, apiErr.RateLimitResetMs
}
