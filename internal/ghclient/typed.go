package ghclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/go-github/v68/github"
)

// ListIssuesPage fetches one page of a repo's issues, newest-updated
// first (spec.md §4.7 uses the same descending-by-update URL shape for
// both bootstrap and incremental polling). since, when non-empty, is
// passed through verbatim (RFC3339) for incremental sync; page/perPage
// are 1-indexed GitHub pagination parameters.
func (c *Client) ListIssuesPage(ctx context.Context, repo, since string, page, perPage int) ([]*github.Issue, string, error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("sort", "updated")
	q.Set("direction", "desc")
	if perPage > 0 {
		q.Set("per_page", fmt.Sprint(perPage))
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if since != "" {
		q.Set("since", since)
	}
	resp, err := c.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/repos/%s/issues?%s", repo, q.Encode()),
		Source: "issuemirror.list",
	})
	if err != nil {
		return nil, "", err
	}
	var issues []*github.Issue
	if err := json.Unmarshal(resp.Data, &issues); err != nil {
		return nil, "", fmt.Errorf("ghclient: decode issues: %w", err)
	}
	return issues, resp.NextLink, nil
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*github.Issue, error) {
	resp, err := c.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/repos/%s/issues/%d", repo, number),
		Source: "ghclient.getIssue",
	})
	if err != nil {
		return nil, err
	}
	var issue github.Issue
	if err := json.Unmarshal(resp.Data, &issue); err != nil {
		return nil, fmt.Errorf("ghclient: decode issue: %w", err)
	}
	return &issue, nil
}

// AddLabels attaches labels to an issue in a single call (GitHub
// supports multi-label add natively).
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	_, err := c.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number),
		Body:   map[string]any{"labels": labels},
		Source: "labelcoord.add",
	})
	return err
}

// RemoveLabel detaches a single label; a 404 (label already absent)
// counts as success per spec.md §4.5.
func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	_, err := c.Call(ctx, Request{
		Method:        http.MethodDelete,
		Path:          fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label)),
		AllowNotFound: true,
		Source:        "labelcoord.remove",
	})
	return err
}

// EnsureRepoLabel creates label+color+description on repo if absent,
// tolerating an existing label (422 "already_exists") as success.
func (c *Client) EnsureRepoLabel(ctx context.Context, repo, name, color, description string) error {
	_, err := c.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/repos/%s/labels", repo),
		Body:   map[string]any{"name": name, "color": color, "description": description},
		Source: "labelcoord.ensureLabel",
	})
	if err == nil {
		return nil
	}
	var apiErr *GitHubApiError
	if asGitHubApiError(err, &apiErr) && apiErr.Status == 422 {
		return nil
	}
	return err
}

// ListComments returns all comments on an issue (single page; worker
// issues are not expected to accumulate enough comments to paginate in
// practice, but callers may page further via page/perPage).
func (c *Client) ListComments(ctx context.Context, repo string, number, page, perPage int) ([]*github.IssueComment, error) {
	q := url.Values{}
	if perPage > 0 {
		q.Set("per_page", fmt.Sprint(perPage))
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	resp, err := c.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/repos/%s/issues/%d/comments?%s", repo, number, q.Encode()),
		Source: "writeback.listComments",
	})
	if err != nil {
		return nil, err
	}
	var comments []*github.IssueComment
	if err := json.Unmarshal(resp.Data, &comments); err != nil {
		return nil, fmt.Errorf("ghclient: decode comments: %w", err)
	}
	return comments, nil
}

// CreateComment posts a new comment and returns it.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) (*github.IssueComment, error) {
	resp, err := c.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number),
		Body:   map[string]any{"body": body},
		Source: "writeback.createComment",
	})
	if err != nil {
		return nil, err
	}
	var comment github.IssueComment
	if err := json.Unmarshal(resp.Data, &comment); err != nil {
		return nil, fmt.Errorf("ghclient: decode comment: %w", err)
	}
	return &comment, nil
}

// UpdateComment edits an existing comment's body in place.
func (c *Client) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	_, err := c.Call(ctx, Request{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID),
		Body:   map[string]any{"body": body},
		Source: "writeback.updateComment",
	})
	return err
}

// CloseIssue closes issue number, optionally as "completed" or "not_planned".
func (c *Client) CloseIssue(ctx context.Context, repo string, number int, stateReason string) error {
	body := map[string]any{"state": "closed"}
	if stateReason != "" {
		body["state_reason"] = stateReason
	}
	_, err := c.Call(ctx, Request{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/repos/%s/issues/%d", repo, number),
		Body:   body,
		Source: "donereconciler.closeIssue",
	})
	return err
}

// GetDefaultBranch returns repo's default branch name.
func (c *Client) GetDefaultBranch(ctx context.Context, repo string) (string, error) {
	resp, err := c.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/repos/%s", repo),
		Source: "donereconciler.getRepo",
	})
	if err != nil {
		return "", err
	}
	var r github.Repository
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return "", fmt.Errorf("ghclient: decode repo: %w", err)
	}
	return r.GetDefaultBranch(), nil
}

// SearchIssuesResult is the decoded shape of a GraphQL issue search
// page. Nothing in this module uses it; the done reconciler reads
// merged PRs through SearchMergedPRsPage.
type SearchIssuesResult struct {
	Nodes    []*github.Issue
	HasNext  bool
	EndCursor string
}

func asGitHubApiError(err error, target **GitHubApiError) bool {
	apiErr, ok := err.(*GitHubApiError)
	if ok {
		*target = apiErr
	}
	return ok
}
