package ghclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// mergedPRSearchQuery is the GraphQL shape the done reconciler (C10)
// uses to page through merged PRs and their linked closing issues.
const mergedPRSearchQuery = `
query($q: String!, $after: String) {
  search(query: $q, type: ISSUE, first: 50, after: $after) {
    pageInfo { hasNextPage endCursor }
    nodes {
      ... on PullRequest {
        number
        mergedAt
        closingIssuesReferences(first: 20) {
          nodes { number repository { nameWithOwner } state labels(first: 20) { nodes { name } } }
        }
      }
    }
  }
}`

// MergedPR is one page entry: a merged pull request and the issues it
// closes, as spec.md §4.10 step 5-7 needs them.
type MergedPR struct {
	Number   int    `json:"number"`
	MergedAt string `json:"mergedAt"`
	ClosingIssues []ClosingIssueRef `json:"closingIssues"`
}

// ClosingIssueRef is one issue a merged PR closes.
type ClosingIssueRef struct {
	Number int      `json:"number"`
	Repo   string   `json:"repo"`
	State  string   `json:"state"`
	Labels []string `json:"labels"`
}

// SearchMergedPRsPage runs one page of the merged-PR search for repo,
// base branch and a lower bound on merge time. after is the GraphQL
// cursor from the previous page, or "" for the first page.
func (c *Client) SearchMergedPRsPage(ctx context.Context, repo, base, mergedSince, after string) (prs []MergedPR, hasNext bool, endCursor string, err error) {
	q := fmt.Sprintf("repo:%s is:pr is:merged base:%s merged:>=%s", repo, base, mergedSince)
	vars := map[string]any{"q": q}
	if after != "" {
		vars["after"] = after
	}
	resp, err := c.GraphQL(ctx, mergedPRSearchQuery, vars, "donereconciler.searchMergedPRs")
	if err != nil {
		return nil, false, "", err
	}

	var parsed struct {
		Data struct {
			Search struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []struct {
					Number                   int    `json:"number"`
					MergedAt                 string `json:"mergedAt"`
					ClosingIssuesReferences struct {
						Nodes []struct {
							Number     int    `json:"number"`
							State      string `json:"state"`
							Repository struct {
								NameWithOwner string `json:"nameWithOwner"`
							} `json:"repository"`
							Labels struct {
								Nodes []struct {
									Name string `json:"name"`
								} `json:"nodes"`
							} `json:"labels"`
						} `json:"nodes"`
					} `json:"closingIssuesReferences"`
				} `json:"nodes"`
			} `json:"search"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, false, "", fmt.Errorf("ghclient: decode merged-PR search: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, false, "", fmt.Errorf("ghclient: graphql search error: %s", parsed.Errors[0].Message)
	}

	for _, n := range parsed.Data.Search.Nodes {
		pr := MergedPR{Number: n.Number, MergedAt: n.MergedAt}
		for _, ci := range n.ClosingIssuesReferences.Nodes {
			labels := make([]string, 0, len(ci.Labels.Nodes))
			for _, l := range ci.Labels.Nodes {
				labels = append(labels, l.Name)
			}
			pr.ClosingIssues = append(pr.ClosingIssues, ClosingIssueRef{
				Number: ci.Number,
				Repo:   ci.Repository.NameWithOwner,
				State:  ci.State,
				Labels: labels,
			})
		}
		prs = append(prs, pr)
	}

	return prs, parsed.Data.Search.PageInfo.HasNextPage, parsed.Data.Search.PageInfo.EndCursor, nil
}
