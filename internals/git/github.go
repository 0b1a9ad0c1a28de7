package git

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"
)

const githubPageSize = 100

type GitHubTracker struct {
	gh   *github.Client
	info RepoInfo
}

func NewGitHubTracker(ctx context.Context, token string, info RepoInfo) (*GitHubTracker, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubTracker{
		gh:   github.NewClient(oauth2.NewClient(ctx, ts)),
		info: info,
	}, nil
}

// ListOpenIssues returns every open issue, oldest first. Pull requests
// share the issues endpoint on GitHub and are filtered out.
func (t *GitHubTracker) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: githubPageSize},
	}

	var out []Issue
	for {
		page, resp, err := t.gh.Issues.ListByRepo(ctx, t.info.Owner, t.info.Repo, opts)
		if err != nil {
			return nil, fmt.Errorf("github list issues: %w", err)
		}
		for _, issue := range page {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, fromGitHubIssue(issue))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (t *GitHubTracker) GetIssue(ctx context.Context, number int) (Issue, error) {
	issue, _, err := t.gh.Issues.Get(ctx, t.info.Owner, t.info.Repo, number)
	if err != nil {
		return Issue{}, fmt.Errorf("github get issue: %w", err)
	}
	return fromGitHubIssue(issue), nil
}

func (t *GitHubTracker) AddLabel(ctx context.Context, number int, label string) error {
	_, _, err := t.gh.Issues.AddLabelsToIssue(ctx, t.info.Owner, t.info.Repo, number, []string{label})
	if err != nil {
		return fmt.Errorf("github add label: %w", err)
	}
	return nil
}

// RemoveLabel is idempotent: GitHub answers 404 when the label is not
// on the issue, which is treated as success.
func (t *GitHubTracker) RemoveLabel(ctx context.Context, number int, label string) error {
	resp, err := t.gh.Issues.RemoveLabelForIssue(ctx, t.info.Owner, t.info.Repo, number, label)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("github remove label: %w", err)
	}
	return nil
}

func fromGitHubIssue(issue *github.Issue) Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		URL:    issue.GetHTMLURL(),
		Labels: labels,
	}
}
