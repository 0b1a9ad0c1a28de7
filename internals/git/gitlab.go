package git

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

const gitlabPageSize = 100

type GitLabTracker struct {
	gl      *gitlab.Client
	info    RepoInfo
	baseURL string
}

func NewGitLabTracker(token, baseURL string, info RepoInfo) (*GitLabTracker, error) {
	gl, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL+"/api/v4"))
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}
	return &GitLabTracker{gl: gl, info: info, baseURL: baseURL}, nil
}

func (t *GitLabTracker) pid() string {
	return t.info.Owner + "/" + t.info.Repo
}

// ListOpenIssues returns every open issue, oldest first.
func (t *GitLabTracker) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	opts := &gitlab.ListProjectIssuesOptions{
		ListOptions: gitlab.ListOptions{PerPage: gitlabPageSize},
		State:       gitlab.Ptr("opened"),
		OrderBy:     gitlab.Ptr("created_at"),
		Sort:        gitlab.Ptr("asc"),
	}

	var out []Issue
	for {
		issues, resp, err := t.gl.Issues.ListProjectIssues(t.pid(), opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("gitlab list issues: %w", err)
		}
		for _, issue := range issues {
			out = append(out, fromGitLabIssue(issue))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (t *GitLabTracker) GetIssue(ctx context.Context, number int) (Issue, error) {
	issue, _, err := t.gl.Issues.GetIssue(t.pid(), int64(number), gitlab.WithContext(ctx))
	if err != nil {
		return Issue{}, fmt.Errorf("gitlab get issue: %w", err)
	}
	return fromGitLabIssue(issue), nil
}

func (t *GitLabTracker) AddLabel(ctx context.Context, number int, label string) error {
	opts := &gitlab.UpdateIssueOptions{
		AddLabels: (*gitlab.LabelOptions)(&[]string{label}),
	}
	_, _, err := t.gl.Issues.UpdateIssue(t.pid(), int64(number), opts, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("gitlab add label: %w", err)
	}
	return nil
}

func (t *GitLabTracker) RemoveLabel(ctx context.Context, number int, label string) error {
	opts := &gitlab.UpdateIssueOptions{
		RemoveLabels: (*gitlab.LabelOptions)(&[]string{label}),
	}
	_, _, err := t.gl.Issues.UpdateIssue(t.pid(), int64(number), opts, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("gitlab remove label: %w", err)
	}
	return nil
}

func fromGitLabIssue(issue *gitlab.Issue) Issue {
	return Issue{
		Number: int(issue.IID), // IID is the project-scoped issue number
		Title:  issue.Title,
		Body:   issue.Description,
		URL:    issue.WebURL,
		Labels: append([]string(nil), issue.Labels...),
	}
}
