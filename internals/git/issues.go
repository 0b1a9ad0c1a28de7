package git

import (
	"context"
	"strings"
)

type Tracker interface {
	ListOpenIssues(ctx context.Context) ([]Issue, error)
	GetIssue(ctx context.Context, number int) (Issue, error)
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error
}

type Issue struct {
	Number int
	Title  string
	Body   string
	URL    string
	Labels []string
}

// HasLabel reports whether the issue carries label. Tracker label names
// are compared case-insensitively.
func (i Issue) HasLabel(label string) bool {
	if label == "" {
		return false
	}
	for _, l := range i.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// HasAnyLabel reports whether the issue carries at least one of labels.
func (i Issue) HasAnyLabel(labels ...string) bool {
	for _, l := range labels {
		if i.HasLabel(l) {
			return true
		}
	}
	return false
}

type Platform int

const (
	PlatformGitHub Platform = iota
	PlatformGitLab
)

func (p Platform) String() string {
	switch p {
	case PlatformGitHub:
		return "github"
	case PlatformGitLab:
		return "gitlab"
	default:
		return "unknown"
	}
}
