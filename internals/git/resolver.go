package git

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type RepoInfo struct {
	Platform Platform
	Host     string // e.g. "github.com" or "gitlab.mycompany.com"
	Owner    string // GitLab owners may contain nested groups: "group/sub"
	Repo     string
	RawURL   string
}

// CloneURL is the HTTPS clone URL of the repository, without credentials.
func (i RepoInfo) CloneURL() string {
	return fmt.Sprintf("https://%s/%s/%s.git", i.Host, i.Owner, i.Repo)
}

// ParseRepoURL accepts HTTPS and scp-style SSH URLs
// (git@github.com:org/repo.git) for GitHub and GitLab hosts.
func ParseRepoURL(rawURL string) (RepoInfo, error) {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "git@") {
		rawURL = normaliseSSH(rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return RepoInfo{}, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	host := strings.ToLower(u.Hostname())
	platform, err := detectPlatform(host)
	if err != nil {
		return RepoInfo{}, err
	}

	path := strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")

	info := RepoInfo{Platform: platform, Host: host, RawURL: rawURL}
	switch platform {
	case PlatformGitHub:
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return RepoInfo{}, fmt.Errorf("github URL must have owner and repo: %q", rawURL)
		}
		info.Owner, info.Repo = parts[0], parts[1]
	case PlatformGitLab:
		if len(parts) < 2 || parts[len(parts)-1] == "" {
			return RepoInfo{}, fmt.Errorf("gitlab URL must have at least namespace and repo: %q", rawURL)
		}
		info.Owner = strings.Join(parts[:len(parts)-1], "/")
		info.Repo = parts[len(parts)-1]
	}
	return info, nil
}

func detectPlatform(host string) (Platform, error) {
	switch {
	case host == "github.com" || strings.HasSuffix(host, ".github.com"):
		return PlatformGitHub, nil
	case host == "gitlab.com" || strings.Contains(host, "gitlab"):
		return PlatformGitLab, nil
	default:
		return 0, fmt.Errorf("cannot determine platform from host %q: expected a github.com or gitlab domain", host)
	}
}

func normaliseSSH(s string) string {
	s = strings.TrimPrefix(s, "git@")
	s = strings.Replace(s, ":", "/", 1)
	return "https://" + s
}

type Factory struct {
	githubToken   string
	gitlabToken   string
	gitlabBaseURL string
}

type FactoryOption func(*Factory)

func WithGitLabBaseURL(baseURL string) FactoryOption {
	return func(f *Factory) { f.gitlabBaseURL = baseURL }
}

func NewFactory(githubToken, gitlabToken string, opts ...FactoryOption) *Factory {
	f := &Factory{
		githubToken:   githubToken,
		gitlabToken:   gitlabToken,
		gitlabBaseURL: "https://gitlab.com",
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Token returns the credential the factory holds for platform. The git
// engine reuses it to authenticate pushes.
func (f *Factory) Token(platform Platform) string {
	if platform == PlatformGitLab {
		return f.gitlabToken
	}
	return f.githubToken
}

func (f *Factory) TrackerFor(ctx context.Context, repoURL string) (Tracker, RepoInfo, error) {
	info, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, RepoInfo{}, err
	}

	switch info.Platform {
	case PlatformGitHub:
		if f.githubToken == "" {
			return nil, info, fmt.Errorf("no GitHub token configured")
		}
		t, err := NewGitHubTracker(ctx, f.githubToken, info)
		return t, info, err

	case PlatformGitLab:
		if f.gitlabToken == "" {
			return nil, info, fmt.Errorf("no GitLab token configured")
		}
		baseURL := f.gitlabBaseURL
		// Self-hosted instances serve the API from the repository's own host.
		if info.Host != "gitlab.com" {
			parsed, _ := url.Parse(info.RawURL)
			baseURL = parsed.Scheme + "://" + parsed.Host
		}
		t, err := NewGitLabTracker(f.gitlabToken, baseURL, info)
		return t, info, err
	}

	return nil, info, fmt.Errorf("unsupported platform: %s", info.Platform)
}
