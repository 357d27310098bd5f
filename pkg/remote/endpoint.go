package remote

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

const (
	defaultAPIBaseURL = "https://api.github.com"
	githubHost        = "github.com"
)

// Endpoint identifies the repository a snapshot is published to. For HTTP
// stores APIBase is the API root with no trailing slash, e.g.
// "https://api.github.com" or "https://ghe.example.com/api/v3". For local
// stores Dir is the absolute store directory.
type Endpoint struct {
	Raw     string
	APIBase string
	Owner   string
	Repo    string
	Dir     string
}

// IsLocal reports whether the endpoint names a local directory store.
func (e Endpoint) IsLocal() bool {
	return e.Dir != ""
}

// RepoURL returns the repository root of the API, ".../repos/{owner}/{repo}".
func (e Endpoint) RepoURL() string {
	return e.APIBase + "/repos/" + e.Owner + "/" + e.Repo
}

// String returns a display form of the endpoint.
func (e Endpoint) String() string {
	if e.IsLocal() {
		return "file://" + filepath.ToSlash(e.Dir)
	}
	return e.Owner + "/" + e.Repo + " (" + e.APIBase + ")"
}

// ParseEndpoint parses a remote URL or shorthand into a canonical endpoint.
//
// Supported inputs include:
//   - github:owner/repo (also gh:owner/repo)
//   - https://github.com/owner/repo[.git]
//   - https://api.github.com/repos/owner/repo
//   - https://ghe.example.com/api/v3/repos/owner/repo
//   - https://ghe.example.com/owner/repo (expanded to /api/v3)
//   - file:///abs/store/dir
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("remote URL is required")
	}

	if provider, repoPath, ok := strings.Cut(raw, ":"); ok && !strings.Contains(raw, "://") {
		switch strings.ToLower(strings.TrimSpace(provider)) {
		case "github", "gh":
			owner, repo, err := parseOwnerRepo(repoPath)
			if err != nil {
				return Endpoint{}, err
			}
			return Endpoint{Raw: raw, APIBase: defaultAPIBaseURL, Owner: owner, Repo: repo}, nil
		default:
			return Endpoint{}, fmt.Errorf("unsupported remote shorthand %q", provider)
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse remote URL: %w", err)
	}
	if u.Scheme == "file" {
		dir := u.Path
		if u.Host != "" && u.Host != "localhost" {
			return Endpoint{}, fmt.Errorf("file remote must be local, got host %q", u.Host)
		}
		if dir == "" || !filepath.IsAbs(filepath.FromSlash(dir)) {
			return Endpoint{}, fmt.Errorf("file remote must be an absolute path")
		}
		return Endpoint{Raw: raw, Dir: filepath.Clean(filepath.FromSlash(dir))}, nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("remote URL must use http, https or file scheme")
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("remote URL must include a host")
	}

	segments := splitPathSegments(u.Path)
	reposIdx := -1
	for i := 0; i+2 < len(segments); i++ {
		if segments[i] == "repos" {
			reposIdx = i
		}
	}

	var owner, repo, base string
	switch {
	case reposIdx >= 0:
		owner, repo = segments[reposIdx+1], segments[reposIdx+2]
		base = joinBase(u, segments[:reposIdx])
	case len(segments) < 2:
		return Endpoint{}, fmt.Errorf("remote URL must include owner and repository")
	case isGitHubHost(u.Hostname()):
		owner, repo = segments[0], segments[1]
		base = defaultAPIBaseURL
	default:
		owner, repo = segments[len(segments)-2], segments[len(segments)-1]
		prefix := append([]string{}, segments[:len(segments)-2]...)
		prefix = append(prefix, "api", "v3")
		base = joinBase(u, prefix)
	}
	repo = strings.TrimSuffix(repo, ".git")
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(repo) == "" {
		return Endpoint{}, fmt.Errorf("remote URL must include non-empty owner and repository")
	}
	return Endpoint{Raw: raw, APIBase: base, Owner: owner, Repo: repo}, nil
}

// isGitHubHost reports whether host is github.com itself, including its www
// and api hosts, whose API root never carries an /api/v3 prefix.
func isGitHubHost(host string) bool {
	for _, h := range []string{githubHost, "www." + githubHost, "api." + githubHost} {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}

func joinBase(u *url.URL, segments []string) string {
	base := url.URL{Scheme: u.Scheme, Host: u.Host}
	if len(segments) > 0 {
		base.Path = "/" + strings.Join(segments, "/")
	}
	return strings.TrimRight(base.String(), "/")
}

func parseOwnerRepo(s string) (string, string, error) {
	parts := splitPathSegments(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected owner/repo, got %q", s)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

func splitPathSegments(p string) []string {
	p = strings.TrimSpace(path.Clean("/" + p))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return nil
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" && part != "." {
			out = append(out, part)
		}
	}
	return out
}
