package fileops

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"
)

// PullRequestInput describes a pull request to open.
type PullRequestInput struct {
	Owner string
	Repo  string
	Title string
	Body  string
	Head  string
	Base  string
}

// PullRequest is an opened pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Head   string `json:"head"`
	Base   string `json:"base"`
}

// PullRequester opens pull requests on the code host.
type PullRequester interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	CreatePullRequest(ctx context.Context, in PullRequestInput) (*PullRequest, error)
}

// GitHub implements PullRequester with the GitHub REST API.
type GitHub struct {
	gh *gogh.Client
}

var _ PullRequester = (*GitHub)(nil)

// NewGitHub creates a client authenticated with token. A non-empty baseURL
// targets a GitHub Enterprise server.
func NewGitHub(token, baseURL string) (*GitHub, error) {
	client := gogh.NewClient(nil).WithAuthToken(token)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub Enterprise URL: %w", err)
		}
	}
	return &GitHub{gh: client}, nil
}

// DefaultBranch returns the repository's default branch.
func (g *GitHub) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := g.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}
	return r.GetDefaultBranch(), nil
}

// CreatePullRequest opens a pull request.
func (g *GitHub) CreatePullRequest(ctx context.Context, in PullRequestInput) (*PullRequest, error) {
	pr, _, err := g.gh.PullRequests.Create(ctx, in.Owner, in.Repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(in.Title),
		Body:  gogh.Ptr(in.Body),
		Head:  gogh.Ptr(in.Head),
		Base:  gogh.Ptr(in.Base),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Head:   in.Head,
		Base:   in.Base,
	}, nil
}

// parseRemote extracts owner and repository from a git remote URL in
// https, ssh:// or scp-like form.
func parseRemote(remote string) (owner, repo string, err error) {
	remote = strings.TrimSpace(remote)
	var p string
	switch {
	case strings.Contains(remote, "://"):
		u, perr := url.Parse(remote)
		if perr != nil {
			return "", "", fmt.Errorf("parsing remote %q: %w", remote, perr)
		}
		p = u.Path
	case strings.Contains(remote, ":"):
		// git@github.com:owner/repo.git
		_, p, _ = strings.Cut(remote, ":")
	default:
		return "", "", fmt.Errorf("unsupported remote %q", remote)
	}

	p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	parts := strings.Split(p, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("remote %q has no owner/repo path", remote)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
