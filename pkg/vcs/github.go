package vcs

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v66/github"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// GitHubAdapter commits and pushes a sandbox workspace's changes via
// go-git and opens the resulting pull request via the GitHub REST API.
type GitHubAdapter struct {
	repoPath   string
	owner      string
	repoName   string
	token      string
	ghClient   *github.Client
	repo       *git.Repository
	worktree   *git.Worktree
}

// NewGitHubAdapter opens the git repository at repoPath (expected to
// already exist from the sandbox's checkout step) bound to owner/repoName
// on GitHub, authenticated with token.
func NewGitHubAdapter(repoPath, owner, repoName, token string) (*GitHubAdapter, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "open git repository failed").WithDetailsf("path=%s", repoPath)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "get worktree failed")
	}
	return &GitHubAdapter{
		repoPath: repoPath,
		owner:    owner,
		repoName: repoName,
		token:    token,
		ghClient: github.NewClient(nil).WithAuthToken(token),
		repo:     repo,
		worktree: wt,
	}, nil
}

// CreateBranch checks out a new branch off the current HEAD, mirroring
// github_publisher.py's `git checkout -b <branch>`.
func (a *GitHubAdapter) CreateBranch(branch string) error {
	err := a.worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "create branch failed").WithDetailsf("branch=%s", branch)
	}
	return nil
}

// AddFiles stages each path with force (matching `git add -f`, since
// generated output commonly lives under a gitignored directory).
func (a *GitHubAdapter) AddFiles(_ context.Context, paths []string) error {
	for _, p := range paths {
		if _, err := a.worktree.Add(p); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "git add failed").WithDetailsf("path=%s", p)
		}
	}
	return nil
}

// Commit records a commit authored by the orchestrator's service identity.
func (a *GitHubAdapter) Commit(_ context.Context, message string) error {
	_, err := a.worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "agent-orchestrator",
			Email: "agent-orchestrator@noreply",
			When:  time.Now(),
		},
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "git commit failed")
	}
	return nil
}

// PushTo pushes HEAD to branch on origin, authenticating with the GitHub
// token as github_publisher.py does via an HTTPS token URL.
func (a *GitHubAdapter) PushTo(ctx context.Context, branch string) error {
	refSpec := config.RefSpec("HEAD:refs/heads/" + branch)
	err := a.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
		Auth: &githttp.BasicAuth{
			Username: "x-access-token",
			Password: a.token,
		},
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "git push failed").WithDetailsf("branch=%s", branch)
	}
	return nil
}

// OpenMergeRequest opens a GitHub pull request from branch onto base.
func (a *GitHubAdapter) OpenMergeRequest(ctx context.Context, title, body, branch, base string) (string, error) {
	pr, _, err := a.ghClient.PullRequests.Create(ctx, a.owner, a.repoName, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &branch,
		Base:  &base,
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "create pull request failed")
	}
	return pr.GetHTMLURL(), nil
}
