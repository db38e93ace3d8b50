// Package github provides the release source: it polls the GitHub Releases
// API and maps releases to download candidates.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/clean-dependency-project/relmirror/internal/coordinator"
)

// Sentinel errors for GitHub operations.
var (
	ErrInvalidRepo = errors.New("repository must be in format 'owner/repo'")
)

const defaultPerPage = 100

// Client wraps the GitHub API client for release listing.
type Client struct {
	client *github.Client
	logger *slog.Logger
}

// NewClient creates a GitHub API client. An empty token produces an
// unauthenticated client, which is sufficient for polling public
// repositories at low volume.
func NewClient(token string, logger *slog.Logger) *Client {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &Client{client: client, logger: logger}
}

// ListCandidates returns up to maxReleases release candidates for a
// repository, newest first as the API reports them. Draft releases are never
// candidates.
func (c *Client) ListCandidates(ctx context.Context, repository string, maxReleases int) ([]coordinator.Candidate, error) {
	owner, repo, err := ParseRepository(repository)
	if err != nil {
		return nil, err
	}
	if maxReleases <= 0 {
		maxReleases = defaultPerPage
	}

	var candidates []coordinator.Candidate
	opts := &github.ListOptions{PerPage: defaultPerPage}
	for {
		releases, resp, err := c.client.Repositories.ListReleases(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list releases for %s: %w", repository, err)
		}

		for _, release := range releases {
			if release.GetDraft() || release.GetTagName() == "" {
				continue
			}
			candidates = append(candidates, toCandidate(owner, repo, release))
			if len(candidates) >= maxReleases {
				c.logger.Debug("release listing complete",
					"repository", repository, "candidates", len(candidates))
				return candidates, nil
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Debug("release listing complete",
		"repository", repository, "candidates", len(candidates))
	return candidates, nil
}

// toCandidate maps one API release to a coordinator candidate.
func toCandidate(owner, repo string, release *github.RepositoryRelease) coordinator.Candidate {
	cand := coordinator.Candidate{
		Owner:      owner,
		Repo:       repo,
		Tag:        release.GetTagName(),
		TarballURL: release.GetTarballURL(),
		ZipballURL: release.GetZipballURL(),
	}
	for _, asset := range release.Assets {
		if asset.GetName() == "" || asset.GetBrowserDownloadURL() == "" {
			continue
		}
		cand.Assets = append(cand.Assets, coordinator.Asset{
			Name: asset.GetName(),
			URL:  asset.GetBrowserDownloadURL(),
			Size: int64(asset.GetSize()),
		})
	}
	return cand
}

// ParseRepository splits a repository string into owner and repo.
// Returns an error if the format is invalid.
func ParseRepository(repository string) (owner, repo string, err error) {
	if repository == "" {
		return "", "", ErrInvalidRepo
	}

	parts := strings.Split(repository, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: got %s", ErrInvalidRepo, repository)
	}

	owner = strings.TrimSpace(parts[0])
	repo = strings.TrimSpace(parts[1])

	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("%w: owner or repo is empty", ErrInvalidRepo)
	}

	return owner, repo, nil
}
