package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
	"github.com/exsilium/shiphub-server/internal/store"
)

const (
	defaultContentConcurrency = 4
	reactionConcurrency       = 4

	// Repository metadata is shared by every user who can see the repository.
	repositoryOwnerKind = "repo"
)

// syncContent mirrors the issue data of every repository the user can see.
// One repository failing does not stop the others.
func (s *Syncer) syncContent(ctx context.Context, c *cycle) (changes.Summary, error) {
	repos, err := s.store.AccountRepositories(ctx, c.entity.ID)
	if err != nil {
		return changes.Empty, err
	}
	results := Scatter(ctx, s.concurrency, repos, func(ctx context.Context, repo github.Repository) (changes.Summary, error) {
		return s.syncRepository(ctx, c, repo)
	})

	var (
		summary   changes.Summary
		poolEmpty bool
	)
	for _, r := range results {
		summary.UnionWith(r.Value)
		switch {
		case r.Err == nil:
		case errors.Is(r.Err, github.ErrPoolEmpty):
			poolEmpty = true
		default:
			c.logger.Warn("repository sync failed", "repo", r.Input.FullName, "status", github.StatusOf(r.Err), "error", r.Err)
		}
	}
	if poolEmpty {
		return summary, github.ErrPoolEmpty
	}
	return summary, nil
}

// syncRepository walks the repository's resources in order. Metadata is
// saved even when a resource fails so finished work is not refetched; a
// resource whose save failed keeps its old metadata.
func (s *Syncer) syncRepository(ctx context.Context, c *cycle, repo github.Repository) (summary changes.Summary, err error) {
	meta, err := s.store.LoadMetadata(ctx, repositoryOwnerKind, repo.ID)
	if err != nil {
		return changes.Empty, err
	}
	defer func() {
		if saveErr := s.store.SaveMetadata(ctx, repositoryOwnerKind, repo.ID, meta); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
	}()

	name := repo.FullName
	var (
		issues     []github.Issue
		issuesResp *github.Response[[]github.Issue]
	)
	steps := []struct {
		slot string
		run  func() (changes.Summary, error)
	}{
		{"labels", func() (changes.Summary, error) {
			return syncResource(ctx, c, meta, "labels", func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Label], error) {
				return s.client.Labels(ctx, name, cache, cred)
			}, func(items []github.Label) (changes.Summary, error) {
				return s.store.UpsertLabels(ctx, repo.ID, items)
			})
		}},
		{"milestones", func() (changes.Summary, error) {
			return syncResource(ctx, c, meta, "milestones", func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Milestone], error) {
				return s.client.Milestones(ctx, name, cache, cred)
			}, func(items []github.Milestone) (changes.Summary, error) {
				return s.store.UpsertMilestones(ctx, repo.ID, items)
			})
		}},
		{"assignees", func() (changes.Summary, error) {
			return syncResource(ctx, c, meta, "assignees", func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Account], error) {
				return s.client.Assignable(ctx, name, cache, cred)
			}, func(items []github.Account) (changes.Summary, error) {
				return s.store.UpsertAccounts(ctx, items)
			})
		}},
		{"issues", func() (changes.Summary, error) {
			resp, fresh, err := fetch(ctx, c, meta, "issues", func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Issue], error) {
				return s.client.Issues(ctx, name, time.Time{}, cache, cred)
			})
			if err != nil || fresh || resp.NotModified {
				return changes.Empty, err
			}
			changed, err := s.store.UpsertIssues(ctx, repo.ID, resp.Result)
			if err != nil {
				return changes.Empty, err
			}
			issues, issuesResp = resp.Result, resp
			return changed, nil
		}},
		{"comments", func() (changes.Summary, error) {
			return syncResource(ctx, c, meta, "comments", func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Comment], error) {
				return s.client.Comments(ctx, name, time.Time{}, cache, cred)
			}, func(items []github.Comment) (changes.Summary, error) {
				return s.store.UpsertComments(ctx, repo.ID, items)
			})
		}},
		{"events", func() (changes.Summary, error) {
			return syncResource(ctx, c, meta, "events", func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.IssueEvent], error) {
				return s.client.Events(ctx, name, cache, cred)
			}, func(items []github.IssueEvent) (changes.Summary, error) {
				return s.store.UpsertEvents(ctx, repo.ID, items)
			})
		}},
	}

	var errs []error
	for _, step := range steps {
		changed, stepErr := step.run()
		summary.UnionWith(changed)
		if stepErr == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", name, step.slot, stepErr))
		if errors.Is(stepErr, github.ErrPoolEmpty) {
			return summary, errors.Join(errs...)
		}
	}

	// The issue list is only marked current once its reactions are stored,
	// so a failed reaction pass refetches the list next cycle.
	reactions, err := s.syncReactions(ctx, c, repo, issues, summary)
	summary.UnionWith(reactions)
	if err != nil {
		errs = append(errs, err)
	} else {
		keep(meta, "issues", issuesResp)
	}
	return summary, errors.Join(errs...)
}

// syncReactions refreshes reactions of the issues this pass changed and of
// any issue whose stored reactions disagree with its rollup. Issues whose
// rollup is empty are cleared without a request.
func (s *Syncer) syncReactions(ctx context.Context, c *cycle, repo github.Repository, issues []github.Issue, changed changes.Summary) (changes.Summary, error) {
	if len(issues) == 0 {
		return changes.Empty, nil
	}
	stored, err := s.store.IssueReactionCounts(ctx, repo.ID)
	if err != nil {
		return changes.Empty, err
	}
	var targets []github.Issue
	for _, issue := range issues {
		want := 0
		if issue.Reactions != nil {
			want = issue.Reactions.TotalCount
		}
		if changed.Contains(changes.Issues, issue.ID) || stored[issue.ID] != want {
			targets = append(targets, issue)
		}
	}
	results := Scatter(ctx, reactionConcurrency, targets, func(ctx context.Context, issue github.Issue) (changes.Summary, error) {
		var reactions []github.Reaction
		if issue.Reactions != nil && issue.Reactions.TotalCount > 0 {
			resp, err := github.Call(ctx, c.pool, func(ctx context.Context, cred *github.Credential) (*github.Response[[]github.Reaction], error) {
				return s.client.IssueReactions(ctx, repo.FullName, issue.Number, nil, cred)
			})
			if err != nil {
				return changes.Empty, err
			}
			reactions = resp.Result
		}
		return s.store.SetIssueReactions(ctx, repo.ID, issue.ID, reactions)
	})

	var (
		summary changes.Summary
		errs    []error
	)
	for _, r := range results {
		summary.UnionWith(r.Value)
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s#%d reactions: %w", repo.FullName, r.Input.Number, r.Err))
		}
	}
	return summary, errors.Join(errs...)
}

// syncResource fetches one cached collection and saves it when it changed.
func syncResource[T any](
	ctx context.Context,
	c *cycle,
	meta store.Metadata,
	slot string,
	call func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]T], error),
	save func(items []T) (changes.Summary, error),
) (changes.Summary, error) {
	resp, fresh, err := fetch(ctx, c, meta, slot, call)
	if err != nil || fresh || resp.NotModified {
		return changes.Empty, err
	}
	summary, err := save(resp.Result)
	if err != nil {
		return changes.Empty, err
	}
	keep(meta, slot, resp)
	return summary, nil
}
