package orchestrator

import (
	"context"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
)

func (s *Syncer) syncProfile(ctx context.Context, c *cycle) (changes.Summary, bool, error) {
	resp, fresh, err := fetch(ctx, c, c.meta, string(StageProfile),
		func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[github.Account], error) {
			return s.client.User(ctx, cache, cred)
		})
	if err != nil || fresh || resp.NotModified {
		return changes.Empty, fresh, err
	}
	user := resp.Result
	user.Type = github.AccountUser
	summary, err := s.store.UpsertAccounts(ctx, []github.Account{user})
	if err != nil {
		return changes.Empty, false, err
	}
	keep(c.meta, string(StageProfile), resp)
	c.account.Login = user.Login
	return summary, false, nil
}

// syncOrganizations refreshes the user's memberships and keeps every
// organization they belong to active.
func (s *Syncer) syncOrganizations(ctx context.Context, c *cycle) (changes.Summary, bool, error) {
	resp, fresh, err := fetch(ctx, c, c.meta, string(StageOrganizations),
		func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Account], error) {
			return s.client.UserOrganizations(ctx, cache, cred)
		})
	if err != nil {
		return changes.Empty, false, err
	}
	summary := changes.Empty
	if !fresh && !resp.NotModified {
		if summary, err = s.store.SetUserOrganizations(ctx, c.entity.ID, resp.Result); err != nil {
			return changes.Empty, false, err
		}
		keep(c.meta, string(StageOrganizations), resp)
	}
	if s.interest != nil {
		orgs, err := s.store.UserOrganizations(ctx, c.entity.ID)
		if err != nil {
			return summary, fresh, err
		}
		for _, org := range orgs {
			s.interest(Entity{Kind: KindOrganization, ID: org.ID})
		}
	}
	return summary, fresh, nil
}

func (s *Syncer) syncRepositories(ctx context.Context, c *cycle) (changes.Summary, bool, error) {
	resp, fresh, err := fetch(ctx, c, c.meta, string(StageRepositories),
		func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Repository], error) {
			return s.client.UserRepositories(ctx, cache, cred)
		})
	if err != nil || fresh || resp.NotModified {
		return changes.Empty, fresh, err
	}
	summary, err := s.store.SetAccountRepositories(ctx, c.entity.ID, resp.Result)
	if err != nil {
		return changes.Empty, false, err
	}
	keep(c.meta, string(StageRepositories), resp)
	return summary, false, nil
}
