package orchestrator

import (
	"context"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
)

func (s *Syncer) syncDetails(ctx context.Context, c *cycle) (changes.Summary, bool, error) {
	resp, fresh, err := fetch(ctx, c, c.meta, string(StageDetails),
		func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[github.Account], error) {
			return s.client.Organization(ctx, c.account.Login, cache, cred)
		})
	if err != nil || fresh || resp.NotModified {
		return changes.Empty, fresh, err
	}
	org := resp.Result
	org.Type = github.AccountOrganization
	summary, err := s.store.UpsertAccounts(ctx, []github.Account{org})
	if err != nil {
		return changes.Empty, false, err
	}
	keep(c.meta, string(StageDetails), resp)
	c.account.Login = org.Login
	return summary, false, nil
}

func (s *Syncer) syncAdmins(ctx context.Context, c *cycle) (changes.Summary, bool, error) {
	resp, fresh, err := fetch(ctx, c, c.meta, string(StageAdmins),
		func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Account], error) {
			return s.client.OrganizationMembers(ctx, c.account.Login, "admin", cache, cred)
		})
	if err != nil || fresh || resp.NotModified {
		return changes.Empty, fresh, err
	}
	summary, err := s.store.SetOrganizationAdmins(ctx, c.entity.ID, resp.Result)
	if err != nil {
		return changes.Empty, false, err
	}
	keep(c.meta, string(StageAdmins), resp)
	c.admin = adminCredential(c.pool.Credentials(), resp.Result)
	return summary, false, nil
}

// adminCredential picks the first pooled credential whose owner administers
// the organization, so a first cycle can provision the webhook.
func adminCredential(creds []*github.Credential, admins []github.Account) *github.Credential {
	for _, cred := range creds {
		for _, admin := range admins {
			if cred.UserID == admin.ID {
				return cred
			}
		}
	}
	return nil
}

func (s *Syncer) syncProjects(ctx context.Context, c *cycle) (changes.Summary, bool, error) {
	resp, fresh, err := fetch(ctx, c, c.meta, string(StageProjects),
		func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[[]github.Project], error) {
			return s.client.OrganizationProjects(ctx, c.account.Login, cache, cred)
		})
	if err != nil || fresh || resp.NotModified {
		return changes.Empty, fresh, err
	}
	summary, err := s.store.UpsertProjects(ctx, c.entity.ID, resp.Result)
	if err != nil {
		return changes.Empty, false, err
	}
	keep(c.meta, string(StageProjects), resp)
	return summary, false, nil
}

// syncWebhook needs an admin's credential; organizations without one are
// skipped.
func (s *Syncer) syncWebhook(ctx context.Context, c *cycle) (changes.Summary, error) {
	if s.hooks == nil || c.admin == nil {
		return changes.Empty, nil
	}
	if c.admin.RateLimit().IsExhausted(s.client.RateLimitReserve(), s.client.Now()) {
		c.logger.Debug("admin credential exhausted, skipping webhook", "admin", c.admin.Login)
		return changes.Empty, nil
	}
	return s.hooks.Reconcile(ctx, c.account, s.events, s.client.Admin(c.admin))
}
