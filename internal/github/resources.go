package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	reactionsPreview = "application/vnd.github.squirrel-girl-preview+json"
	projectsPreview  = "application/vnd.github.inertia-preview+json"
)

// User fetches the profile of the credential's owner.
func (c *Client) User(ctx context.Context, cache *CacheMetadata, cred *Credential) (*Response[Account], error) {
	return Do[Account](ctx, c, Request{Path: "user", Cache: cache}, cred)
}

// UserOrganizations lists organizations the credential's owner belongs to.
func (c *Client) UserOrganizations(ctx context.Context, cache *CacheMetadata, cred *Credential) (*Response[[]Account], error) {
	resp, err := List[Account](ctx, c, Request{Path: "user/orgs", Cache: cache}, cred)
	if err != nil {
		return nil, err
	}
	// The endpoint omits the account type.
	for i := range resp.Result {
		resp.Result[i].Type = AccountOrganization
	}
	return resp, nil
}

// UserRepositories lists repositories visible to the credential's owner.
func (c *Client) UserRepositories(ctx context.Context, cache *CacheMetadata, cred *Credential) (*Response[[]Repository], error) {
	return List[Repository](ctx, c, Request{Path: "user/repos", Cache: cache}, cred)
}

func (c *Client) Organization(ctx context.Context, login string, cache *CacheMetadata, cred *Credential) (*Response[Account], error) {
	return Do[Account](ctx, c, Request{Path: "orgs/" + url.PathEscape(login), Cache: cache}, cred)
}

// OrganizationMembers lists members; role is "all", "admin" or "member".
func (c *Client) OrganizationMembers(ctx context.Context, login, role string, cache *CacheMetadata, cred *Credential) (*Response[[]Account], error) {
	params := url.Values{}
	if role != "" {
		params.Set("role", role)
	}
	return List[Account](ctx, c, Request{
		Path:   fmt.Sprintf("orgs/%s/members", url.PathEscape(login)),
		Params: params,
		Cache:  cache,
	}, cred)
}

func (c *Client) OrganizationProjects(ctx context.Context, login string, cache *CacheMetadata, cred *Credential) (*Response[[]Project], error) {
	return List[Project](ctx, c, Request{
		Path:   fmt.Sprintf("orgs/%s/projects", url.PathEscape(login)),
		Params: url.Values{"state": {"all"}},
		Accept: projectsPreview,
		Cache:  cache,
	}, cred)
}

func (c *Client) Labels(ctx context.Context, repoFullName string, cache *CacheMetadata, cred *Credential) (*Response[[]Label], error) {
	return List[Label](ctx, c, Request{Path: "repos/" + repoFullName + "/labels", Cache: cache}, cred)
}

func (c *Client) Milestones(ctx context.Context, repoFullName string, cache *CacheMetadata, cred *Credential) (*Response[[]Milestone], error) {
	return List[Milestone](ctx, c, Request{
		Path:   "repos/" + repoFullName + "/milestones",
		Params: url.Values{"state": {"all"}},
		Cache:  cache,
	}, cred)
}

func (c *Client) Assignable(ctx context.Context, repoFullName string, cache *CacheMetadata, cred *Credential) (*Response[[]Account], error) {
	return List[Account](ctx, c, Request{Path: "repos/" + repoFullName + "/assignees", Cache: cache}, cred)
}

// Issues lists every issue in a repository, optionally only those updated
// since the given time.
func (c *Client) Issues(ctx context.Context, repoFullName string, since time.Time, cache *CacheMetadata, cred *Credential) (*Response[[]Issue], error) {
	params := url.Values{"state": {"all"}, "sort": {"updated"}}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	return List[Issue](ctx, c, Request{
		Path:   "repos/" + repoFullName + "/issues",
		Params: params,
		Accept: reactionsPreview,
		Cache:  cache,
	}, cred)
}

// Comments lists issue comments across a repository.
func (c *Client) Comments(ctx context.Context, repoFullName string, since time.Time, cache *CacheMetadata, cred *Credential) (*Response[[]Comment], error) {
	params := url.Values{"sort": {"updated"}, "direction": {"asc"}}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	return List[Comment](ctx, c, Request{
		Path:   "repos/" + repoFullName + "/issues/comments",
		Params: params,
		Accept: reactionsPreview,
		Cache:  cache,
	}, cred)
}

func (c *Client) Events(ctx context.Context, repoFullName string, cache *CacheMetadata, cred *Credential) (*Response[[]IssueEvent], error) {
	return List[IssueEvent](ctx, c, Request{
		Path:   "repos/" + repoFullName + "/issues/events",
		Params: url.Values{"sort": {"updated"}, "direction": {"asc"}},
		Cache:  cache,
	}, cred)
}

func (c *Client) IssueReactions(ctx context.Context, repoFullName string, number int, cache *CacheMetadata, cred *Credential) (*Response[[]Reaction], error) {
	return List[Reaction](ctx, c, Request{
		Path:   fmt.Sprintf("repos/%s/issues/%d/reactions", repoFullName, number),
		Accept: reactionsPreview,
		Cache:  cache,
	}, cred)
}

// OrganizationAdmin wraps the webhook endpoints, which need an admin's token.
type OrganizationAdmin struct {
	client *Client
	cred   *Credential
}

// Admin binds cred, which must belong to an organization admin.
func (c *Client) Admin(cred *Credential) *OrganizationAdmin {
	return &OrganizationAdmin{client: c, cred: cred}
}

func (a *OrganizationAdmin) OrganizationWebhooks(ctx context.Context, login string) ([]Webhook, error) {
	resp, err := List[Webhook](ctx, a.client, Request{Path: fmt.Sprintf("orgs/%s/hooks", url.PathEscape(login))}, a.cred)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (a *OrganizationAdmin) AddOrganizationWebhook(ctx context.Context, login string, hook Webhook) (Webhook, error) {
	resp, err := Do[Webhook](ctx, a.client, Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("orgs/%s/hooks", url.PathEscape(login)),
		Body:   hook,
	}, a.cred)
	if err != nil {
		return Webhook{}, err
	}
	return resp.Result, nil
}

func (a *OrganizationAdmin) EditOrganizationWebhookEvents(ctx context.Context, login string, hookID int64, events []string) (Webhook, error) {
	resp, err := Do[Webhook](ctx, a.client, Request{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("orgs/%s/hooks/%d", url.PathEscape(login), hookID),
		Body:   map[string]any{"events": events},
	}, a.cred)
	if err != nil {
		return Webhook{}, err
	}
	return resp.Result, nil
}

func (a *OrganizationAdmin) DeleteOrganizationWebhook(ctx context.Context, login string, hookID int64) error {
	_, err := Do[struct{}](ctx, a.client, Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("orgs/%s/hooks/%d", url.PathEscape(login), hookID),
	}, a.cred)
	return err
}
