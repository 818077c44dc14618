package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/exsilium/shiphub-server/internal/bus"
	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
	"github.com/exsilium/shiphub-server/internal/store"
	"github.com/exsilium/shiphub-server/internal/webhooks"
)

// Store is the persistence the sync stages need. *store.Store implements it.
type Store interface {
	Account(ctx context.Context, id int64) (github.Account, error)
	UpsertAccounts(ctx context.Context, accounts []github.Account) (changes.Summary, error)
	SetOrganizationAdmins(ctx context.Context, orgID int64, admins []github.Account) (changes.Summary, error)
	UpsertProjects(ctx context.Context, orgID int64, projects []github.Project) (changes.Summary, error)
	SetUserOrganizations(ctx context.Context, userID int64, orgs []github.Account) (changes.Summary, error)
	UserOrganizations(ctx context.Context, userID int64) ([]github.Account, error)
	SetAccountRepositories(ctx context.Context, accountID int64, repos []github.Repository) (changes.Summary, error)
	AccountRepositories(ctx context.Context, accountID int64) ([]github.Repository, error)

	UpsertLabels(ctx context.Context, repoID int64, labels []github.Label) (changes.Summary, error)
	UpsertMilestones(ctx context.Context, repoID int64, milestones []github.Milestone) (changes.Summary, error)
	UpsertIssues(ctx context.Context, repoID int64, issues []github.Issue) (changes.Summary, error)
	UpsertComments(ctx context.Context, repoID int64, comments []github.Comment) (changes.Summary, error)
	UpsertEvents(ctx context.Context, repoID int64, events []github.IssueEvent) (changes.Summary, error)
	SetIssueReactions(ctx context.Context, repoID, issueID int64, reactions []github.Reaction) (changes.Summary, error)
	IssueReactionCounts(ctx context.Context, repoID int64) (map[int64]int, error)

	OrganizationTokens(ctx context.Context, orgID int64, floor int, now time.Time) ([]store.Token, error)
	UserToken(ctx context.Context, userID int64) (store.Token, error)
	SaveRateLimit(ctx context.Context, userID int64, rl github.RateLimit) error

	LoadMetadata(ctx context.Context, ownerKind string, ownerID int64) (store.Metadata, error)
	SaveMetadata(ctx context.Context, ownerKind string, ownerID int64, meta store.Metadata) error
}

// Reconciler provisions organization webhooks. *webhooks.Provisioner
// implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, org github.Account, events []string, admin webhooks.Admin) (changes.Summary, error)
}

// Stage is one step of an entity's sync cycle.
type Stage string

const (
	StageDetails  Stage = "details"
	StageAdmins   Stage = "admins"
	StageProjects Stage = "projects"
	StageWebhook  Stage = "webhook"

	StageProfile       Stage = "profile"
	StageOrganizations Stage = "organizations"
	StageRepositories  Stage = "repositories"
	StageContent       Stage = "content"
)

// Stages returns the fixed stage order for kind.
func Stages(kind Kind) []Stage {
	switch kind {
	case KindOrganization:
		return []Stage{StageDetails, StageAdmins, StageProjects, StageWebhook}
	case KindUser:
		return []Stage{StageProfile, StageOrganizations, StageRepositories, StageContent}
	}
	return nil
}

// StageResult is what one stage did. Remote failures are recorded here
// rather than returned so that sibling stages still run.
type StageResult struct {
	Stage     Stage           `json:"stage"`
	Changes   changes.Summary `json:"changes"`
	Fresh     bool            `json:"fresh,omitempty"`
	PoolEmpty bool            `json:"pool_empty,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	// WebhookEvents is the event set every organization hook subscribes to.
	WebhookEvents []string
	// Interest is told about organizations discovered while syncing a user.
	Interest func(Entity)
	// ContentConcurrency caps repositories synced at once per user.
	ContentConcurrency int
	Logger             *slog.Logger
}

// Syncer runs the stages of a cycle. It implements Runner in-process.
type Syncer struct {
	store       Store
	client      *github.Client
	creds       *github.CredentialCache
	bus         bus.Publisher
	hooks       Reconciler
	events      []string
	interest    func(Entity)
	concurrency int
	logger      *slog.Logger
}

func NewSyncer(st Store, client *github.Client, creds *github.CredentialCache, pub bus.Publisher, hooks Reconciler, opts SyncerOptions) *Syncer {
	events := opts.WebhookEvents
	if len(events) == 0 {
		events = webhooks.DefaultEvents
	}
	concurrency := opts.ContentConcurrency
	if concurrency <= 0 {
		concurrency = defaultContentConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:       st,
		client:      client,
		creds:       creds,
		bus:         pub,
		hooks:       hooks,
		events:      events,
		interest:    opts.Interest,
		concurrency: concurrency,
		logger:      logger.With("component", "syncer"),
	}
}

// cycle is the per-pass state shared by an entity's stages.
type cycle struct {
	entity  Entity
	account github.Account
	pool    *github.Pool
	admin   *github.Credential
	meta    store.Metadata
	logger  *slog.Logger
}

func (c *cycle) ownerKind() string { return string(c.entity.Kind) }

// begin loads the entity, its credentials and its cache metadata.
func (s *Syncer) begin(ctx context.Context, e Entity) (*cycle, error) {
	c := &cycle{entity: e, logger: s.logger.With("entity", e.String())}
	var tokens []store.Token
	switch e.Kind {
	case KindOrganization:
		account, err := s.store.Account(ctx, e.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		if err != nil {
			return nil, fmt.Errorf("load organization: %w", err)
		}
		c.account = account
		tokens, err = s.store.OrganizationTokens(ctx, e.ID, s.client.RateLimitReserve(), s.client.Now())
		if err != nil {
			return nil, fmt.Errorf("load organization tokens: %w", err)
		}
	case KindUser:
		token, err := s.store.UserToken(ctx, e.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		if err != nil {
			return nil, fmt.Errorf("load user token: %w", err)
		}
		c.account = github.Account{ID: e.ID, Login: token.Login, Type: github.AccountUser}
		tokens = []store.Token{token}
	default:
		return nil, fmt.Errorf("unknown entity kind %q", e.Kind)
	}
	if len(tokens) == 0 {
		return nil, ErrNoCredentials
	}

	creds := make([]*github.Credential, 0, len(tokens))
	for _, t := range tokens {
		cred := s.creds.Get(t.UserID, t.Login, t.Token, t.RateLimit)
		creds = append(creds, cred)
		if t.Admin && c.admin == nil {
			c.admin = cred
		}
	}
	c.pool = github.NewPool(s.client, creds)

	meta, err := s.store.LoadMetadata(ctx, c.ownerKind(), e.ID)
	if err != nil {
		return nil, err
	}
	c.meta = meta
	return c, nil
}

// end persists cache metadata and every credential's latest budget. It runs
// whether or not anything changed.
func (s *Syncer) end(ctx context.Context, c *cycle) error {
	var errs []error
	if err := s.store.SaveMetadata(ctx, c.ownerKind(), c.entity.ID, c.meta); err != nil {
		errs = append(errs, err)
	}
	for _, cred := range c.pool.Credentials() {
		if err := s.store.SaveRateLimit(ctx, cred.UserID, cred.RateLimit()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunCycle runs every stage of e in order, publishes what changed and saves
// state.
func (s *Syncer) RunCycle(ctx context.Context, e Entity) error {
	c, err := s.begin(ctx, e)
	if err != nil {
		return err
	}
	var summary changes.Summary
	for _, stage := range Stages(e.Kind) {
		result := s.runStage(ctx, c, stage)
		summary.UnionWith(result.Changes)
		if result.PoolEmpty {
			c.logger.Debug("credential pool empty, deferring remaining stages", "stage", stage)
			break
		}
	}
	if err := s.Publish(ctx, summary); err != nil {
		c.logger.Error("publish changes failed", "error", err)
	}
	return s.end(ctx, c)
}

// RunStage runs a single stage in its own pass. The Temporal activities use
// it so each stage is retried on its own.
func (s *Syncer) RunStage(ctx context.Context, e Entity, stage Stage) (StageResult, error) {
	c, err := s.begin(ctx, e)
	if err != nil {
		return StageResult{Stage: stage}, err
	}
	result := s.runStage(ctx, c, stage)
	return result, s.end(ctx, c)
}

// Ready reports whether e has any usable credential.
func (s *Syncer) Ready(ctx context.Context, e Entity) (bool, error) {
	_, err := s.begin(ctx, e)
	if errors.Is(err, ErrNoCredentials) {
		return false, nil
	}
	return err == nil, err
}

// Publish sends a non-empty summary to the bus.
func (s *Syncer) Publish(ctx context.Context, summary changes.Summary) error {
	if summary.IsEmpty() || s.bus == nil {
		return nil
	}
	return s.bus.Publish(ctx, summary)
}

func (s *Syncer) runStage(ctx context.Context, c *cycle, stage Stage) StageResult {
	result := StageResult{Stage: stage}
	var (
		summary changes.Summary
		fresh   bool
		err     error
	)
	switch stage {
	case StageDetails:
		summary, fresh, err = s.syncDetails(ctx, c)
	case StageAdmins:
		summary, fresh, err = s.syncAdmins(ctx, c)
	case StageProjects:
		summary, fresh, err = s.syncProjects(ctx, c)
	case StageWebhook:
		summary, err = s.syncWebhook(ctx, c)
	case StageProfile:
		summary, fresh, err = s.syncProfile(ctx, c)
	case StageOrganizations:
		summary, fresh, err = s.syncOrganizations(ctx, c)
	case StageRepositories:
		summary, fresh, err = s.syncRepositories(ctx, c)
	case StageContent:
		summary, err = s.syncContent(ctx, c)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	result.Changes = summary
	result.Fresh = fresh

	switch {
	case err == nil:
	case errors.Is(err, github.ErrPoolEmpty):
		result.PoolEmpty = true
	case stage == StageWebhook:
		result.Error = err.Error()
		c.logger.Info("webhook provisioning failed", "stage", stage, "status", github.StatusOf(err), "error", err)
	default:
		result.Error = err.Error()
		c.logger.Warn("sync stage failed", "stage", stage, "status", github.StatusOf(err), "error", err)
	}
	return result
}

// fetch runs a cached request through the pool unless the slot is still
// fresh for one of its credentials. A not-modified response refreshes the
// slot right away; new content refreshes it only when the caller has stored
// the result and calls keep.
func fetch[T any](ctx context.Context, c *cycle, meta store.Metadata, slot string, call func(ctx context.Context, cache *github.CacheMetadata, cred *github.Credential) (*github.Response[T], error)) (*github.Response[T], bool, error) {
	cache := meta[slot]
	if c.pool.IsFresh(cache) {
		return nil, true, nil
	}
	resp, err := github.Call(ctx, c.pool, func(ctx context.Context, cred *github.Credential) (*github.Response[T], error) {
		return call(ctx, cache, cred)
	})
	if err != nil {
		return nil, false, err
	}
	if resp.NotModified {
		keep(meta, slot, resp)
	}
	return resp, false, nil
}

// keep commits the response's cache metadata to slot.
func keep[T any](meta store.Metadata, slot string, resp *github.Response[T]) {
	if resp != nil && resp.Cache != nil {
		meta[slot] = resp.Cache
	}
}
