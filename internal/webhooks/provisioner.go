// Package webhooks keeps exactly one push subscription per organization.
//
// The local record is always written before the remote hook is created. If
// the process dies in between, the next pass finds a record without a remote
// ID, deletes it, clears any hooks on the remote that point back at us and
// starts over.
package webhooks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
	"github.com/exsilium/shiphub-server/internal/store"
)

// DefaultEvents is the event set subscribed to when none is configured.
var DefaultEvents = []string{"repository"}

// HookStore is the slice of the store the provisioner needs.
type HookStore interface {
	HookForOrganization(ctx context.Context, orgID int64) (store.Hook, error)
	CreateHook(ctx context.Context, h store.Hook) error
	SetHookRemoteID(ctx context.Context, id string, remoteID int64) error
	UpdateHookEvents(ctx context.Context, id string, events []string) error
	DeleteHook(ctx context.Context, id string) error
	TouchHook(ctx context.Context, id string, at time.Time) error
}

// Admin performs webhook calls with an organization admin's credential.
// *github.OrganizationAdmin implements it.
type Admin interface {
	OrganizationWebhooks(ctx context.Context, login string) ([]github.Webhook, error)
	AddOrganizationWebhook(ctx context.Context, login string, hook github.Webhook) (github.Webhook, error)
	EditOrganizationWebhookEvents(ctx context.Context, login string, hookID int64, events []string) (github.Webhook, error)
	DeleteOrganizationWebhook(ctx context.Context, login string, hookID int64) error
}

// Options configures a Provisioner.
type Options struct {
	// CallbackHost is the public host name deliveries are sent to.
	CallbackHost string
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Provisioner reconciles organization webhooks.
type Provisioner struct {
	hooks  HookStore
	host   string
	clock  clock.Clock
	logger *slog.Logger

	newID     func() string
	newSecret func() string
}

func NewProvisioner(hooks HookStore, opts Options) (*Provisioner, error) {
	host := strings.TrimSuffix(strings.TrimSpace(opts.CallbackHost), "/")
	if host == "" {
		return nil, errors.New("webhook callback host required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Provisioner{
		hooks:     hooks,
		host:      host,
		clock:     clk,
		logger:    logger.With("component", "webhooks"),
		newID:     uuid.NewString,
		newSecret: rand.Text,
	}, nil
}

// CallbackURL is where the remote delivers events for orgID.
func (p *Provisioner) CallbackURL(orgID int64) string {
	return fmt.Sprintf("https://%s/webhook/org/%d", p.host, orgID)
}

// ownsHook reports whether hook was registered by a deployment on our host.
func (p *Provisioner) ownsHook(hook github.Webhook) bool {
	if hook.Name != "web" {
		return false
	}
	prefix := "https://" + p.host + "/"
	return len(hook.Config.URL) >= len(prefix) && strings.EqualFold(hook.Config.URL[:len(prefix)], prefix)
}

// Reconcile makes sure org has exactly one hook subscribed to events.
//
// Remote failures roll local state back to "absent" (create) or leave it
// untouched (edit) and are returned so the caller can log them; they never
// leave a record the next pass cannot recover from.
func (p *Provisioner) Reconcile(ctx context.Context, org github.Account, events []string, admin Admin) (changes.Summary, error) {
	events = normalizeEvents(events)
	logger := p.logger.With("org_id", org.ID, "org", org.Login)

	hook, err := p.hooks.HookForOrganization(ctx, org.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return p.create(ctx, org, events, admin, logger)
	case err != nil:
		return changes.Empty, fmt.Errorf("load hook: %w", err)
	}

	if hook.RemoteID == nil {
		// A previous create never learned its remote ID.
		logger.Info("deleting orphaned hook record", "hook_id", hook.ID)
		if err := p.hooks.DeleteHook(ctx, hook.ID); err != nil {
			return changes.Empty, fmt.Errorf("delete orphaned hook: %w", err)
		}
		return p.create(ctx, org, events, admin, logger)
	}

	if slices.Equal(normalizeEvents(hook.Events), events) {
		return changes.Empty, nil
	}
	edited, err := admin.EditOrganizationWebhookEvents(ctx, org.Login, *hook.RemoteID, events)
	if err != nil {
		return changes.Empty, fmt.Errorf("edit hook %d events: %w", *hook.RemoteID, err)
	}
	stored := events
	if len(edited.Events) > 0 {
		stored = normalizeEvents(edited.Events)
	}
	if err := p.hooks.UpdateHookEvents(ctx, hook.ID, stored); err != nil {
		return changes.Empty, fmt.Errorf("save hook events: %w", err)
	}
	p.touch(ctx, hook.ID, logger)
	logger.Info("hook events updated", "hook_id", hook.ID, "events", stored)
	return changes.Of(changes.Webhooks, org.ID), nil
}

func (p *Provisioner) create(ctx context.Context, org github.Account, events []string, admin Admin, logger *slog.Logger) (changes.Summary, error) {
	existing, err := admin.OrganizationWebhooks(ctx, org.Login)
	if err != nil {
		return changes.Empty, fmt.Errorf("list hooks: %w", err)
	}
	for _, remote := range existing {
		if !p.ownsHook(remote) {
			continue
		}
		if err := admin.DeleteOrganizationWebhook(ctx, org.Login, remote.ID); err != nil {
			logger.Info("delete stale hook failed", "remote_id", remote.ID, "error", err)
			continue
		}
		logger.Info("deleted stale hook", "remote_id", remote.ID)
	}

	// Deliveries can arrive as soon as the remote hook exists, so the record
	// and its secret have to be in place first.
	record := store.Hook{
		ID:             p.newID(),
		OrganizationID: org.ID,
		Secret:         p.newSecret(),
		Events:         events,
	}
	if err := p.hooks.CreateHook(ctx, record); err != nil {
		return changes.Empty, fmt.Errorf("create hook record: %w", err)
	}

	created, err := admin.AddOrganizationWebhook(ctx, org.Login, github.Webhook{
		Name:   "web",
		Active: true,
		Events: events,
		Config: github.WebhookConfiguration{
			URL:         p.CallbackURL(org.ID),
			ContentType: "json",
			Secret:      record.Secret,
		},
	})
	if err == nil && created.ID == 0 {
		err = fmt.Errorf("%w: created hook has no id", github.ErrProtocol)
	}
	if err == nil {
		err = p.hooks.SetHookRemoteID(ctx, record.ID, created.ID)
		if err == nil {
			p.touch(ctx, record.ID, logger)
			logger.Info("hook created", "hook_id", record.ID, "remote_id", created.ID)
			return changes.Of(changes.Webhooks, org.ID), nil
		}
		err = fmt.Errorf("save remote id %d: %w", created.ID, err)
	}

	// Roll back to absent, even if ctx was cancelled.
	if delErr := p.hooks.DeleteHook(context.WithoutCancel(ctx), record.ID); delErr != nil {
		logger.Error("rollback hook record failed", "hook_id", record.ID, "error", delErr)
	}
	return changes.Empty, fmt.Errorf("create hook: %w", err)
}

// touch stamps the record after the remote acknowledged it. A failure only
// loses the timestamp.
func (p *Provisioner) touch(ctx context.Context, id string, logger *slog.Logger) {
	if err := p.hooks.TouchHook(ctx, id, p.clock.Now()); err != nil {
		logger.Warn("stamp hook failed", "hook_id", id, "error", err)
	}
}

func normalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		ev = strings.TrimSpace(ev)
		if ev != "" {
			out = append(out, ev)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
