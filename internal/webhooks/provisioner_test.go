package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/fakehub"
	"github.com/exsilium/shiphub-server/internal/github"
	"github.com/exsilium/shiphub-server/internal/sqliteutil"
	"github.com/exsilium/shiphub-server/internal/store"
)

const callbackHost = "ship.example.com"

type fixture struct {
	hub   *fakehub.Hub
	store *store.Store
	prov  *Provisioner
	clock *clock.Mock
	admin *github.OrganizationAdmin
	org   github.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	hub := fakehub.New(fakehub.Options{})
	srv := httptest.NewServer(hub.Router())
	t.Cleanup(srv.Close)
	client, err := github.NewClient(github.ClientOptions{BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)

	db, err := sqliteutil.Open(ctx, filepath.Join(t.TempDir(), "hooks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	require.NoError(t, st.Init(ctx))

	clk := clock.NewMock()
	clk.Add(time.Hour)
	prov, err := NewProvisioner(st, Options{CallbackHost: callbackHost, Clock: clk})
	require.NoError(t, err)

	boss, token := hub.AddUser("boss", "")
	org := hub.AddOrganization("acme", []int64{boss.ID}, nil)
	cred := github.NewCredential(boss.ID, boss.Login, token, github.RateLimit{})
	return &fixture{hub: hub, store: st, prov: prov, clock: clk, admin: client.Admin(cred), org: org}
}

func (f *fixture) ourHooks(t *testing.T) []github.Webhook {
	t.Helper()
	var out []github.Webhook
	for _, hook := range f.hub.Hooks(f.org.Login) {
		if f.prov.ownsHook(hook) {
			out = append(out, hook)
		}
	}
	return out
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	summary, err := f.prov.Reconcile(ctx, f.org, DefaultEvents, f.admin)
	require.NoError(t, err)
	assert.True(t, summary.Equal(changes.Of(changes.Webhooks, f.org.ID)))

	hooks := f.ourHooks(t)
	require.Len(t, hooks, 1)
	assert.Equal(t, f.prov.CallbackURL(f.org.ID), hooks[0].Config.URL)
	assert.Equal(t, "json", hooks[0].Config.ContentType)

	first, err := f.store.HookForOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	require.NotNil(t, first.RemoteID)
	assert.Equal(t, hooks[0].ID, *first.RemoteID)
	assert.Equal(t, hooks[0].Config.Secret, first.Secret)
	assert.NotEmpty(t, first.Secret)
	assert.True(t, first.LastSeen.Equal(f.clock.Now()), "created hook is stamped")

	f.hub.ResetRequests()
	summary, err = f.prov.Reconcile(ctx, f.org, DefaultEvents, f.admin)
	require.NoError(t, err)
	assert.True(t, summary.IsEmpty())
	assert.Zero(t, f.hub.Requests("", "/orgs/acme/hooks"), "matching record needs no remote calls")

	second, err := f.store.HookForOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.ourHooks(t), 1)
}

func TestReconcileRecoversFromCrashBeforeRemoteID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The previous attempt wrote its record and created the remote hook, then
	// died before saving the remote ID.
	require.NoError(t, f.store.CreateHook(ctx, store.Hook{
		ID: "orphan", OrganizationID: f.org.ID, Secret: "lost", Events: DefaultEvents,
	}))
	_, err := f.hub.SeedHook(f.org.Login, github.Webhook{
		Name: "web", Active: true, Events: DefaultEvents,
		Config: github.WebhookConfiguration{URL: f.prov.CallbackURL(f.org.ID), ContentType: "json", Secret: "lost"},
	})
	require.NoError(t, err)
	foreign, err := f.hub.SeedHook(f.org.Login, github.Webhook{
		Name: "web", Active: true, Events: []string{"push"},
		Config: github.WebhookConfiguration{URL: "https://ci.example.org/hook", ContentType: "json"},
	})
	require.NoError(t, err)

	summary, err := f.prov.Reconcile(ctx, f.org, DefaultEvents, f.admin)
	require.NoError(t, err)
	assert.False(t, summary.IsEmpty())

	hook, err := f.store.HookForOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "orphan", hook.ID, "orphaned records are never reused")
	assert.NotEqual(t, "lost", hook.Secret)
	require.NotNil(t, hook.RemoteID)

	ours := f.ourHooks(t)
	require.Len(t, ours, 1)
	assert.Equal(t, *hook.RemoteID, ours[0].ID)
	assert.Len(t, f.hub.Hooks(f.org.Login), 2, "hooks of other services are left alone")
	assert.Contains(t, f.hub.Hooks(f.org.Login), foreign)
}

func TestReconcileRollsBackFailedCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.hub.FailNext(http.MethodPost, "/orgs/acme/hooks", http.StatusInternalServerError)

	summary, err := f.prov.Reconcile(ctx, f.org, DefaultEvents, f.admin)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, github.StatusOf(err))
	assert.True(t, summary.IsEmpty())

	_, err = f.store.HookForOrganization(ctx, f.org.ID)
	require.ErrorIs(t, err, store.ErrNotFound, "record rolled back to absent")
	assert.Empty(t, f.ourHooks(t))

	_, err = f.prov.Reconcile(ctx, f.org, DefaultEvents, f.admin)
	require.NoError(t, err)
	assert.Len(t, f.ourHooks(t), 1)
}

func TestReconcileEditsMismatchedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.prov.Reconcile(ctx, f.org, DefaultEvents, f.admin)
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	wanted := []string{"repository", "issues", "issues"}
	summary, err := f.prov.Reconcile(ctx, f.org, wanted, f.admin)
	require.NoError(t, err)
	assert.True(t, summary.Contains(changes.Webhooks, f.org.ID))

	hook, err := f.store.HookForOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"issues", "repository"}, hook.Events)
	assert.True(t, hook.LastSeen.Equal(f.clock.Now()), "edited hook is restamped")
	ours := f.ourHooks(t)
	require.Len(t, ours, 1)
	assert.Equal(t, []string{"issues", "repository"}, ours[0].Events)
}

func TestReconcileKeepsRecordWhenEditFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.prov.Reconcile(ctx, f.org, DefaultEvents, f.admin)
	require.NoError(t, err)
	before, err := f.store.HookForOrganization(ctx, f.org.ID)
	require.NoError(t, err)

	f.hub.FailNext(http.MethodPatch, "/orgs/acme/hooks/"+strconv.FormatInt(*before.RemoteID, 10), http.StatusBadGateway)
	_, err = f.prov.Reconcile(ctx, f.org, []string{"issues"}, f.admin)
	require.Error(t, err)

	after, err := f.store.HookForOrganization(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNewProvisionerRequiresHost(t *testing.T) {
	_, err := NewProvisioner(nil, Options{})
	require.Error(t, err)
}
