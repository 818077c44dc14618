package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exsilium/shiphub-server/internal/bus"
	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/fakehub"
	"github.com/exsilium/shiphub-server/internal/github"
	"github.com/exsilium/shiphub-server/internal/sqliteutil"
	"github.com/exsilium/shiphub-server/internal/store"
	"github.com/exsilium/shiphub-server/internal/webhooks"
)

type world struct {
	hub    *fakehub.Hub
	store  *store.Store
	syncer *Syncer
	feed   <-chan changes.Summary

	client *github.Client
	memory *bus.Memory
	prov   *webhooks.Provisioner

	octo, boss   github.Account
	octoToken    string
	org          github.Account
	repo         github.Repository
	issue        github.Issue
	interestMu   sync.Mutex
	interestSeen []Entity
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{hub: fakehub.New(fakehub.Options{})}

	srv := httptest.NewServer(w.hub.Router())
	t.Cleanup(srv.Close)
	var err error
	w.client, err = github.NewClient(github.ClientOptions{BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)

	db, err := sqliteutil.Open(ctx, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	w.store = store.New(db)
	require.NoError(t, w.store.Init(ctx))

	w.memory = bus.NewMemory()
	t.Cleanup(func() { w.memory.Close() })
	subCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	w.feed, err = w.memory.Subscribe(subCtx)
	require.NoError(t, err)

	w.prov, err = webhooks.NewProvisioner(w.store, webhooks.Options{CallbackHost: "ship.example.com"})
	require.NoError(t, err)
	w.syncer = w.newSyncer(w.store)

	var bossToken string
	w.octo, w.octoToken = w.hub.AddUser("octo", "")
	w.boss, bossToken = w.hub.AddUser("boss", "")
	w.org = w.hub.AddOrganization("acme", []int64{w.boss.ID}, []int64{w.octo.ID})
	_, err = w.hub.AddProject("acme", "roadmap")
	require.NoError(t, err)

	w.repo, err = w.hub.AddRepository(w.octo.ID, "ship")
	require.NoError(t, err)
	_, err = w.hub.AddLabel(w.repo.FullName, "bug", "ee0701")
	require.NoError(t, err)
	_, err = w.hub.AddMilestone(w.repo.FullName, "v1")
	require.NoError(t, err)
	w.issue, err = w.hub.AddIssue(w.repo.FullName, w.octo.ID, "It sinks")
	require.NoError(t, err)
	_, err = w.hub.AddComment(w.repo.FullName, w.issue.Number, w.boss.ID, "Bail faster")
	require.NoError(t, err)
	_, err = w.hub.AddReaction(w.repo.FullName, w.issue.Number, w.boss.ID, "+1")
	require.NoError(t, err)

	_, err = w.store.UpsertAccounts(ctx, []github.Account{w.octo, w.boss})
	require.NoError(t, err)
	require.NoError(t, w.store.SaveToken(ctx, w.octo.ID, w.octoToken))
	require.NoError(t, w.store.SaveToken(ctx, w.boss.ID, bossToken))
	return w
}

func (w *world) newSyncer(st Store) *Syncer {
	return NewSyncer(st, w.client, github.NewCredentialCache(), w.memory, w.prov, SyncerOptions{
		Interest: func(e Entity) {
			w.interestMu.Lock()
			defer w.interestMu.Unlock()
			w.interestSeen = append(w.interestSeen, e)
		},
	})
}

// flakyStore fails the next issue upsert.
type flakyStore struct {
	*store.Store
	failIssues atomic.Bool
}

func (s *flakyStore) UpsertIssues(ctx context.Context, repoID int64, issues []github.Issue) (changes.Summary, error) {
	if s.failIssues.CompareAndSwap(true, false) {
		return changes.Empty, errors.New("disk full")
	}
	return s.Store.UpsertIssues(ctx, repoID, issues)
}

func (w *world) user(a github.Account) Entity { return Entity{Kind: KindUser, ID: a.ID} }

func (w *world) published(t *testing.T) changes.Summary {
	t.Helper()
	select {
	case s := <-w.feed:
		return s
	default:
		t.Fatal("nothing was published")
		return changes.Empty
	}
}

func (w *world) interest() []Entity {
	w.interestMu.Lock()
	defer w.interestMu.Unlock()
	return append([]Entity(nil), w.interestSeen...)
}

func TestUserCycleMirrorsContent(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))

	summary := w.published(t)
	assert.True(t, summary.Contains(changes.Repositories, w.repo.ID))
	assert.True(t, summary.Contains(changes.Issues, w.issue.ID))
	assert.Len(t, summary.IDs(changes.Reactions), 1)
	assert.True(t, summary.Contains(changes.Organizations, w.org.ID))

	repos, err := w.store.AccountRepositories(ctx, w.octo.ID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "octo/ship", repos[0].FullName)

	title, err := w.store.IssueTitle(ctx, w.repo.ID, w.issue.Number)
	require.NoError(t, err)
	assert.Equal(t, "It sinks", title)

	assert.Equal(t, []Entity{{Kind: KindOrganization, ID: w.org.ID}}, w.interest())

	token, err := w.store.UserToken(ctx, w.octo.ID)
	require.NoError(t, err)
	assert.Positive(t, token.RateLimit.Limit)
	assert.Less(t, token.RateLimit.Remaining, token.RateLimit.Limit)
}

func TestFreshCycleMakesNoRemoteCalls(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	w.published(t)
	w.hub.ResetRequests()

	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	assert.Zero(t, w.hub.Requests("", "/"))
	assert.Empty(t, w.feed, "an unchanged cycle publishes nothing")
	// Interest is renewed even when memberships were fresh.
	assert.Len(t, w.interest(), 2)
}

func TestOrganizationCycleProvisionsWebhook(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	// Memberships come from the members' own cycles.
	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.boss)))
	w.published(t)
	w.published(t)

	org := Entity{Kind: KindOrganization, ID: w.org.ID}
	require.NoError(t, w.syncer.RunCycle(ctx, org))

	summary := w.published(t)
	assert.True(t, summary.Contains(changes.Webhooks, w.org.ID))
	assert.Len(t, summary.IDs(changes.Projects), 1)

	hooks := w.hub.Hooks("acme")
	require.Len(t, hooks, 1)
	assert.Equal(t, fmt.Sprintf("https://ship.example.com/webhook/org/%d", w.org.ID), hooks[0].Config.URL)
	record, err := w.store.HookForOrganization(ctx, w.org.ID)
	require.NoError(t, err)
	require.NotNil(t, record.RemoteID)
	assert.Equal(t, hooks[0].ID, *record.RemoteID)

	w.hub.ResetRequests()
	require.NoError(t, w.syncer.RunCycle(ctx, org))
	assert.Zero(t, w.hub.Requests("", "/"))
	assert.Empty(t, w.feed)
}

func TestFailedSaveKeepsOldMetadata(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	flaky := &flakyStore{Store: w.store}
	flaky.failIssues.Store(true)
	w.syncer = w.newSyncer(flaky)

	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	w.published(t)
	_, err := w.store.IssueTitle(ctx, w.repo.ID, w.issue.Number)
	require.ErrorIs(t, err, store.ErrNotFound)

	meta, err := w.store.LoadMetadata(ctx, repositoryOwnerKind, w.repo.ID)
	require.NoError(t, err)
	assert.NotContains(t, meta, "issues")
	assert.Contains(t, meta, "labels")

	w.hub.ResetRequests()
	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	// Only the issue list and its reactions go back on the wire.
	assert.Equal(t, 2, w.hub.Requests("", "/"))

	title, err := w.store.IssueTitle(ctx, w.repo.ID, w.issue.Number)
	require.NoError(t, err)
	assert.Equal(t, "It sinks", title)
	summary := w.published(t)
	assert.True(t, summary.Contains(changes.Issues, w.issue.ID))
	assert.Len(t, summary.IDs(changes.Reactions), 1)

	meta, err = w.store.LoadMetadata(ctx, repositoryOwnerKind, w.repo.ID)
	require.NoError(t, err)
	assert.Contains(t, meta, "issues")
}

func TestFailedReactionsAreRetried(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.hub.FailNext(http.MethodGet, fmt.Sprintf("/repos/octo/ship/issues/%d/reactions", w.issue.Number), http.StatusBadGateway)

	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	first := w.published(t)
	assert.True(t, first.Contains(changes.Issues, w.issue.ID))
	assert.Empty(t, first.IDs(changes.Reactions))

	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	second := w.published(t)
	assert.Len(t, second.IDs(changes.Reactions), 1)

	counts, err := w.store.IssueReactionCounts(ctx, w.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{w.issue.ID: 1}, counts)
}

func TestFailedStageDoesNotBlockSiblings(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.boss)))
	w.published(t)

	w.hub.FailNext(http.MethodGet, "/orgs/acme", http.StatusBadGateway)
	org := Entity{Kind: KindOrganization, ID: w.org.ID}
	require.NoError(t, w.syncer.RunCycle(ctx, org))

	summary := w.published(t)
	assert.Len(t, summary.IDs(changes.Projects), 1)
	assert.Len(t, w.hub.Hooks("acme"), 1)

	result, err := w.syncer.RunStage(ctx, org, StageDetails)
	require.NoError(t, err)
	assert.Empty(t, result.Error)
	assert.False(t, result.Fresh, "the failed stage keeps no metadata")
}

func TestExhaustedPoolDefersStages(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.hub.SetRemaining(w.octoToken, 0)

	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	assert.Equal(t, 1, w.hub.Requests("", "/"))
	assert.Empty(t, w.feed)

	token, err := w.store.UserToken(ctx, w.octo.ID)
	require.NoError(t, err)
	assert.Zero(t, token.RateLimit.Remaining)

	// The tracked budget keeps the next pass off the wire entirely.
	require.NoError(t, w.syncer.RunCycle(ctx, w.user(w.octo)))
	assert.Equal(t, 1, w.hub.Requests("", "/"))

	result, err := w.syncer.RunStage(ctx, w.user(w.octo), StageProfile)
	require.NoError(t, err)
	assert.True(t, result.PoolEmpty)
}

func TestCycleWithoutCredentials(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	err := w.syncer.RunCycle(ctx, Entity{Kind: KindOrganization, ID: w.org.ID})
	assert.ErrorIs(t, err, ErrNoCredentials, "no member has synced yet")

	err = w.syncer.RunCycle(ctx, Entity{Kind: KindUser, ID: 424242})
	assert.ErrorIs(t, err, ErrNoCredentials)

	ready, err := w.syncer.Ready(ctx, w.user(w.octo))
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestStagesOrder(t *testing.T) {
	assert.Equal(t, []Stage{StageDetails, StageAdmins, StageProjects, StageWebhook}, Stages(KindOrganization))
	assert.Equal(t, []Stage{StageProfile, StageOrganizations, StageRepositories, StageContent}, Stages(KindUser))
	assert.Nil(t, Stages(Kind("team")))
}
