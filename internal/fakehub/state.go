package fakehub

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/exsilium/shiphub-server/internal/github"
)

const (
	defaultRateLimit = 5000
	rateLimitWindow  = time.Hour
	defaultMaxAge    = 60 * time.Second
	defaultPageSize  = 30
	maxPageSize      = 100
)

var errNotFound = errors.New("not found")

// Options tunes the fake. Zero values select defaults.
type Options struct {
	Clock clock.Clock
	// RateLimit is the per-token budget for each hour long window.
	RateLimit int
	// MaxAge is advertised through Cache-Control on every success.
	MaxAge time.Duration
	// PollInterval, when set, is advertised through X-Poll-Interval.
	PollInterval time.Duration
}

type tokenState struct {
	userID    int64
	remaining int
	resetAt   time.Time
}

type organization struct {
	account  github.Account
	admins   map[int64]bool
	members  map[int64]bool
	projects []github.Project
	hooks    []github.Webhook
}

type repository struct {
	repo      github.Repository
	access    map[int64]github.Permissions
	labels    []github.Label
	mstones   []github.Milestone
	issues    []github.Issue
	comments  []github.Comment
	events    []github.IssueEvent
	reactions map[int][]github.Reaction
}

type fault struct {
	method string
	path   string
	status int
}

// Request is one authenticated call the fake served.
type Request struct {
	Method string
	Path   string
	Token  string
}

// Hub is an in-memory stand-in for the remote issue-tracking API.
type Hub struct {
	mu       sync.Mutex
	clock    clock.Clock
	limit    int
	maxAge   time.Duration
	poll     time.Duration
	nextID   int64
	tokens   map[string]*tokenState
	accounts map[int64]github.Account
	orgs     map[string]*organization
	repos    map[string]*repository
	faults   []fault
	requests []Request
}

func New(opts Options) *Hub {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Hub{
		clock:    clk,
		limit:    limit,
		maxAge:   maxAge,
		poll:     opts.PollInterval,
		nextID:   1000,
		tokens:   make(map[string]*tokenState),
		accounts: make(map[int64]github.Account),
		orgs:     make(map[string]*organization),
		repos:    make(map[string]*repository),
	}
}

func (h *Hub) id() int64 {
	h.nextID++
	return h.nextID
}

// AddUser registers a user account and issues it a token. An empty token
// gets a random one.
func (h *Hub) AddUser(login, token string) (github.Account, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if token == "" {
		token = uuid.NewString()
	}
	account := github.Account{ID: h.id(), Login: login, Type: github.AccountUser}
	h.accounts[account.ID] = account
	h.tokens[token] = &tokenState{userID: account.ID, remaining: h.limit}
	return account, token
}

// AddOrganization creates an organization with the given admin and member
// user IDs. Admins are members too.
func (h *Hub) AddOrganization(login string, admins []int64, members []int64) github.Account {
	h.mu.Lock()
	defer h.mu.Unlock()
	account := github.Account{ID: h.id(), Login: login, Type: github.AccountOrganization}
	org := &organization{account: account, admins: map[int64]bool{}, members: map[int64]bool{}}
	for _, id := range admins {
		org.admins[id] = true
		org.members[id] = true
	}
	for _, id := range members {
		org.members[id] = true
	}
	h.accounts[account.ID] = account
	h.orgs[strings.ToLower(login)] = org
	return account
}

// AddProject adds a project to an organization.
func (h *Hub) AddProject(orgLogin, name string) (github.Project, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	org, ok := h.orgs[strings.ToLower(orgLogin)]
	if !ok {
		return github.Project{}, fmt.Errorf("organization %s: %w", orgLogin, errNotFound)
	}
	now := h.clock.Now().UTC()
	project := github.Project{
		ID:        h.id(),
		Number:    len(org.projects) + 1,
		Name:      name,
		State:     "open",
		CreatedAt: now,
		UpdatedAt: now,
	}
	org.projects = append(org.projects, project)
	return project, nil
}

// AddRepository creates a repository owned by ownerID. Users in writers get
// push access; a user owner gets admin.
func (h *Hub) AddRepository(ownerID int64, name string, writers ...int64) (github.Repository, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, ok := h.accounts[ownerID]
	if !ok {
		return github.Repository{}, fmt.Errorf("account %d: %w", ownerID, errNotFound)
	}
	repo := &repository{
		repo: github.Repository{
			ID:        h.id(),
			Owner:     owner,
			Name:      name,
			FullName:  owner.Login + "/" + name,
			HasIssues: true,
			UpdatedAt: h.clock.Now().UTC(),
		},
		access:    make(map[int64]github.Permissions),
		reactions: make(map[int][]github.Reaction),
	}
	if owner.Type == github.AccountUser {
		repo.access[ownerID] = github.Permissions{Admin: true, Push: true, Pull: true}
	}
	for _, id := range writers {
		repo.access[id] = github.Permissions{Push: true, Pull: true}
	}
	h.repos[strings.ToLower(repo.repo.FullName)] = repo
	return repo.repo, nil
}

// AddLabel adds a label to a repository.
func (h *Hub) AddLabel(fullName, name, color string) (github.Label, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, err := h.repo(fullName)
	if err != nil {
		return github.Label{}, err
	}
	label := github.Label{ID: h.id(), Name: name, Color: color}
	repo.labels = append(repo.labels, label)
	return label, nil
}

// AddMilestone adds an open milestone to a repository.
func (h *Hub) AddMilestone(fullName, title string) (github.Milestone, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, err := h.repo(fullName)
	if err != nil {
		return github.Milestone{}, err
	}
	now := h.clock.Now().UTC()
	milestone := github.Milestone{
		ID:        h.id(),
		Number:    len(repo.mstones) + 1,
		State:     "open",
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	repo.mstones = append(repo.mstones, milestone)
	return milestone, nil
}

// AddIssue opens an issue authored by authorID.
func (h *Hub) AddIssue(fullName string, authorID int64, title string) (github.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, err := h.repo(fullName)
	if err != nil {
		return github.Issue{}, err
	}
	author, ok := h.accounts[authorID]
	if !ok {
		return github.Issue{}, fmt.Errorf("account %d: %w", authorID, errNotFound)
	}
	now := h.clock.Now().UTC()
	issue := github.Issue{
		ID:        h.id(),
		Number:    len(repo.issues) + 1,
		State:     "open",
		Title:     title,
		User:      &author,
		CreatedAt: now,
		UpdatedAt: now,
		Reactions: &github.ReactionSummary{},
	}
	repo.issues = append(repo.issues, issue)
	eventIssue := issue
	eventIssue.Reactions = nil
	repo.events = append(repo.events, github.IssueEvent{
		ID:        h.id(),
		Event:     "opened",
		Actor:     &author,
		CreatedAt: now,
		Issue:     &eventIssue,
	})
	return issue, nil
}

// AddComment comments on issue number as authorID.
func (h *Hub) AddComment(fullName string, number int, authorID int64, body string) (github.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, err := h.repo(fullName)
	if err != nil {
		return github.Comment{}, err
	}
	if number < 1 || number > len(repo.issues) {
		return github.Comment{}, fmt.Errorf("issue %s#%d: %w", fullName, number, errNotFound)
	}
	author := h.accounts[authorID]
	now := h.clock.Now().UTC()
	comment := github.Comment{
		ID:        h.id(),
		IssueURL:  fmt.Sprintf("repos/%s/issues/%d", repo.repo.FullName, number),
		Body:      body,
		User:      &author,
		CreatedAt: now,
		UpdatedAt: now,
		Reactions: &github.ReactionSummary{},
	}
	repo.comments = append(repo.comments, comment)
	return comment, nil
}

// AddEvent appends a raw event to the repository feed. Events with a zero ID
// mimic timeline entries the remote sends without one.
func (h *Hub) AddEvent(fullName string, ev github.IssueEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, err := h.repo(fullName)
	if err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = h.clock.Now().UTC()
	}
	repo.events = append(repo.events, ev)
	return nil
}

// AddReaction reacts to issue number and bumps its rollup.
func (h *Hub) AddReaction(fullName string, number int, userID int64, content string) (github.Reaction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, err := h.repo(fullName)
	if err != nil {
		return github.Reaction{}, err
	}
	if number < 1 || number > len(repo.issues) {
		return github.Reaction{}, fmt.Errorf("issue %s#%d: %w", fullName, number, errNotFound)
	}
	user := h.accounts[userID]
	now := h.clock.Now().UTC()
	reaction := github.Reaction{ID: h.id(), User: &user, Content: content, CreatedAt: now}
	repo.reactions[number] = append(repo.reactions[number], reaction)
	issue := &repo.issues[number-1]
	issue.Reactions.TotalCount++
	switch content {
	case "+1":
		issue.Reactions.PlusOne++
	case "-1":
		issue.Reactions.MinusOne++
	case "laugh":
		issue.Reactions.Laugh++
	case "confused":
		issue.Reactions.Confused++
	case "heart":
		issue.Reactions.Heart++
	case "hooray":
		issue.Reactions.Hooray++
	}
	issue.UpdatedAt = now
	return reaction, nil
}

// SeedHook installs a webhook directly, bypassing the API.
func (h *Hub) SeedHook(orgLogin string, hook github.Webhook) (github.Webhook, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	org, ok := h.orgs[strings.ToLower(orgLogin)]
	if !ok {
		return github.Webhook{}, fmt.Errorf("organization %s: %w", orgLogin, errNotFound)
	}
	hook.ID = h.id()
	hook.CreatedAt = h.clock.Now().UTC()
	hook.UpdatedAt = hook.CreatedAt
	org.hooks = append(org.hooks, hook)
	return hook, nil
}

// Hooks returns a copy of an organization's webhooks.
func (h *Hub) Hooks(orgLogin string) []github.Webhook {
	h.mu.Lock()
	defer h.mu.Unlock()
	org, ok := h.orgs[strings.ToLower(orgLogin)]
	if !ok {
		return nil
	}
	return slices.Clone(org.hooks)
}

// SetRemaining overrides a token's remaining budget in the current window.
func (h *Hub) SetRemaining(token string, remaining int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state, ok := h.tokens[token]; ok {
		h.refresh(state)
		state.remaining = remaining
	}
}

// FailNext makes the next request matching method and path answer status.
func (h *Hub) FailNext(method, path string, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = append(h.faults, fault{method: method, path: path, status: status})
}

// Requests returns how many requests matched method and path. An empty
// method matches any; path matches by prefix.
func (h *Hub) Requests(method, pathPrefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, req := range h.requests {
		if (method == "" || req.Method == method) && strings.HasPrefix(req.Path, pathPrefix) {
			count++
		}
	}
	return count
}

// ResetRequests clears the request log.
func (h *Hub) ResetRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = nil
}

func (h *Hub) repo(fullName string) (*repository, error) {
	repo, ok := h.repos[strings.ToLower(fullName)]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", fullName, errNotFound)
	}
	return repo, nil
}

func (h *Hub) refresh(state *tokenState) {
	now := h.clock.Now()
	if state.resetAt.IsZero() || !now.Before(state.resetAt) {
		state.remaining = h.limit
		state.resetAt = now.Add(rateLimitWindow).Truncate(time.Second)
	}
}

func (h *Hub) takeFault(method, path string) (int, bool) {
	for i, f := range h.faults {
		if f.method == method && f.path == path {
			h.faults = slices.Delete(h.faults, i, i+1)
			return f.status, true
		}
	}
	return 0, false
}
