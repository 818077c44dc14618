package fakehub

import (
	"cmp"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/exsilium/shiphub-server/internal/github"
)

// Router wires the remote API routes plus a small unauthenticated seeding
// API under /_fakehub.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/_fakehub", func(r chi.Router) {
		r.Post("/users", h.handleSeedUser)
		r.Post("/orgs", h.handleSeedOrganization)
		r.Get("/orgs/{org}/hooks", h.handleInspectHooks)
		r.Post("/repos", h.handleSeedRepository)
		r.Post("/repos/{owner}/{repo}/issues", h.handleSeedIssue)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/user", h.handleUser)
		r.Get("/user/orgs", h.handleUserOrganizations)
		r.Get("/user/repos", h.handleUserRepositories)

		r.Route("/orgs/{org}", func(r chi.Router) {
			r.Get("/", h.handleOrganization)
			r.Get("/members", h.handleMembers)
			r.Get("/projects", h.handleProjects)
			r.Get("/hooks", h.handleListHooks)
			r.Post("/hooks", h.handleCreateHook)
			r.Patch("/hooks/{hookID}", h.handleEditHook)
			r.Delete("/hooks/{hookID}", h.handleDeleteHook)
		})

		r.Route("/repos/{owner}/{repo}", func(r chi.Router) {
			r.Get("/labels", h.handleLabels)
			r.Get("/milestones", h.handleMilestones)
			r.Get("/assignees", h.handleAssignees)
			r.Get("/issues", h.handleIssues)
			r.Get("/issues/comments", h.handleComments)
			r.Get("/issues/events", h.handleEvents)
			r.Get("/issues/{number}/reactions", h.handleIssueReactions)
		})
	})
	return r
}

type callerContextKey struct{}

// requireToken authenticates the caller and charges its rate limit.
func (h *Hub) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-GitHub-Request-Id", uuid.NewString())
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "token ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "Requires authentication")
			return
		}

		h.mu.Lock()
		state, ok := h.tokens[token]
		if !ok {
			h.mu.Unlock()
			writeError(w, http.StatusUnauthorized, "Bad credentials")
			return
		}
		h.refresh(state)
		exhausted := state.remaining <= 0
		if !exhausted {
			state.remaining--
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(state.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(state.resetAt.Unix(), 10))
		h.requests = append(h.requests, Request{Method: r.Method, Path: r.URL.Path, Token: token})
		status, failed := h.takeFault(r.Method, r.URL.Path)
		caller := h.accounts[state.userID]
		h.mu.Unlock()

		if exhausted {
			writeError(w, http.StatusForbidden, "API rate limit exceeded for user ID %d.", caller.ID)
			return
		}
		if failed {
			writeError(w, status, "injected failure")
			return
		}
		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) github.Account {
	return ctx.Value(callerContextKey{}).(github.Account)
}

func (h *Hub) handleUser(w http.ResponseWriter, r *http.Request) {
	h.serveJSON(w, r, callerFromContext(r.Context()))
}

func (h *Hub) handleUserOrganizations(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	h.mu.Lock()
	var orgs []github.Account
	for _, org := range h.orgs {
		if org.members[caller.ID] {
			orgs = append(orgs, github.Account{ID: org.account.ID, Login: org.account.Login})
		}
	}
	h.mu.Unlock()
	servePage(h, w, r, sortByID(orgs, func(a github.Account) int64 { return a.ID }))
}

func (h *Hub) handleUserRepositories(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	h.mu.Lock()
	var repos []github.Repository
	for _, repo := range h.repos {
		perms, ok := h.permissions(repo, caller.ID)
		if !ok {
			continue
		}
		visible := repo.repo
		visible.Permissions = perms
		repos = append(repos, visible)
	}
	h.mu.Unlock()
	servePage(h, w, r, sortByID(repos, func(r github.Repository) int64 { return r.ID }))
}

func (h *Hub) handleOrganization(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	org, ok := h.orgs[strings.ToLower(chi.URLParam(r, "org"))]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	h.serveJSON(w, r, org.account)
}

func (h *Hub) handleMembers(w http.ResponseWriter, r *http.Request) {
	org, ok := h.memberOrganization(w, r, false)
	if !ok {
		return
	}
	role := r.URL.Query().Get("role")
	h.mu.Lock()
	var members []github.Account
	for id := range org.members {
		if role == "admin" && !org.admins[id] || role == "member" && org.admins[id] {
			continue
		}
		members = append(members, h.accounts[id])
	}
	h.mu.Unlock()
	servePage(h, w, r, sortByID(members, func(a github.Account) int64 { return a.ID }))
}

func (h *Hub) handleProjects(w http.ResponseWriter, r *http.Request) {
	org, ok := h.memberOrganization(w, r, false)
	if !ok {
		return
	}
	h.mu.Lock()
	projects := slices.Clone(org.projects)
	h.mu.Unlock()
	servePage(h, w, r, projects)
}

func (h *Hub) handleListHooks(w http.ResponseWriter, r *http.Request) {
	org, ok := h.memberOrganization(w, r, true)
	if !ok {
		return
	}
	h.mu.Lock()
	hooks := slices.Clone(org.hooks)
	h.mu.Unlock()
	servePage(h, w, r, hooks)
}

func (h *Hub) handleCreateHook(w http.ResponseWriter, r *http.Request) {
	org, ok := h.memberOrganization(w, r, true)
	if !ok {
		return
	}
	var hook github.Webhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON: %v", err)
		return
	}
	if hook.Name != "web" || strings.TrimSpace(hook.Config.URL) == "" {
		writeError(w, http.StatusUnprocessableEntity, "Validation Failed")
		return
	}
	h.mu.Lock()
	hook.ID = h.id()
	hook.CreatedAt = h.clock.Now().UTC()
	hook.UpdatedAt = hook.CreatedAt
	org.hooks = append(org.hooks, hook)
	h.mu.Unlock()
	writeJSON(w, http.StatusCreated, hook)
}

func (h *Hub) handleEditHook(w http.ResponseWriter, r *http.Request) {
	org, ok := h.memberOrganization(w, r, true)
	if !ok {
		return
	}
	var payload struct {
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Problems parsing JSON: %v", err)
		return
	}
	hookID, _ := strconv.ParseInt(chi.URLParam(r, "hookID"), 10, 64)
	h.mu.Lock()
	idx := slices.IndexFunc(org.hooks, func(hook github.Webhook) bool { return hook.ID == hookID })
	if idx < 0 {
		h.mu.Unlock()
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	org.hooks[idx].Events = payload.Events
	org.hooks[idx].UpdatedAt = h.clock.Now().UTC()
	hook := org.hooks[idx]
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, hook)
}

func (h *Hub) handleDeleteHook(w http.ResponseWriter, r *http.Request) {
	org, ok := h.memberOrganization(w, r, true)
	if !ok {
		return
	}
	hookID, _ := strconv.ParseInt(chi.URLParam(r, "hookID"), 10, 64)
	h.mu.Lock()
	before := len(org.hooks)
	org.hooks = slices.DeleteFunc(org.hooks, func(hook github.Webhook) bool { return hook.ID == hookID })
	deleted := len(org.hooks) < before
	h.mu.Unlock()
	if !deleted {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleLabels(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.visibleRepository(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	labels := slices.Clone(repo.labels)
	h.mu.Unlock()
	servePage(h, w, r, labels)
}

func (h *Hub) handleMilestones(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.visibleRepository(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	milestones := slices.Clone(repo.mstones)
	h.mu.Unlock()
	servePage(h, w, r, milestones)
}

func (h *Hub) handleAssignees(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.visibleRepository(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	var assignable []github.Account
	for id, perms := range repo.access {
		if perms.Push {
			assignable = append(assignable, h.accounts[id])
		}
	}
	h.mu.Unlock()
	servePage(h, w, r, sortByID(assignable, func(a github.Account) int64 { return a.ID }))
}

func (h *Hub) handleIssues(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.visibleRepository(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}
	h.mu.Lock()
	var issues []github.Issue
	for _, issue := range repo.issues {
		if !issue.UpdatedAt.Before(since) {
			copied := issue
			if issue.Reactions != nil {
				summary := *issue.Reactions
				copied.Reactions = &summary
			}
			issues = append(issues, copied)
		}
	}
	h.mu.Unlock()
	slices.SortStableFunc(issues, func(a, b github.Issue) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	servePage(h, w, r, issues)
}

func (h *Hub) handleComments(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.visibleRepository(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}
	h.mu.Lock()
	var comments []github.Comment
	for _, comment := range repo.comments {
		if !comment.UpdatedAt.Before(since) {
			comments = append(comments, comment)
		}
	}
	h.mu.Unlock()
	servePage(h, w, r, comments)
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.visibleRepository(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	events := slices.Clone(repo.events)
	h.mu.Unlock()
	servePage(h, w, r, events)
}

func (h *Hub) handleIssueReactions(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.visibleRepository(w, r)
	if !ok {
		return
	}
	number, _ := strconv.Atoi(chi.URLParam(r, "number"))
	h.mu.Lock()
	if number < 1 || number > len(repo.issues) {
		h.mu.Unlock()
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	reactions := slices.Clone(repo.reactions[number])
	h.mu.Unlock()
	servePage(h, w, r, reactions)
}

// memberOrganization resolves {org} for a member caller; hooks need admins.
// Non-members get a 404 like the real API.
func (h *Hub) memberOrganization(w http.ResponseWriter, r *http.Request, admin bool) (*organization, bool) {
	caller := callerFromContext(r.Context())
	h.mu.Lock()
	defer h.mu.Unlock()
	org, ok := h.orgs[strings.ToLower(chi.URLParam(r, "org"))]
	if !ok || !org.members[caller.ID] || (admin && !org.admins[caller.ID]) {
		writeError(w, http.StatusNotFound, "Not Found")
		return nil, false
	}
	return org, true
}

func (h *Hub) visibleRepository(w http.ResponseWriter, r *http.Request) (*repository, bool) {
	caller := callerFromContext(r.Context())
	h.mu.Lock()
	defer h.mu.Unlock()
	repo, err := h.repo(chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Not Found")
		return nil, false
	}
	if _, ok := h.permissions(repo, caller.ID); !ok {
		writeError(w, http.StatusNotFound, "Not Found")
		return nil, false
	}
	return repo, true
}

// permissions requires h.mu.
func (h *Hub) permissions(repo *repository, userID int64) (github.Permissions, bool) {
	if perms, ok := repo.access[userID]; ok {
		return perms, true
	}
	if org, ok := h.orgs[strings.ToLower(repo.repo.Owner.Login)]; ok && org.members[userID] {
		admin := org.admins[userID]
		return github.Permissions{Admin: admin, Push: admin, Pull: true}, true
	}
	return github.Permissions{}, false
}

func (h *Hub) serveJSON(w http.ResponseWriter, r *http.Request, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode: %v", err)
		return
	}
	h.writeCacheable(w, r, body)
}

// servePage slices items by page/per_page and emits Link headers.
func servePage[T any](h *Hub, w http.ResponseWriter, r *http.Request, items []T) {
	q := r.URL.Query()
	perPage, err := strconv.Atoi(q.Get("per_page"))
	if err != nil || perPage <= 0 {
		perPage = defaultPageSize
	}
	perPage = min(perPage, maxPageSize)
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	last := max(1, (len(items)+perPage-1)/perPage)

	start := min((page-1)*perPage, len(items))
	end := min(start+perPage, len(items))
	window := items[start:end]
	if window == nil {
		window = []T{}
	}

	if last > 1 {
		w.Header().Set("Link", linkHeader(r, page, last))
	}
	body, err := json.Marshal(window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode: %v", err)
		return
	}
	h.writeCacheable(w, r, body)
}

func linkHeader(r *http.Request, page, last int) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	pageURL := func(n int) string {
		u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path}
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(n))
		u.RawQuery = q.Encode()
		return u.String()
	}
	var links []string
	if page < last {
		links = append(links,
			fmt.Sprintf(`<%s>; rel="next"`, pageURL(page+1)),
			fmt.Sprintf(`<%s>; rel="last"`, pageURL(last)))
	}
	if page > 1 {
		links = append(links,
			fmt.Sprintf(`<%s>; rel="first"`, pageURL(1)),
			fmt.Sprintf(`<%s>; rel="prev"`, pageURL(page-1)))
	}
	return strings.Join(links, ", ")
}

func (h *Hub) writeCacheable(w http.ResponseWriter, r *http.Request, body []byte) {
	sum := blake3.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d, s-maxage=%d",
		int(h.maxAge/time.Second), int(h.maxAge/time.Second)))
	if h.poll > 0 {
		w.Header().Set("X-Poll-Interval", strconv.Itoa(int(h.poll/time.Second)))
	}
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseSince(r *http.Request) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("invalid since, use RFC3339")
	}
	return since, nil
}

func sortByID[T any](items []T, id func(T) int64) []T {
	slices.SortFunc(items, func(a, b T) int { return cmp.Compare(id(a), id(b)) })
	return items
}

func (h *Hub) handleSeedUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Login string `json:"login"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Login == "" {
		writeError(w, http.StatusBadRequest, "login required")
		return
	}
	account, token := h.AddUser(payload.Login, payload.Token)
	writeJSON(w, http.StatusCreated, map[string]any{"account": account, "token": token})
}

func (h *Hub) handleSeedOrganization(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Login   string  `json:"login"`
		Admins  []int64 `json:"admins"`
		Members []int64 `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Login == "" {
		writeError(w, http.StatusBadRequest, "login required")
		return
	}
	writeJSON(w, http.StatusCreated, h.AddOrganization(payload.Login, payload.Admins, payload.Members))
}

func (h *Hub) handleInspectHooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Hooks(chi.URLParam(r, "org")))
}

func (h *Hub) handleSeedRepository(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OwnerID int64   `json:"owner_id"`
		Name    string  `json:"name"`
		Writers []int64 `json:"writers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Name == "" {
		writeError(w, http.StatusBadRequest, "owner_id and name required")
		return
	}
	repo, err := h.AddRepository(payload.OwnerID, payload.Name, payload.Writers...)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (h *Hub) handleSeedIssue(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AuthorID int64  `json:"author_id"`
		Title    string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Title == "" {
		writeError(w, http.StatusBadRequest, "author_id and title required")
		return
	}
	issue, err := h.AddIssue(chi.URLParam(r, "owner")+"/"+chi.URLParam(r, "repo"), payload.AuthorID, payload.Title)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issue)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError answers in the remote API's error shape.
func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"message":           strings.TrimSpace(fmt.Sprintf(format, args...)),
		"documentation_url": "https://docs.github.com/rest",
	})
}

func handleNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotFound) {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "%v", err)
}
