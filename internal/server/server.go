// Package server exposes the daemon's admin API: credential registration,
// manual sync requests and a view of the active entities.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
	"github.com/exsilium/shiphub-server/internal/orchestrator"
	"github.com/exsilium/shiphub-server/internal/store"
)

const validateTimeout = 10 * time.Second

// Store is the persistence the admin API touches.
type Store interface {
	UpsertAccounts(ctx context.Context, accounts []github.Account) (changes.Summary, error)
	SaveToken(ctx context.Context, userID int64, token string) error
	DeleteToken(ctx context.Context, userID int64) error
	UserToken(ctx context.Context, userID int64) (store.Token, error)
	SaveRateLimit(ctx context.Context, userID int64, rl github.RateLimit) error
}

// Orchestrator is the slice of the registry the API drives.
type Orchestrator interface {
	RegisterInterest(e orchestrator.Entity)
	Active() []orchestrator.Status
}

// Server handles admin requests.
type Server struct {
	store        Store
	client       *github.Client
	creds        *github.CredentialCache
	orchestrator Orchestrator
	logger       *slog.Logger
}

func NewServer(st Store, client *github.Client, creds *github.CredentialCache, orch Orchestrator, logger *slog.Logger) *Server {
	return &Server{
		store:        st,
		client:       client,
		creds:        creds,
		orchestrator: orch,
		logger:       logger.With("component", "server"),
	}
}

// Router configures all admin routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.handleRegisterUser)
		r.Delete("/{userID}/token", s.handleRevokeToken)
		r.Get("/{userID}/ratelimit", s.handleRateLimit)
	})
	r.Post("/sync/{kind}/{id}", s.handleSync)
	r.Get("/entities", s.handleListEntities)
	return r
}

// handleRegisterUser validates a token against the remote, stores the
// account and token, and starts syncing the user.
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	token := strings.TrimSpace(payload.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), validateTimeout)
	defer cancel()

	cred := github.NewCredential(0, "", token, github.RateLimit{})
	resp, err := s.client.User(ctx, nil, cred)
	if err != nil {
		status := http.StatusBadGateway
		if github.StatusOf(err) == http.StatusUnauthorized {
			status = http.StatusUnauthorized
		}
		writeError(w, status, "validate token: %v", err)
		return
	}
	user := resp.Result
	user.Type = github.AccountUser

	if _, err := s.store.UpsertAccounts(r.Context(), []github.Account{user}); err != nil {
		writeError(w, http.StatusInternalServerError, "store account: %v", err)
		return
	}
	if err := s.store.SaveToken(r.Context(), user.ID, token); err != nil {
		writeError(w, http.StatusInternalServerError, "store token: %v", err)
		return
	}
	rl := cred.RateLimit()
	if !rl.IsZero() {
		if err := s.store.SaveRateLimit(r.Context(), user.ID, rl); err != nil {
			s.logger.Warn("save rate limit failed", "user_id", user.ID, "error", err)
		}
	}
	s.creds.Forget(user.ID)

	entity := orchestrator.Entity{Kind: orchestrator.KindUser, ID: user.ID}
	s.orchestrator.RegisterInterest(entity)
	s.logger.Info("user registered", "user_id", user.ID, "login", user.Login, "scopes", resp.Scopes)

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         user.ID,
		"login":      user.Login,
		"scopes":     resp.Scopes,
		"rate_limit": rl,
		"entity":     entity,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseID(w, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	if err := s.store.DeleteToken(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no token for user %d", userID)
			return
		}
		writeError(w, http.StatusInternalServerError, "delete token: %v", err)
		return
	}
	s.creds.Forget(userID)
	w.WriteHeader(http.StatusNoContent)
	s.logger.Info("token revoked", "user_id", userID)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseID(w, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	token, err := s.store.UserToken(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no token for user %d", userID)
			return
		}
		writeError(w, http.StatusInternalServerError, "load token: %v", err)
		return
	}
	rl := token.RateLimit
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"login":      token.Login,
		"rate_limit": rl,
		"exhausted":  !rl.IsZero() && rl.IsExhausted(s.client.RateLimitReserve(), s.client.Now()),
	})
}

// handleSync registers interest; the entity's worker picks it up right away
// when it was idle.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	kind, err := orchestrator.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	entity := orchestrator.Entity{Kind: kind, ID: id}
	s.orchestrator.RegisterInterest(entity)
	s.logger.Debug("sync interest registered", "entity", entity.String())
	writeJSON(w, http.StatusAccepted, map[string]any{"entity": entity})
}

func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	active := s.orchestrator.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": active,
		"count":    len(active),
	})
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id %q", raw)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
