package github

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, clk clock.Clock) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientOptions{BaseURL: srv.URL, HTTPClient: srv.Client(), Clock: clk})
	require.NoError(t, err)
	return c
}

func setRateLimit(w http.ResponseWriter, remaining int, reset time.Time) {
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func TestDoDecodesAndTracksRateLimit(t *testing.T) {
	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "token secret", r.Header.Get("Authorization"))
		assert.Equal(t, defaultAccept, r.Header.Get("Accept"))
		setRateLimit(w, 4321, reset)
		w.Header().Set("ETag", `"u1"`)
		w.Header().Set("Cache-Control", "private, max-age=60")
		w.Header().Set("X-OAuth-Scopes", "repo, read:org")
		_ = json.NewEncoder(w).Encode(Account{ID: 7, Login: "octo", Type: AccountUser})
	}), nil)
	cred := NewCredential(7, "octo", "secret", RateLimit{})

	resp, err := c.User(context.Background(), nil, cred)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Result.ID)
	assert.Equal(t, []string{"repo", "read:org"}, resp.Scopes)
	assert.Equal(t, `"u1"`, resp.Cache.ETag)
	assert.Equal(t, cred.Fingerprint(), resp.Cache.AccessTokenFingerprint)
	assert.Equal(t, 4321, cred.RateLimit().Remaining)
	assert.True(t, reset.Equal(cred.RateLimit().ResetAt))
}

func TestDoFreshCacheMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	clk := clock.NewMock()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), clk)
	cred := NewCredential(1, "octo", "secret", RateLimit{})
	meta := &CacheMetadata{ETag: `"x"`, Expires: clk.Now().Add(time.Minute), AccessTokenFingerprint: cred.Fingerprint()}

	resp, err := c.User(context.Background(), meta, cred)
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Same(t, meta, resp.Cache)
	assert.Zero(t, calls.Load())
}

func TestDoConditionalNotModified(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"x"` {
			w.Header().Set("Cache-Control", "max-age=30")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		t.Errorf("missing conditional header")
	}), nil)
	cred := NewCredential(1, "octo", "secret", RateLimit{})
	stale := &CacheMetadata{ETag: `"x"`, AccessTokenFingerprint: "someone-else"}

	resp, err := c.User(context.Background(), stale, cred)
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Equal(t, `"x"`, resp.Cache.ETag)
	assert.Equal(t, cred.Fingerprint(), resp.Cache.AccessTokenFingerprint)
	assert.False(t, resp.Cache.Expires.IsZero())
}

func TestDoExhaustedCredentialMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), nil)
	cred := NewCredential(1, "octo", "secret", RateLimit{
		Limit: 5000, Remaining: DefaultRateLimitReserve, ResetAt: time.Now().Add(time.Hour),
	})

	_, err := c.User(context.Background(), nil, cred)
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Zero(t, calls.Load())
}

func TestDoRemoteErrors(t *testing.T) {
	reset := time.Now().Add(time.Hour)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs/limited":
			setRateLimit(w, 0, reset)
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"API rate limit exceeded"}`)
		case "/orgs/hidden":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message":"Not Found","documentation_url":"https://docs.example.com"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream down")
		}
	}), nil)

	_, err := c.Organization(context.Background(), "limited", nil, NewCredential(1, "a", "t1", RateLimit{}))
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, http.StatusForbidden, StatusOf(err))

	_, err = c.Organization(context.Background(), "hidden", nil, NewCredential(2, "b", "t2", RateLimit{}))
	var ghErr *Error
	require.ErrorAs(t, err, &ghErr)
	assert.Equal(t, http.StatusNotFound, ghErr.Status)
	assert.Equal(t, "Not Found", ghErr.Message)
	assert.False(t, errors.Is(err, ErrBudgetExhausted))

	_, err = c.Organization(context.Background(), "other", nil, NewCredential(3, "c", "t3", RateLimit{}))
	require.ErrorAs(t, err, &ghErr)
	assert.Equal(t, "upstream down", ghErr.Message)
}

func TestDoRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/renamed/hooks", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/orgs/current/hooks", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/orgs/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/orgs/current", http.StatusFound)
	})
	mux.HandleFunc("/orgs/current/hooks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method, "307 keeps the method")
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"name":"web"`)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":99,"name":"web","active":true,"events":["repository"],"config":{"url":"x","content_type":"json"}}`)
	})
	mux.HandleFunc("/orgs/current", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = io.WriteString(w, `{"id":5,"login":"current","type":"Organization"}`)
	})
	mux.HandleFunc("/orgs/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/orgs/loop", http.StatusMovedPermanently)
	})
	c := newTestClient(t, mux, nil)
	cred := NewCredential(1, "octo", "secret", RateLimit{})

	org, err := c.Organization(context.Background(), "moved", nil, cred)
	require.NoError(t, err)
	assert.Equal(t, "current", org.Result.Login)
	require.NotNil(t, org.Redirect)
	assert.Equal(t, http.StatusFound, org.Redirect.Status)

	hook, err := c.Admin(cred).AddOrganizationWebhook(context.Background(), "renamed", Webhook{Name: "web", Active: true})
	require.NoError(t, err)
	assert.Equal(t, int64(99), hook.ID)

	_, err = c.Organization(context.Background(), "loop", nil, cred)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestListRequestsLargestPage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		_, _ = io.WriteString(w, `[{"id":1,"name":"bug","color":"f00"}]`)
	}), nil)

	resp, err := c.Milestones(context.Background(), "a/b", nil, NewCredential(1, "octo", "secret", RateLimit{}))
	require.NoError(t, err)
	assert.Len(t, resp.Result, 1)
}

func TestDoMalformedLinkHeader(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", "garbage")
		_, _ = io.WriteString(w, `[]`)
	}), nil)

	_, err := c.Labels(context.Background(), "a/b", nil, NewCredential(1, "octo", "secret", RateLimit{}))
	require.ErrorIs(t, err, ErrProtocol)
}
