package github

import (
	"encoding/hex"
	"net/http"
	"sync"

	"github.com/zeebo/blake3"
)

// Credential is one user's access token plus the rate-limit tracker that every
// request made with it updates. Credentials are shared between goroutines and
// must not be modified once built; only the tracker changes.
type Credential struct {
	UserID int64
	Login  string

	token       string
	fingerprint string
	tracker     *RateLimitTracker
}

// NewCredential builds a standalone credential. Long-running code should get
// credentials from a CredentialCache so that trackers are shared.
func NewCredential(userID int64, login, token string, seed RateLimit) *Credential {
	return &Credential{
		UserID:      userID,
		Login:       login,
		token:       token,
		fingerprint: Fingerprint(token),
		tracker:     NewRateLimitTracker(seed),
	}
}

// Fingerprint identifies a token without storing it.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

func (c *Credential) Fingerprint() string { return c.fingerprint }

// RateLimit returns the merged budget observed for this credential.
func (c *Credential) RateLimit() RateLimit { return c.tracker.Snapshot() }

// Tracker exposes the shared tracker.
func (c *Credential) Tracker() *RateLimitTracker { return c.tracker }

func (c *Credential) apply(h http.Header) {
	h.Set("Authorization", "token "+c.token)
}

// CredentialCache hands out one *Credential per user so that concurrent
// entity syncs using the same token see the same budget.
type CredentialCache struct {
	mu    sync.Mutex
	creds map[int64]*Credential
}

func NewCredentialCache() *CredentialCache {
	return &CredentialCache{creds: make(map[int64]*Credential)}
}

// Get returns the cached credential for userID, replacing it when the token
// changed. A renamed user gets a new credential sharing the old tracker.
// seed is only used for new entries.
func (c *CredentialCache) Get(userID int64, login, token string, seed RateLimit) *Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.creds[userID]; ok && existing.token == token {
		if existing.Login == login {
			return existing
		}
		renamed := *existing
		renamed.Login = login
		c.creds[userID] = &renamed
		return &renamed
	}
	cred := NewCredential(userID, login, token, seed)
	c.creds[userID] = cred
	return cred
}

// Forget drops a user's credential, e.g. after token revocation.
func (c *CredentialCache) Forget(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, userID)
}
