package github

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheMetadata is the conditional-request record for one remote resource.
// Zero times mean the corresponding header was not sent.
type CacheMetadata struct {
	ETag                   string        `json:"etag,omitempty"`
	LastModified           time.Time     `json:"last_modified,omitzero"`
	Expires                time.Time     `json:"expires,omitzero"`
	PollInterval           time.Duration `json:"poll_interval,omitempty"`
	AccessTokenFingerprint string        `json:"token_fingerprint,omitempty"`
}

// IsFresh reports whether a request for this resource made with the
// credential identified by fingerprint can be skipped entirely.
func (m *CacheMetadata) IsFresh(now time.Time, fingerprint string) bool {
	if m == nil || m.Expires.IsZero() {
		return false
	}
	return now.Before(m.Expires) && m.AccessTokenFingerprint == fingerprint
}

// IsExpired is the negation of IsFresh.
func (m *CacheMetadata) IsExpired(now time.Time, fingerprint string) bool {
	return !m.IsFresh(now, fingerprint)
}

func (m *CacheMetadata) applyConditionalHeaders(h http.Header) {
	if m == nil {
		return
	}
	if m.ETag != "" {
		h.Set("If-None-Match", m.ETag)
	}
	if !m.LastModified.IsZero() {
		h.Set("If-Modified-Since", m.LastModified.UTC().Format(http.TimeFormat))
	}
}

// cacheMetadataFromResponse derives a fresh record from response headers.
// Expires is the earlier of the Expires header and now+max-age; a poll
// interval pushes it out when the remote asks for slower polling.
func cacheMetadataFromResponse(h http.Header, now time.Time, fingerprint string, previous *CacheMetadata) *CacheMetadata {
	meta := &CacheMetadata{
		ETag:                   h.Get("ETag"),
		AccessTokenFingerprint: fingerprint,
	}
	if lm, err := http.ParseTime(h.Get("Last-Modified")); err == nil {
		meta.LastModified = lm
	}
	if previous != nil {
		if meta.ETag == "" {
			meta.ETag = previous.ETag
		}
		if meta.LastModified.IsZero() {
			meta.LastModified = previous.LastModified
		}
	}

	var expires time.Time
	if raw := h.Get("Expires"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			expires = t
		}
	}
	if maxAge, ok := parseMaxAge(h.Get("Cache-Control")); ok {
		maxAgeExpires := now.Add(maxAge)
		if expires.IsZero() || maxAgeExpires.Before(expires) {
			expires = maxAgeExpires
		}
	}
	if raw := strings.TrimSpace(h.Get("X-Poll-Interval")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			meta.PollInterval = time.Duration(seconds) * time.Second
			if pollExpires := now.Add(meta.PollInterval); pollExpires.After(expires) {
				expires = pollExpires
			}
		}
	}
	meta.Expires = expires
	return meta
}

// parseMaxAge prefers s-maxage over max-age.
func parseMaxAge(cacheControl string) (time.Duration, bool) {
	var maxAge, sharedMaxAge = -1, -1
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		seconds, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || seconds < 0 {
			continue
		}
		switch strings.ToLower(name) {
		case "max-age":
			maxAge = seconds
		case "s-maxage":
			sharedMaxAge = seconds
		}
	}
	if sharedMaxAge >= 0 {
		return time.Duration(sharedMaxAge) * time.Second, true
	}
	if maxAge >= 0 {
		return time.Duration(maxAge) * time.Second, true
	}
	return 0, false
}
