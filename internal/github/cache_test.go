package github

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheMetadataFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	meta := &CacheMetadata{ETag: `"v1"`, Expires: now.Add(time.Minute), AccessTokenFingerprint: "fp"}

	assert.True(t, meta.IsFresh(now, "fp"))
	assert.False(t, meta.IsFresh(now, "other"), "fingerprint mismatch")
	assert.False(t, meta.IsFresh(now.Add(time.Minute), "fp"), "expired")
	assert.True(t, meta.IsExpired(now.Add(2*time.Minute), "fp"))

	var missing *CacheMetadata
	assert.False(t, missing.IsFresh(now, "fp"))
	assert.False(t, (&CacheMetadata{ETag: `"v1"`}).IsFresh(now, ""))
}

func TestCacheMetadataFromResponse(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("ETag", `"abc"`)
	h.Set("Cache-Control", "private, max-age=60, s-maxage=30")
	h.Set("Expires", now.Add(time.Hour).Format(http.TimeFormat))
	meta := cacheMetadataFromResponse(h, now, "fp", nil)
	assert.Equal(t, `"abc"`, meta.ETag)
	assert.Equal(t, now.Add(30*time.Second), meta.Expires, "s-maxage wins and the earlier bound is kept")
	assert.Equal(t, "fp", meta.AccessTokenFingerprint)

	h = http.Header{}
	h.Set("Cache-Control", "max-age=60")
	h.Set("X-Poll-Interval", "300")
	meta = cacheMetadataFromResponse(h, now, "fp", &CacheMetadata{ETag: `"old"`})
	assert.Equal(t, `"old"`, meta.ETag, "validator carried over from a 304")
	assert.Equal(t, 5*time.Minute, meta.PollInterval)
	assert.Equal(t, now.Add(5*time.Minute), meta.Expires)
}

func TestApplyConditionalHeaders(t *testing.T) {
	lastModified := time.Date(2025, 12, 31, 8, 0, 0, 0, time.UTC)
	meta := &CacheMetadata{ETag: `"abc"`, LastModified: lastModified}

	h := http.Header{}
	meta.applyConditionalHeaders(h)
	assert.Equal(t, `"abc"`, h.Get("If-None-Match"))
	assert.Equal(t, "Wed, 31 Dec 2025 08:00:00 GMT", h.Get("If-Modified-Since"))

	h = http.Header{}
	(*CacheMetadata)(nil).applyConditionalHeaders(h)
	assert.Empty(t, h)
}
