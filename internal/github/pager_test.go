package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedLabels serves total pages of two labels each. Pages after the first
// block until waitFor follow-up requests are in flight at once.
type pagedLabels struct {
	total   int
	waitFor int
	linkFn  func(base string, page, total int) string

	mu       sync.Mutex
	inFlight int
	peak     int
	release  chan struct{}
	calls    atomic.Int32
}

func (p *pagedLabels) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.calls.Add(1)
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page == 0 {
		page = 1
	}
	if page > 1 && p.waitFor > 0 {
		p.mu.Lock()
		p.inFlight++
		p.peak = max(p.peak, p.inFlight)
		if p.inFlight == p.waitFor {
			close(p.release)
		}
		p.mu.Unlock()
		select {
		case <-p.release:
		case <-time.After(5 * time.Second):
			http.Error(w, "pages were not requested concurrently", http.StatusGatewayTimeout)
			return
		}
	}
	base := "http://" + r.Host + r.URL.Path
	if link := p.linkFn(base, page, p.total); link != "" {
		w.Header().Set("Link", link)
	}
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(5000-page))
	w.Header().Set("X-RateLimit-Reset", "4102444800")
	_ = json.NewEncoder(w).Encode([]Label{
		{ID: int64(page*10 + 1), Name: fmt.Sprintf("p%d-a", page)},
		{ID: int64(page*10 + 2), Name: fmt.Sprintf("p%d-b", page)},
	})
}

func pageLinks(base string, page, total int) string {
	if page >= total {
		return ""
	}
	return fmt.Sprintf(`<%s?page=%d&per_page=100>; rel="next", <%s?page=%d&per_page=100>; rel="last"`,
		base, page+1, base, total)
}

func cursorLinks(base string, page, total int) string {
	if page >= total {
		return ""
	}
	return fmt.Sprintf(`<%s?page=%d&cursor=c%d>; rel="next"`, base, page+1, page)
}

func TestFetchAllInterpolatesConcurrently(t *testing.T) {
	srv := &pagedLabels{total: 5, waitFor: 4, linkFn: pageLinks, release: make(chan struct{})}
	c := newTestClient(t, srv, nil)
	cred := NewCredential(1, "octo", "secret", RateLimit{})

	resp, err := c.Labels(context.Background(), "a/b", nil, cred)
	require.NoError(t, err)

	assert.Equal(t, int32(5), srv.calls.Load(), "first page plus exactly four follow-ups")
	assert.Equal(t, 4, srv.peak)
	require.Len(t, resp.Result, 10)
	for i, label := range resp.Result {
		page := i/2 + 1
		assert.Equal(t, int64(page*10+1+i%2), label.ID)
	}
	assert.Equal(t, 4995, resp.RateLimit.Remaining, "merged across pages")
	assert.Equal(t, 4995, cred.RateLimit().Remaining)
}

func TestFetchAllWalksNextLinksWhenNotInterpolatable(t *testing.T) {
	srv := &pagedLabels{total: 3, linkFn: cursorLinks}
	c := newTestClient(t, srv, nil)

	resp, err := c.Labels(context.Background(), "a/b", nil, NewCredential(1, "octo", "secret", RateLimit{}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), srv.calls.Load())
	require.Len(t, resp.Result, 6)
	assert.Equal(t, "p1-a", resp.Result[0].Name)
	assert.Equal(t, "p3-b", resp.Result[5].Name)
}

func TestFetchAllFailsOnPageError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "3" {
			http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
			return
		}
		base := "http://" + r.Host + r.URL.Path
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Link", pageLinks(base, max(page, 1), 4))
		_, _ = w.Write([]byte(`[]`))
	}), nil)

	_, err := c.Labels(context.Background(), "a/b", nil, NewCredential(1, "octo", "secret", RateLimit{}))
	var ghErr *Error
	require.ErrorAs(t, err, &ghErr)
	assert.Equal(t, http.StatusInternalServerError, ghErr.Status)
}
