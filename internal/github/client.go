package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL     = "https://api.github.com/"
	defaultAccept      = "application/vnd.github.v3+json"
	defaultUserAgent   = "shiphub-server"
	maxPageSize        = 100
	maxRedirects       = 5
	maxErrorBodyLength = 64 << 10
)

// ClientOptions configures a Client. Zero values select defaults.
type ClientOptions struct {
	BaseURL          string
	HTTPClient       *http.Client
	UserAgent        string
	RateLimitReserve int
	// Concurrency caps the workers ParallelPager uses for one collection.
	Concurrency int
	// Limiter, when set, admits every outbound request process-wide.
	Limiter *rate.Limiter
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Client issues single logical requests against the remote API. It holds no
// per-credential state; budgets live on the Credential passed to each call.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	userAgent   string
	reserve     int
	concurrency int
	limiter     *rate.Limiter
	clock       clock.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewClient configures a client with sane defaults.
func NewClient(opts ClientOptions) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = defaultBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	// Redirects are followed by hand so the chain can be recorded and the
	// method rules below applied.
	copied := *httpClient
	copied.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	reserve := opts.RateLimitReserve
	if reserve <= 0 {
		reserve = DefaultRateLimitReserve
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPagerConcurrency
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     base,
		httpClient:  &copied,
		userAgent:   userAgent,
		reserve:     reserve,
		concurrency: concurrency,
		limiter:     opts.Limiter,
		clock:       clk,
		logger:      logger,
		tracer:      otel.Tracer("github.com/exsilium/shiphub-server/internal/github"),
	}, nil
}

// RateLimitReserve is the floor under which credentials count as exhausted.
func (c *Client) RateLimitReserve() int { return c.reserve }

// Now reads the client's clock.
func (c *Client) Now() time.Time { return c.clock.Now() }

// Request describes one logical call.
type Request struct {
	Method string
	// Path is relative to the API root, or an absolute URL (pagination links).
	Path   string
	Params url.Values
	Body   any
	// Accept overrides the default media type, e.g. for preview APIs.
	Accept string
	Cache  *CacheMetadata
	// List marks collection requests; they always ask for the largest page.
	List bool
}

// Redirect records one hop of a followed redirect chain.
type Redirect struct {
	Status   int
	From     string
	To       string
	Previous *Redirect
}

// Response is the outcome of a request that reached a 2xx or 304.
type Response[T any] struct {
	Status      int
	Result      T
	NotModified bool
	Date        time.Time
	Cache       *CacheMetadata
	RateLimit   RateLimit
	Pagination  *Pagination
	Redirect    *Redirect
	RequestURL  string
	Scopes      []string
	Credential  *Credential
}

// Do sends req with cred. A fresh cache short-circuits to a not-modified
// response without touching the network; an exhausted credential fails with
// ErrBudgetExhausted. Remote errors are returned as *Error and never retried.
func Do[T any](ctx context.Context, c *Client, req Request, cred *Credential) (*Response[T], error) {
	if cred == nil {
		return nil, errors.New("github request requires a credential")
	}
	now := c.clock.Now()
	if req.Cache.IsFresh(now, cred.Fingerprint()) {
		return &Response[T]{
			Status:      http.StatusNotModified,
			NotModified: true,
			Date:        now,
			Cache:       req.Cache,
			Credential:  cred,
		}, nil
	}
	if rl := cred.RateLimit(); rl.IsExhausted(c.reserve, now) {
		return nil, fmt.Errorf("%w: %s has %d requests left until %s",
			ErrBudgetExhausted, cred.Login, rl.Remaining, rl.ResetAt.UTC().Format(time.RFC3339))
	}

	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	ctx, span := c.tracer.Start(ctx, "github "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var redirect *Redirect
	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			err := fmt.Errorf("%w: more than %d redirects from %s", ErrProtocol, maxRedirects, req.Path)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		resp, err := c.send(ctx, method, target, body, req, cred)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		case http.StatusFound, http.StatusSeeOther:
			method = http.MethodGet
			body = nil
		default:
			span.SetAttributes(
				attribute.String("url.full", target.String()),
				attribute.Int("http.response.status_code", resp.StatusCode),
			)
			out, err := parseResponse[T](c, resp, req, cred, now)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			out.Redirect = redirect
			return out, nil
		}

		location := resp.Header.Get("Location")
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("%w: %d without Location from %s", ErrProtocol, resp.StatusCode, target)
		}
		next, err := target.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("%w: redirect location %q: %v", ErrProtocol, location, err)
		}
		redirect = &Redirect{Status: resp.StatusCode, From: target.String(), To: next.String(), Previous: redirect}
		c.logger.Debug("following redirect", "status", resp.StatusCode, "from", redirect.From, "to", redirect.To)
		target = next
	}
}

func (c *Client) resolve(req Request) (*url.URL, error) {
	var target *url.URL
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		u, err := url.Parse(req.Path)
		if err != nil {
			return nil, fmt.Errorf("parse request url: %w", err)
		}
		target = u
	} else {
		rel, err := url.Parse(strings.TrimLeft(req.Path, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse request path: %w", err)
		}
		target = c.baseURL.ResolveReference(rel)
	}

	q := target.Query()
	for key, values := range req.Params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	method := req.Method
	if req.List && (method == "" || method == http.MethodGet) && q.Get("per_page") == "" {
		q.Set("per_page", strconv.Itoa(maxPageSize))
	}
	target.RawQuery = q.Encode()
	return target, nil
}

func (c *Client) send(ctx context.Context, method string, target *url.URL, body []byte, req Request, cred *Credential) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	accept := req.Accept
	if accept == "" {
		accept = defaultAccept
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Accept-Charset", "utf-8")
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Time-Zone", "Etc/UTC")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	req.Cache.applyConditionalHeaders(httpReq.Header)
	cred.apply(httpReq.Header)
	return c.httpClient.Do(httpReq)
}

func parseResponse[T any](c *Client, resp *http.Response, req Request, cred *Credential, now time.Time) (*Response[T], error) {
	defer resp.Body.Close()

	out := &Response[T]{
		Status:     resp.StatusCode,
		RequestURL: resp.Request.URL.String(),
		Credential: cred,
		Date:       now,
	}
	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		out.Date = date
	}

	// Rate limit headers are not always sent.
	rl, hasRateLimit := parseRateLimit(resp.Header)
	if hasRateLimit {
		out.RateLimit = rl
		cred.tracker.Observe(rl)
	}
	if scopes := resp.Header.Get("X-OAuth-Scopes"); scopes != "" {
		out.Scopes = strings.FieldsFunc(scopes, func(r rune) bool { return r == ',' || r == ' ' })
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		ghErr := &Error{Status: resp.StatusCode, URL: out.RequestURL}
		if json.Unmarshal(raw, ghErr) != nil || ghErr.Message == "" {
			ghErr.Message = strings.TrimSpace(string(raw))
		}
		ghErr.rateLimited = resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode == http.StatusForbidden && hasRateLimit && rl.Remaining == 0) ||
			ghErr.IsAbuse()
		return nil, ghErr
	}

	pagination, err := ParseLinkHeader(resp.Header.Get("Link"))
	if err != nil {
		return nil, err
	}
	out.Pagination = pagination
	out.Cache = cacheMetadataFromResponse(resp.Header, now, cred.Fingerprint(), req.Cache)

	if resp.StatusCode == http.StatusNotModified {
		out.NotModified = true
		return out, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Result); err != nil {
			return nil, fmt.Errorf("decode %s: %w", out.RequestURL, err)
		}
	}
	return out, nil
}

func parseRateLimit(h http.Header) (RateLimit, bool) {
	if h.Get("X-RateLimit-Limit") == "" {
		return RateLimit{}, false
	}
	limit, errLimit := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, errRemaining := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset, errReset := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if errLimit != nil || errRemaining != nil || errReset != nil {
		return RateLimit{}, false
	}
	return RateLimit{Limit: limit, Remaining: remaining, ResetAt: time.Unix(reset, 0).UTC()}, true
}
