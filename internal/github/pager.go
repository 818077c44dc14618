package github

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// DefaultPagerConcurrency bounds the concurrent page fetches for one collection.
const DefaultPagerConcurrency = 16

// FetchAll completes a paginated collection starting from first. When the
// Link header allows interpolation every remaining page is requested up front
// through a bounded worker group; otherwise next links are walked serially.
// The first page error aborts the batch. The returned response keeps the first
// page's cache metadata and carries the rate limit merged across all pages.
func FetchAll[T any](ctx context.Context, c *Client, first *Response[[]T], cred *Credential) (*Response[[]T], error) {
	if first == nil || first.NotModified || first.Pagination == nil || first.Pagination.Next == nil {
		return first, nil
	}

	var batch []*Response[[]T]
	if first.Pagination.CanInterpolate() {
		pages := first.Pagination.Interpolate()
		batch = make([]*Response[[]T], len(pages))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for i, page := range pages {
			g.Go(func() error {
				// Follow-up pages are never conditional; the first page already
				// told us the collection changed.
				resp, err := Do[[]T](gctx, c, Request{Method: http.MethodGet, Path: page.String()}, cred)
				if err != nil {
					return err
				}
				batch[i] = resp
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		current := first
		for current.Pagination != nil && current.Pagination.Next != nil {
			next, err := Do[[]T](ctx, c, Request{Method: http.MethodGet, Path: current.Pagination.Next.String()}, cred)
			if err != nil {
				return nil, err
			}
			batch = append(batch, next)
			current = next
		}
	}

	total := len(first.Result)
	for _, resp := range batch {
		total += len(resp.Result)
	}
	items := make([]T, 0, total)
	items = append(items, first.Result...)
	rateLimit := first.RateLimit
	for _, resp := range batch {
		items = append(items, resp.Result...)
		rateLimit = MergeRateLimits(rateLimit, resp.RateLimit)
	}

	merged := *first
	merged.Result = items
	merged.RateLimit = rateLimit
	return &merged, nil
}

// List issues a collection request and completes it with FetchAll.
func List[T any](ctx context.Context, c *Client, req Request, cred *Credential) (*Response[[]T], error) {
	req.List = true
	first, err := Do[[]T](ctx, c, req, cred)
	if err != nil {
		return nil, err
	}
	return FetchAll(ctx, c, first, cred)
}
