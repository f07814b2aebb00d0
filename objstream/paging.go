package objstream

import (
	"context"
	"iter"
)

// PageCursor teaches the generic pager how to page one request/response
// pair. InjectToken derives the request for a page token without mutating
// its argument. InjectPageSize may be nil when the request has no size.
type PageCursor[Req, Resp, Item any] struct {
	InjectToken      func(req Req, token string) Req
	InjectPageSize   func(req Req, size int) Req
	ExtractPageSize  func(req Req) int
	ExtractNextToken func(resp Resp) string
	ExtractItems     func(resp Resp) []Item
}

// PageFunc fetches one page.
type PageFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// PageOption configures Pages and ListPaged.
type PageOption func(*pageConfig)

type pageConfig struct {
	pageSize int
	prefetch int
}

// WithPageSize overrides the page size carried by the request.
func WithPageSize(n int) PageOption {
	return func(c *pageConfig) {
		c.pageSize = n
	}
}

// WithPrefetch fetches up to n pages ahead of the consumer on a separate
// goroutine. Zero (the default) fetches each page on demand.
func WithPrefetch(n int) PageOption {
	return func(c *pageConfig) {
		c.prefetch = n
	}
}

// Pages iterates over the pages produced by repeatedly calling call.
//
// The first page is fetched with req. Each following page is fetched with
// InjectToken(req, token) where token is the previous page's next token;
// iteration ends after the first page with an empty token. A failed fetch
// is yielded once and ends iteration. Pages are fetched lazily, so a
// consumer that stops early causes no further calls.
func Pages[Req, Resp, Item any](ctx context.Context, call PageFunc[Req, Resp], cursor PageCursor[Req, Resp, Item], req Req, opts ...PageOption) iter.Seq2[Resp, error] {
	var cfg pageConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pageSize > 0 && cursor.InjectPageSize != nil {
		req = cursor.InjectPageSize(req, cfg.pageSize)
	}
	if cfg.prefetch > 0 {
		return prefetchPages(ctx, call, cursor, req, cfg.prefetch)
	}

	return func(yield func(Resp, error) bool) {
		next := req
		for {
			resp, err := call(ctx, next)
			if err != nil {
				var zero Resp
				yield(zero, err)
				return
			}
			if !yield(resp, nil) {
				return
			}
			token := cursor.ExtractNextToken(resp)
			if token == "" {
				return
			}
			next = cursor.InjectToken(req, token)
		}
	}
}

type pageResult[Resp any] struct {
	resp Resp
	err  error
}

func prefetchPages[Req, Resp, Item any](ctx context.Context, call PageFunc[Req, Resp], cursor PageCursor[Req, Resp, Item], req Req, depth int) iter.Seq2[Resp, error] {
	return func(yield func(Resp, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		results := make(chan pageResult[Resp], depth)
		defer func() {
			cancel()
			for range results {
			}
		}()

		go func() {
			defer close(results)
			next := req
			for {
				resp, err := call(ctx, next)
				select {
				case results <- pageResult[Resp]{resp: resp, err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
				token := cursor.ExtractNextToken(resp)
				if token == "" {
					return
				}
				next = cursor.InjectToken(req, token)
			}
		}()

		for r := range results {
			if r.err != nil {
				var zero Resp
				yield(zero, r.err)
				return
			}
			if !yield(r.resp, nil) {
				return
			}
		}
	}
}

// ListPaged iterates over the items of every page, in order.
func ListPaged[Req, Resp, Item any](ctx context.Context, call PageFunc[Req, Resp], cursor PageCursor[Req, Resp, Item], req Req, opts ...PageOption) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for resp, err := range Pages(ctx, call, cursor, req, opts...) {
			if err != nil {
				var zero Item
				yield(zero, err)
				return
			}
			for _, item := range cursor.ExtractItems(resp) {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// ListObjectsCursor pages object listings.
var ListObjectsCursor = PageCursor[ListObjectsRequest, *ListObjectsResponse, ObjectAttrs]{
	InjectToken: func(req ListObjectsRequest, token string) ListObjectsRequest {
		req.PageToken = token
		return req
	},
	InjectPageSize: func(req ListObjectsRequest, size int) ListObjectsRequest {
		req.PageSize = size
		return req
	},
	ExtractPageSize: func(req ListObjectsRequest) int {
		return req.PageSize
	},
	ExtractNextToken: func(resp *ListObjectsResponse) string {
		if resp == nil {
			return ""
		}
		return resp.NextPageToken
	},
	ExtractItems: func(resp *ListObjectsResponse) []ObjectAttrs {
		if resp == nil {
			return nil
		}
		return resp.Objects
	},
}
