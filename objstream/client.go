package objstream

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"
)

// Client wraps a Backend with resumable reads, per-operation retry
// handling and paged listings.
//
// A Client is safe for concurrent use. Each read it opens owns its own
// resumption state; an ObjectReader itself is not safe for concurrent use.
type Client struct {
	backend Backend
	cfg     clientConfig
}

// NewClient creates a client over backend.
func NewClient(backend Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("objstream: backend is required")
	}

	cfg := clientConfig{
		specs:  defaultSpecTable(),
		logger: zap.NewNop(),
		clock:  systemClock{},
		policy: ResumeFromDelivered,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyClient(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.strategy == nil {
		cfg.strategy = NewReadObjectResumption(cfg.policy)
	}

	return &Client{backend: backend, cfg: cfg}, nil
}

// Spec returns the RetrySpec bound to op on this client.
func (c *Client) Spec(op Operation) RetrySpec {
	if op < 0 || op >= numOperations {
		return noRetrySpec
	}
	return c.cfg.specs[op]
}

// ReadObject opens a resumable read of limit bytes of ref starting at offset.
// A limit of zero or less reads to the end of the object.
func (c *Client) ReadObject(ctx context.Context, ref ObjectRef, offset, limit int64) (*ObjectReader, error) {
	return c.Read(ctx, ReadRequest{Object: ref, ReadOffset: offset, ReadLimit: limit})
}

// Read opens a resumable read of req. No request is sent until the first
// call to Next or Read on the returned reader.
func (c *Client) Read(ctx context.Context, req ReadRequest) (*ObjectReader, error) {
	if err := validateRef(req.Object); err != nil {
		return nil, err
	}
	if req.ReadOffset < 0 {
		return nil, fmt.Errorf("objstream: negative read offset %d: %w", req.ReadOffset, ErrInvalidRequest)
	}
	return newObjectReader(ctx, c, req), nil
}

// ListObjects iterates over every object matching req, fetching pages
// lazily. Each page fetch is retried under the list_objects spec.
func (c *Client) ListObjects(ctx context.Context, req ListObjectsRequest, opts ...PageOption) iter.Seq2[ObjectAttrs, error] {
	return ListPaged(ctx, c.listPage, ListObjectsCursor, req, opts...)
}

// ListObjectPages iterates over listing pages, including grouped prefixes.
func (c *Client) ListObjectPages(ctx context.Context, req ListObjectsRequest, opts ...PageOption) iter.Seq2[*ListObjectsResponse, error] {
	return Pages(ctx, c.listPage, ListObjectsCursor, req, opts...)
}

func (c *Client) listPage(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error) {
	if req.Bucket == "" {
		return nil, fmt.Errorf("objstream: empty bucket: %w", ErrInvalidRequest)
	}
	return invoke(ctx, c, OpListObjects, func(ctx context.Context) (*ListObjectsResponse, error) {
		return c.backend.ListObjects(ctx, req)
	})
}

// Stat returns the attributes of ref.
func (c *Client) Stat(ctx context.Context, ref ObjectRef) (*ObjectAttrs, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	return invoke(ctx, c, OpGetObject, func(ctx context.Context) (*ObjectAttrs, error) {
		return c.backend.StatObject(ctx, ref)
	})
}

// Write uploads req. Guarded inserts (IfNotExists) are retried under the
// write_object_if_not_exists spec; unconditional ones are not retried by
// default.
func (c *Client) Write(ctx context.Context, req WriteRequest) (*ObjectAttrs, error) {
	if err := validateRef(req.Object); err != nil {
		return nil, err
	}
	op := OpWriteObject
	if req.IfNotExists {
		op = OpWriteObjectIfNotExists
	}
	return invoke(ctx, c, op, func(ctx context.Context) (*ObjectAttrs, error) {
		return c.backend.WriteObject(ctx, req)
	})
}

// Delete removes ref.
func (c *Client) Delete(ctx context.Context, ref ObjectRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	_, err := invoke(ctx, c, OpDeleteObject, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.backend.DeleteObject(ctx, ref)
	})
	return err
}

func validateRef(ref ObjectRef) error {
	if ref.Bucket == "" {
		return fmt.Errorf("objstream: empty bucket: %w", ErrInvalidRequest)
	}
	if ref.Name == "" {
		return fmt.Errorf("objstream: empty object name: %w", ErrInvalidRequest)
	}
	return nil
}
