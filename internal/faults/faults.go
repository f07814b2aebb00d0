// Package faults wraps an objstream.Backend with deterministic fault
// injection.
//
// Faults come from two sources: scripted errors queued per method with
// FailNext and BreakStream, and random transient failures drawn from a
// seeded generator at a configured rate. Random faults are tagged
// Unavailable unless configured otherwise, so they exercise the client's
// retry and resume paths without touching the wrapped backend.
package faults

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/pithecene-io/objstream/objstream"
)

// Method names a Backend method or the stream Recv.
type Method string

// Methods that faults can target.
const (
	OpenRead     Method = "OpenRead"
	ListObjects  Method = "ListObjects"
	StatObject   Method = "StatObject"
	WriteObject  Method = "WriteObject"
	DeleteObject Method = "DeleteObject"
	Recv         Method = "Recv"
)

// ErrInjected is wrapped by every random fault.
var ErrInjected = errors.New("injected fault")

// Option configures a Backend.
type Option func(*Backend)

// WithRate injects a random fault into each call with probability rate,
// drawn from a generator seeded with seed.
func WithRate(rate float64, seed uint64) Option {
	return func(b *Backend) {
		b.rate = rate
		b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithCode sets the failure class of random faults.
func WithCode(code codes.Code) Option {
	return func(b *Backend) { b.code = code }
}

// WithMethods limits random faults to the given methods. By default only
// OpenRead and Recv fail at random, since writes are not idempotent.
func WithMethods(methods ...Method) Option {
	return func(b *Backend) {
		b.methods = make(map[Method]bool, len(methods))
		for _, m := range methods {
			b.methods[m] = true
		}
	}
}

// Backend is a fault-injecting objstream.Backend.
type Backend struct {
	inner objstream.Backend

	mu       sync.Mutex
	rate     float64
	rng      *rand.Rand
	code     codes.Code
	methods  map[Method]bool
	scripted map[Method][]error
	breaks   []int
	calls    map[Method]int
	injected int
}

// New wraps inner.
func New(inner objstream.Backend, opts ...Option) *Backend {
	b := &Backend{
		inner:    inner,
		code:     codes.Unavailable,
		methods:  map[Method]bool{OpenRead: true, Recv: true},
		scripted: make(map[Method][]error),
		calls:    make(map[Method]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailNext queues errors returned by the next calls to m, one per call.
// A nil entry lets that call through.
func (b *Backend) FailNext(m Method, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripted[m] = append(b.scripted[m], errs...)
}

// BreakStream makes the next opened stream fail with an Unavailable error
// after delivering n chunks. Repeated calls apply to successive streams.
func (b *Backend) BreakStream(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breaks = append(b.breaks, n)
}

// Calls returns how many times m was invoked.
func (b *Backend) Calls(m Method) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[m]
}

// Injected returns how many faults were injected.
func (b *Backend) Injected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.injected
}

// fault records a call and returns the error to inject, if any.
func (b *Backend) fault(m Method) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[m]++
	if q := b.scripted[m]; len(q) > 0 {
		b.scripted[m] = q[1:]
		if q[0] != nil {
			b.injected++
		}
		return q[0]
	}
	if b.rng != nil && b.methods[m] && b.rng.Float64() < b.rate {
		b.injected++
		return objstream.NewError(b.code, fmt.Errorf("%s: %w", m, ErrInjected))
	}
	return nil
}

func (b *Backend) OpenRead(ctx context.Context, req objstream.ReadRequest) (objstream.Stream, error) {
	if err := b.fault(OpenRead); err != nil {
		return nil, err
	}
	s, err := b.inner.OpenRead(ctx, req)
	if err != nil {
		return nil, err
	}

	remaining := -1
	b.mu.Lock()
	if len(b.breaks) > 0 {
		remaining = b.breaks[0]
		b.breaks = b.breaks[1:]
	}
	b.mu.Unlock()

	return &stream{inner: s, b: b, remaining: remaining}, nil
}

func (b *Backend) ListObjects(ctx context.Context, req objstream.ListObjectsRequest) (*objstream.ListObjectsResponse, error) {
	if err := b.fault(ListObjects); err != nil {
		return nil, err
	}
	return b.inner.ListObjects(ctx, req)
}

func (b *Backend) StatObject(ctx context.Context, ref objstream.ObjectRef) (*objstream.ObjectAttrs, error) {
	if err := b.fault(StatObject); err != nil {
		return nil, err
	}
	return b.inner.StatObject(ctx, ref)
}

func (b *Backend) WriteObject(ctx context.Context, req objstream.WriteRequest) (*objstream.ObjectAttrs, error) {
	if err := b.fault(WriteObject); err != nil {
		return nil, err
	}
	return b.inner.WriteObject(ctx, req)
}

func (b *Backend) DeleteObject(ctx context.Context, ref objstream.ObjectRef) error {
	if err := b.fault(DeleteObject); err != nil {
		return err
	}
	return b.inner.DeleteObject(ctx, ref)
}

// stream injects faults between chunks of the wrapped stream.
type stream struct {
	inner     objstream.Stream
	b         *Backend
	remaining int
}

func (s *stream) Recv() (objstream.Chunk, error) {
	if s.remaining == 0 {
		s.b.mu.Lock()
		s.b.calls[Recv]++
		s.b.injected++
		s.b.mu.Unlock()
		return objstream.Chunk{}, objstream.NewError(codes.Unavailable, fmt.Errorf("stream broken: %w", ErrInjected))
	}
	if err := s.b.fault(Recv); err != nil {
		return objstream.Chunk{}, err
	}
	c, err := s.inner.Recv()
	if err == nil && s.remaining > 0 {
		s.remaining--
	}
	return c, err
}

func (s *stream) Close() error {
	return s.inner.Close()
}

var _ objstream.Backend = (*Backend)(nil)
