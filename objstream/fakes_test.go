package objstream

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"
)

// -----------------------------------------------------------------------------
// Fake clock (test-only)
// -----------------------------------------------------------------------------

// fakeClock advances instantly on Sleep and records every requested delay.
// Its timers fire only when the clock is moved past their deadline, by
// Sleep or Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f, active: true}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case !t.active:
		case !t.deadline.After(c.now):
			t.active = false
			due = append(due, t.f)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	for _, f := range due {
		go f()
	}
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Timers returns the number of armed timers.
func (c *fakeClock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.active {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	f        func()
	active   bool
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	was := t.active
	t.deadline = c.now.Add(d)
	if !was {
		t.active = true
		c.timers = append(c.timers, t)
	}
	return was
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

// -----------------------------------------------------------------------------
// Scripted backend (test-only)
// -----------------------------------------------------------------------------
//
// scriptedBackend wraps a Memory backend and scripts the behaviour of each
// read attempt in order. Attempts beyond the script behave normally. It
// records every request it receives so tests can assert resume arithmetic.

// attempt scripts one read attempt.
type attempt struct {
	// openErr fails OpenRead.
	openErr error

	// failAfter delivers this many bytes before failing with err.
	// Negative means never fail.
	failAfter int64
	err       error

	// hang blocks after failAfter bytes until the attempt is cancelled.
	// hanging, when set, is closed as the stream starts to block.
	hang    bool
	hanging chan struct{}

	// corrupt flips the checksum of the first chunk.
	corrupt bool

	// generation overrides the generation of delivered chunks.
	generation int64
}

func failAfter(n int64, code codes.Code) attempt {
	return attempt{failAfter: n, err: NewError(code, errInjected)}
}

type scriptedBackend struct {
	*Memory

	mu       sync.Mutex
	script   []attempt
	requests []ReadRequest
}

var errInjected = &injectedError{}

type injectedError struct{}

func (*injectedError) Error() string { return "injected fault" }

func newScriptedBackend(chunkSize int, script ...attempt) *scriptedBackend {
	return &scriptedBackend{Memory: NewMemory(chunkSize), script: script}
}

func (b *scriptedBackend) OpenRead(ctx context.Context, req ReadRequest) (Stream, error) {
	b.mu.Lock()
	n := len(b.requests)
	b.requests = append(b.requests, req)
	sc, scripted := attempt{failAfter: -1}, n < len(b.script)
	if scripted {
		sc = b.script[n]
	}
	b.mu.Unlock()

	if sc.openErr != nil {
		return nil, sc.openErr
	}
	s, err := b.Memory.OpenRead(ctx, req)
	if err != nil {
		return nil, err
	}
	return &scriptedStream{ctx: ctx, inner: s, script: sc}, nil
}

func (b *scriptedBackend) Requests() []ReadRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ReadRequest(nil), b.requests...)
}

type scriptedStream struct {
	ctx       context.Context
	inner     Stream
	script    attempt
	delivered int64
	chunks    int
}

func (s *scriptedStream) Recv() (Chunk, error) {
	sc := s.script
	if sc.failAfter >= 0 && s.delivered >= sc.failAfter {
		if sc.hang {
			if sc.hanging != nil {
				close(sc.hanging)
				s.script.hanging = nil
			}
			<-s.ctx.Done()
			return Chunk{}, s.ctx.Err()
		}
		return Chunk{}, sc.err
	}

	c, err := s.inner.Recv()
	if err != nil {
		return c, err
	}
	if sc.failAfter >= 0 && s.delivered+c.Size() > sc.failAfter {
		c = ChecksummedChunk(c.Data[:sc.failAfter-s.delivered], c.Generation)
	}
	if sc.generation != 0 {
		c.Generation = sc.generation
	}
	if sc.corrupt && s.chunks == 0 {
		bad := *c.CRC32C ^ 0xffffffff
		c.CRC32C = &bad
	}
	s.delivered += c.Size()
	s.chunks++
	return c, nil
}

func (s *scriptedStream) Close() error {
	return s.inner.Close()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// payload returns n bytes with a recognisable pattern.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// fastSpec retries every idempotent code with a short schedule.
func fastSpec() RetrySpec {
	return RetrySpec{
		RetryableCodes:  []codes.Code{codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Unknown, codes.ResourceExhausted},
		InitialDelay:    10 * time.Millisecond,
		DelayMultiplier: 2,
		MaxDelay:        100 * time.Millisecond,
		TotalTimeout:    time.Minute,
		MaxAttempts:     5,
	}
}

func put(t *testing.T, b Backend, bucket, name string, data []byte) {
	t.Helper()
	_, err := b.WriteObject(t.Context(), WriteRequest{Object: ObjectRef{Bucket: bucket, Name: name}, Data: data})
	if err != nil {
		t.Fatalf("WriteObject(%s/%s) error = %v", bucket, name, err)
	}
}

// newTestClient creates a client with a fake clock and an observed logger.
func newTestClient(t *testing.T, b Backend, opts ...Option) (*Client, *fakeClock, *observer.ObservedLogs) {
	t.Helper()
	clock := newFakeClock()
	core, logs := observer.New(zap.DebugLevel)
	opts = append([]Option{WithClock(clock), WithLogger(zap.New(core))}, opts...)
	c, err := NewClient(b, opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, clock, logs
}

func readAll(t *testing.T, r *ObjectReader) ([]byte, error) {
	t.Helper()
	var buf bytes.Buffer
	_, err := r.WriteTo(&buf)
	return buf.Bytes(), err
}
