package objstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

type readerState int

const (
	stateIdle readerState = iota
	stateStreaming
	stateDone
	stateFailed
	stateClosed
)

// overlapper is implemented by strategies that re-fetch delivered bytes.
type overlapper interface {
	Overlap() int64
}

// fulfiller is implemented by strategies that can tell a bounded read is
// complete from byte counts.
type fulfiller interface {
	Fulfilled(original ReadRequest) bool
}

// ObjectReader is one logical streamed read. It re-opens the underlying
// stream after retryable failures so that the caller sees each byte of the
// requested range exactly once, in order.
//
// An ObjectReader is not safe for concurrent use. Cancelling the context
// passed to Client.Read from another goroutine is the supported way to stop
// a read that is blocked.
type ObjectReader struct {
	backend  Backend
	clock    Clock
	metrics  *Metrics
	logger   *zap.Logger
	spec     RetrySpec
	original ReadRequest
	strategy ResumptionStrategy
	id       string

	ctx    context.Context
	cancel context.CancelFunc

	state   readerState
	err     error
	retry   *retryState
	current ReadRequest

	// Per-attempt state.
	stream        Stream
	attemptCancel context.CancelFunc
	watchdog      Timer
	idle          time.Duration
	timedOut      atomic.Bool
	discard       int64

	generation int64
	delivered  int64
	pending    []byte
}

func newObjectReader(ctx context.Context, c *Client, req ReadRequest) *ObjectReader {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &ObjectReader{
		backend:  c.backend,
		clock:    c.cfg.clock,
		metrics:  c.cfg.metrics,
		spec:     c.cfg.specs[OpReadObject],
		original: req,
		strategy: c.cfg.strategy.CreateNew(),
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		current:  req,
		logger: c.cfg.logger.With(
			zap.String("operation", OpReadObject.String()),
			zap.String("invocation_id", id),
			zap.Stringer("object", req.Object),
		),
	}
}

// InvocationID identifies this logical read in logs.
func (r *ObjectReader) InvocationID() string {
	return r.id
}

// BytesRead returns the number of bytes delivered to the caller.
func (r *ObjectReader) BytesRead() int64 {
	return r.delivered
}

// Attempts returns the number of stream attempts opened so far.
func (r *ObjectReader) Attempts() int {
	if r.retry == nil {
		return 0
	}
	return r.retry.attempts
}

// Next returns the next chunk of the range. It returns io.EOF once the
// range has been delivered in full, and a *RetryError on terminal failure.
// Chunk data is owned by the caller.
func (r *ObjectReader) Next() (Chunk, error) {
	for {
		switch r.state {
		case stateDone:
			return Chunk{}, io.EOF
		case stateFailed:
			return Chunk{}, r.err
		case stateClosed:
			return Chunk{}, ErrClosed
		}

		if r.retry == nil {
			r.retry = newRetryState(OpReadObject, r.spec, r.clock)
		}
		if err := r.ctx.Err(); err != nil {
			return Chunk{}, r.terminate(r.retry.fail(err, false))
		}

		if r.stream == nil {
			if err := r.open(); err != nil {
				if err := r.resume(err); err != nil {
					return Chunk{}, err
				}
				continue
			}
		}

		c, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			r.complete()
			return Chunk{}, io.EOF
		}
		if err != nil {
			if err := r.resume(err); err != nil {
				return Chunk{}, err
			}
			continue
		}

		c, ok, err := r.accept(c)
		if err != nil {
			return Chunk{}, err
		}
		if ok {
			return c, nil
		}
	}
}

// open starts a stream attempt for the current request.
func (r *ObjectReader) open() error {
	r.retry.begin()
	r.metrics.attempt(OpReadObject)
	r.state = stateStreaming

	actx, cancel := context.WithCancel(r.ctx)
	r.attemptCancel = cancel
	r.timedOut.Store(false)
	r.idle = r.retry.attemptTimeout()
	if r.idle > 0 {
		r.watchdog = r.clock.AfterFunc(r.idle, func() {
			r.timedOut.Store(true)
			cancel()
		})
	}

	s, err := r.backend.OpenRead(actx, r.current)
	if err != nil {
		return err
	}
	r.stream = s
	return nil
}

// accept validates a received chunk, trims re-fetched bytes and records
// progress. ok is false when nothing of the chunk is left to deliver.
func (r *ObjectReader) accept(c Chunk) (Chunk, bool, error) {
	r.kick()

	if c.CRC32C != nil {
		if got := CRC32C(c.Data); got != *c.CRC32C {
			err := NewError(codes.DataLoss, fmt.Errorf("chunk at offset %d: crc32c %08x, want %08x",
				r.current.ReadOffset, got, *c.CRC32C))
			return Chunk{}, false, r.terminate(r.retry.fail(err, false))
		}
	}

	if c.Generation != 0 {
		switch {
		case r.generation == 0:
			r.generation = c.Generation
		case r.generation != c.Generation:
			err := NewError(codes.Aborted, fmt.Errorf("object generation changed from %d to %d",
				r.generation, c.Generation))
			return Chunk{}, false, r.terminate(r.retry.fail(err, false))
		}
	}

	if r.discard > 0 {
		n := min(r.discard, c.Size())
		r.discard -= n
		r.metrics.dropped(n)
		c.Data = c.Data[n:]
		c.CRC32C = nil
		if n > 0 && len(c.Data) == 0 {
			return Chunk{}, false, nil
		}
	}

	if r.original.Bounded() && r.delivered+c.Size() > r.original.ReadLimit {
		err := fmt.Errorf("%w: chunk of %d bytes after %d delivered exceeds read limit %d",
			ErrInvariantViolation, c.Size(), r.delivered, r.original.ReadLimit)
		r.logger.DPanic("stream exceeded read limit",
			zap.Int64("bytes_delivered", r.delivered),
			zap.Int64("chunk_size", c.Size()),
			zap.Int64("read_limit", r.original.ReadLimit),
		)
		return Chunk{}, false, r.terminate(r.retry.fail(err, false))
	}

	c = r.strategy.ProcessResponse(c)
	r.delivered += c.Size()
	return c, true, nil
}

// kick resets the idle watchdog after progress.
func (r *ObjectReader) kick() {
	if r.watchdog != nil {
		r.watchdog.Reset(r.idle)
	}
}

// attemptErr reports a watchdog expiry as DeadlineExceeded.
func (r *ObjectReader) attemptErr(err error) error {
	if r.timedOut.Load() && r.ctx.Err() == nil {
		return NewError(codes.DeadlineExceeded, fmt.Errorf("no data within %s: %w", r.idle, err))
	}
	return err
}

// stopAttempt releases the current attempt, if any.
func (r *ObjectReader) stopAttempt() {
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
	if r.stream != nil {
		_ = r.stream.Close()
		r.stream = nil
	}
	if r.attemptCancel != nil {
		r.attemptCancel()
		r.attemptCancel = nil
	}
}

// resume handles a failed attempt. It returns nil when the read should
// continue (a resumed attempt, or a fulfilled read now in stateDone) and
// the terminal error otherwise.
func (r *ObjectReader) resume(cause error) error {
	cause = r.attemptErr(cause)
	r.stopAttempt()

	if err := r.ctx.Err(); err != nil {
		return r.terminate(r.retry.fail(err, false))
	}
	if !r.strategy.CanResume() {
		return r.terminate(r.retry.fail(cause, false))
	}

	// A bounded read that already delivered its limit is complete even if
	// the service failed before signalling the end of the stream.
	if f, ok := r.strategy.(fulfiller); ok && r.spec.Retryable(CodeOf(cause)) && f.Fulfilled(r.original) {
		r.complete()
		return nil
	}

	delay, terr := r.retry.backoff(cause)
	if terr != nil {
		return r.terminate(terr)
	}

	next, err := r.strategy.ResumeRequest(r.original)
	if err != nil {
		r.logger.DPanic("resumption state inconsistent",
			zap.Int64("bytes_delivered", r.delivered),
			zap.Int64("read_limit", r.original.ReadLimit),
			zap.Error(err),
		)
		return r.terminate(r.retry.fail(err, false))
	}

	code := CodeOf(cause)
	r.metrics.retry(OpReadObject, code, delay)
	r.logger.Warn("resuming read",
		zap.Int("attempt", r.retry.attempts),
		zap.Stringer("code", code),
		zap.Duration("delay", delay),
		zap.Int64("offset", next.ReadOffset),
		zap.Int64("limit", next.ReadLimit),
		zap.Error(cause),
	)

	if err := r.clock.Sleep(r.ctx, delay); err != nil {
		return r.terminate(r.retry.fail(err, false))
	}
	if r.retry.expired() {
		return r.terminate(r.retry.fail(cause, true))
	}

	if next.ReadOffset != r.original.ReadOffset {
		r.metrics.resumed()
	}
	r.current = next
	r.discard = 0
	if o, ok := r.strategy.(overlapper); ok {
		r.discard = o.Overlap()
	}
	return nil
}

// complete ends the read successfully.
func (r *ObjectReader) complete() {
	r.stopAttempt()
	r.state = stateDone
	r.strategy = nil
	r.cancel()
	r.metrics.done(OpReadObject, codes.OK)
}

// terminate ends the read with err.
func (r *ObjectReader) terminate(err *RetryError) error {
	r.stopAttempt()
	r.state = stateFailed
	r.err = err
	r.strategy = nil
	r.cancel()

	code := CodeOf(err)
	r.metrics.done(OpReadObject, code)
	r.logger.Debug("read failed",
		zap.Int("attempts", err.Attempts),
		zap.Duration("elapsed", err.Elapsed),
		zap.Bool("exhausted", err.Exhausted),
		zap.Int64("bytes_delivered", r.delivered),
		zap.Stringer("code", code),
		zap.Error(err.Err),
	)
	return err
}

// Read implements io.Reader over the chunk sequence.
func (r *ObjectReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		c, err := r.Next()
		if err != nil {
			return 0, err
		}
		r.pending = c.Data
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, writing each chunk without copying.
func (r *ObjectReader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(r.pending) > 0 {
		n, err := w.Write(r.pending)
		total += int64(n)
		r.pending = r.pending[n:]
		if err != nil {
			return total, err
		}
	}
	for {
		c, err := r.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(c.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// All returns an iterator over the chunk payloads. The reader is closed when
// iteration stops. A terminal failure is yielded once as the final element.
func (r *ObjectReader) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer func() { _ = r.Close() }()
		for {
			c, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(c.Data, nil) {
				return
			}
		}
	}
}

// Close abandons the read and releases the open stream. It is safe to call
// more than once. Close after completion or failure is a no-op.
func (r *ObjectReader) Close() error {
	switch r.state {
	case stateDone, stateFailed, stateClosed:
		return nil
	}
	r.state = stateClosed
	r.stopAttempt()
	r.strategy = nil
	r.cancel()
	if r.retry != nil {
		r.metrics.done(OpReadObject, codes.Canceled)
	}
	return nil
}

var (
	_ io.ReadCloser = (*ObjectReader)(nil)
	_ io.WriterTo   = (*ObjectReader)(nil)
)
