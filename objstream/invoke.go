package objstream

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// retryState tracks the attempts of one logical operation against its spec.
type retryState struct {
	op       Operation
	spec     RetrySpec
	clock    Clock
	start    time.Time
	attempts int
}

func newRetryState(op Operation, spec RetrySpec, clock Clock) *retryState {
	return &retryState{op: op, spec: spec, clock: clock, start: clock.Now()}
}

// begin records the start of an attempt.
func (r *retryState) begin() {
	r.attempts++
}

func (r *retryState) elapsed() time.Duration {
	return r.clock.Now().Sub(r.start)
}

// attemptTimeout returns the bound for the current attempt: the RetrySpec
// per-attempt timeout, clipped to what remains of the total budget.
// Zero means unbounded.
func (r *retryState) attemptTimeout() time.Duration {
	t := r.spec.RPCTimeout(r.attempts)
	if r.spec.TotalTimeout > 0 {
		remaining := r.spec.TotalTimeout - r.elapsed()
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		if t == 0 || remaining < t {
			t = remaining
		}
	}
	return t
}

// backoff decides whether the current attempt's failure may be retried.
// It returns the delay before the next attempt, or the terminal error.
func (r *retryState) backoff(err error) (time.Duration, *RetryError) {
	if !r.spec.Retryable(CodeOf(err)) {
		return 0, r.fail(err, false)
	}
	if r.spec.MaxAttempts > 0 && r.attempts >= r.spec.MaxAttempts {
		return 0, r.fail(err, true)
	}
	delay := r.spec.Delay(r.attempts)
	if r.spec.TotalTimeout > 0 && r.elapsed()+delay >= r.spec.TotalTimeout {
		return 0, r.fail(err, true)
	}
	return delay, nil
}

// expired reports whether the total budget is used up. It is checked after
// every backoff, before the next attempt starts.
func (r *retryState) expired() bool {
	return r.spec.TotalTimeout > 0 && r.elapsed() >= r.spec.TotalTimeout
}

func (r *retryState) fail(err error, exhausted bool) *RetryError {
	return &RetryError{
		Op:        r.op,
		Attempts:  r.attempts,
		Elapsed:   r.elapsed(),
		Exhausted: exhausted,
		Err:       err,
	}
}

// withTimeout derives an attempt context; d <= 0 means no deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// invoke runs a unary call under the retry spec bound to op.
func invoke[T any](ctx context.Context, c *Client, op Operation, call func(context.Context) (T, error)) (T, error) {
	var zero T
	rs := newRetryState(op, c.cfg.specs[op], c.cfg.clock)
	log := c.cfg.logger.With(
		zap.String("operation", op.String()),
		zap.String("invocation_id", uuid.NewString()),
	)

	for {
		rs.begin()
		c.cfg.metrics.attempt(op)

		actx, cancel := withTimeout(ctx, rs.attemptTimeout())
		v, err := call(actx)
		cancel()
		if err == nil {
			c.cfg.metrics.done(op, codes.OK)
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, c.finish(log, rs.fail(ctxErr, false))
		}

		delay, terr := rs.backoff(err)
		if terr != nil {
			return zero, c.finish(log, terr)
		}

		code := CodeOf(err)
		c.cfg.metrics.retry(op, code, delay)
		log.Warn("retrying",
			zap.Int("attempt", rs.attempts),
			zap.Stringer("code", code),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := c.cfg.clock.Sleep(ctx, delay); err != nil {
			return zero, c.finish(log, rs.fail(err, false))
		}
		if rs.expired() {
			return zero, c.finish(log, rs.fail(err, true))
		}
	}
}

// finish records and logs a terminal failure.
func (c *Client) finish(log *zap.Logger, err *RetryError) *RetryError {
	code := CodeOf(err)
	c.cfg.metrics.done(err.Op, code)
	log.Debug("operation failed",
		zap.Int("attempts", err.Attempts),
		zap.Duration("elapsed", err.Elapsed),
		zap.Bool("exhausted", err.Exhausted),
		zap.Stringer("code", code),
		zap.Error(err.Err),
	)
	return err
}
