package objstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a backend failure tagged with its failure class.
type Error struct {
	// Code is the failure class.
	Code codes.Code

	// Err is the underlying cause.
	Err error
}

// NewError tags err with a failure class. A nil err yields nil.
func NewError(code codes.Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError and status.Code see the failure class.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Err.Error())
}

// CodeOf classifies err into a failure class.
//
// Classification order: tagged *Error, gRPC status errors, context errors,
// package sentinels, truncated bodies and network errors. Anything else is
// codes.Unknown.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrObjectExists):
		return codes.FailedPrecondition
	case errors.Is(err, ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, ErrInvariantViolation):
		return codes.Internal
	case errors.Is(err, ErrClosed):
		return codes.Canceled
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return codes.Unavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return codes.DeadlineExceeded
		}
		return codes.Unavailable
	}

	return codes.Unknown
}

// RetryError is the terminal failure of an operation after retry handling.
//
// Every failure of a started operation is a *RetryError; the underlying
// cause is available through errors.Is / errors.As. Requests rejected
// before any attempt wrap ErrInvalidRequest instead.
type RetryError struct {
	// Op is the operation that failed.
	Op Operation

	// Attempts is the number of attempts made, including the first.
	Attempts int

	// Elapsed is the wall-clock time from the first attempt to the failure.
	Elapsed time.Duration

	// Exhausted reports that the last failure was retryable but the
	// attempt or time budget ran out.
	Exhausted bool

	// Err is the last underlying failure.
	Err error
}

func (e *RetryError) Error() string {
	reason := "failed"
	if e.Exhausted {
		reason = "retries exhausted"
	}
	return fmt.Sprintf("objstream: %s %s after %d attempt(s) in %s: %v",
		e.Op, reason, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
