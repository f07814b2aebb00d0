package objstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"tagged", NewError(codes.ResourceExhausted, errors.New("slow down")), codes.ResourceExhausted},
		{"wrapped tagged", fmt.Errorf("ctx: %w", NewError(codes.Internal, errors.New("x"))), codes.Internal},
		{"grpc status", status.Error(codes.Unavailable, "gone"), codes.Unavailable},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"not found", fmt.Errorf("x: %w", ErrNotFound), codes.NotFound},
		{"exists", ErrObjectExists, codes.FailedPrecondition},
		{"invalid", ErrInvalidRequest, codes.InvalidArgument},
		{"invariant", ErrInvariantViolation, codes.Internal},
		{"closed", ErrClosed, codes.Canceled},
		{"unexpected eof", io.ErrUnexpectedEOF, codes.Unavailable},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, codes.Unavailable},
		{"net timeout", timeoutErr{}, codes.DeadlineExceeded},
		{"other", errors.New("mystery"), codes.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewError_Nil(t *testing.T) {
	if err := NewError(codes.Internal, nil); err != nil {
		t.Errorf("NewError(nil) = %v, want nil", err)
	}
}

func TestError_GRPCStatus(t *testing.T) {
	err := NewError(codes.DataLoss, errors.New("bad crc"))
	if got := status.Code(err); got != codes.DataLoss {
		t.Errorf("status.Code() = %s, want DataLoss", got)
	}
}

func TestRetryError_Message(t *testing.T) {
	err := &RetryError{
		Op:        OpReadObject,
		Attempts:  3,
		Elapsed:   1500 * time.Millisecond,
		Exhausted: true,
		Err:       NewError(codes.Unavailable, errInjected),
	}
	msg := err.Error()
	for _, want := range []string{"read_object", "retries exhausted", "3 attempt(s)", "1.5s", "injected fault"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if CodeOf(err) != codes.Unavailable {
		t.Errorf("CodeOf(RetryError) = %s, want Unavailable", CodeOf(err))
	}
}
