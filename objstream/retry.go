package objstream

import (
	"fmt"
	"math"
	"slices"
	"time"

	"google.golang.org/grpc/codes"
)

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// Operation identifies an RPC category. Each category is bound to exactly one
// RetrySpec when the client is constructed.
type Operation int

const (
	// OpReadObject is the streamed media read.
	OpReadObject Operation = iota

	// OpGetObject reads object metadata.
	OpGetObject

	// OpListObjects fetches one listing page.
	OpListObjects

	// OpWriteObject is an unconditional insert. Not idempotent.
	OpWriteObject

	// OpWriteObjectIfNotExists is an insert guarded by a does-not-exist
	// precondition, which makes it safe to retry.
	OpWriteObjectIfNotExists

	// OpDeleteObject removes an object. Not idempotent: a retried delete
	// can observe its own earlier success as NotFound.
	OpDeleteObject

	numOperations
)

var operationNames = [numOperations]string{
	OpReadObject:             "read_object",
	OpGetObject:              "get_object",
	OpListObjects:            "list_objects",
	OpWriteObject:            "write_object",
	OpWriteObjectIfNotExists: "write_object_if_not_exists",
	OpDeleteObject:           "delete_object",
}

func (op Operation) String() string {
	if op < 0 || op >= numOperations {
		return fmt.Sprintf("operation(%d)", int(op))
	}
	return operationNames[op]
}

// ParseOperation returns the operation with the given name.
func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if n == name {
			return Operation(op), nil
		}
	}
	return 0, fmt.Errorf("objstream: unknown operation %q", name)
}

// Operations returns every operation category.
func Operations() []Operation {
	ops := make([]Operation, numOperations)
	for i := range ops {
		ops[i] = Operation(i)
	}
	return ops
}

// -----------------------------------------------------------------------------
// RetrySpec
// -----------------------------------------------------------------------------

// RetrySpec describes which failures of an operation are retried and on
// what schedule. RetrySpec values are immutable; copy and modify to derive.
type RetrySpec struct {
	// RetryableCodes lists the failure classes that trigger a retry.
	// Empty means every failure is terminal.
	RetryableCodes []codes.Code

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration

	// DelayMultiplier scales the backoff after each retry.
	DelayMultiplier float64

	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration

	// InitialRPCTimeout bounds the first attempt. For streams it is an idle
	// timeout between chunks. Zero means no per-attempt bound.
	InitialRPCTimeout time.Duration

	// RPCTimeoutMultiplier scales the per-attempt timeout after each retry.
	RPCTimeoutMultiplier float64

	// MaxRPCTimeout caps the per-attempt timeout. Zero means no cap.
	MaxRPCTimeout time.Duration

	// TotalTimeout bounds the wall-clock time across all attempts.
	// Zero means no bound.
	TotalTimeout time.Duration

	// MaxAttempts bounds the number of attempts including the first.
	// Zero means bounded only by TotalTimeout.
	MaxAttempts int
}

// Retryable reports whether a failure with the given code may be retried.
func (s RetrySpec) Retryable(code codes.Code) bool {
	return slices.Contains(s.RetryableCodes, code)
}

// Delay returns the backoff before the given retry (1 for the first retry).
// The sequence is InitialDelay * DelayMultiplier^(retry-1), capped at MaxDelay.
func (s RetrySpec) Delay(retry int) time.Duration {
	return capped(s.InitialDelay, s.DelayMultiplier, s.MaxDelay, retry)
}

// RPCTimeout returns the per-attempt timeout for the given attempt (1 for
// the first attempt), following the same multiplicative pattern as Delay.
func (s RetrySpec) RPCTimeout(attempt int) time.Duration {
	return capped(s.InitialRPCTimeout, s.RPCTimeoutMultiplier, s.MaxRPCTimeout, attempt)
}

// Validate reports configuration errors.
func (s RetrySpec) Validate() error {
	switch {
	case s.InitialDelay < 0, s.MaxDelay < 0, s.InitialRPCTimeout < 0,
		s.MaxRPCTimeout < 0, s.TotalTimeout < 0:
		return fmt.Errorf("objstream: retry spec durations must be non-negative")
	case s.DelayMultiplier != 0 && s.DelayMultiplier < 1:
		return fmt.Errorf("objstream: delay multiplier %v must be >= 1", s.DelayMultiplier)
	case s.RPCTimeoutMultiplier != 0 && s.RPCTimeoutMultiplier < 1:
		return fmt.Errorf("objstream: rpc timeout multiplier %v must be >= 1", s.RPCTimeoutMultiplier)
	case s.MaxAttempts < 0:
		return fmt.Errorf("objstream: max attempts %d must be >= 0", s.MaxAttempts)
	}
	return nil
}

// capped computes min(initial * mult^(n-1), limit) without overflowing.
// A multiplier below 1 is treated as 1; a zero limit means no cap.
func capped(initial time.Duration, mult float64, limit time.Duration, n int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if mult < 1 {
		mult = 1
	}
	ceiling := float64(limit)
	if limit <= 0 {
		ceiling = math.MaxInt64
	}
	d := float64(initial)
	for i := 1; i < n && d < ceiling; i++ {
		d *= mult
	}
	if d >= ceiling {
		if limit <= 0 {
			return time.Duration(math.MaxInt64)
		}
		return limit
	}
	return time.Duration(d)
}

// -----------------------------------------------------------------------------
// Default spec table
// -----------------------------------------------------------------------------

// idempotentCodes are retried for operations that are safe to repeat.
var idempotentCodes = []codes.Code{
	codes.ResourceExhausted,
	codes.Unavailable,
	codes.DeadlineExceeded,
	codes.Internal,
	codes.Unknown,
}

// idempotentSpec is the schedule for reads, gets, lists and guarded inserts.
var idempotentSpec = RetrySpec{
	RetryableCodes:       idempotentCodes,
	InitialDelay:         time.Second,
	DelayMultiplier:      2.0,
	MaxDelay:             60 * time.Second,
	InitialRPCTimeout:    60 * time.Second,
	RPCTimeoutMultiplier: 1.0,
	MaxRPCTimeout:        60 * time.Second,
	TotalTimeout:         60 * time.Second,
}

// noRetrySpec fails fast on the first error.
var noRetrySpec = RetrySpec{
	InitialRPCTimeout:    60 * time.Second,
	RPCTimeoutMultiplier: 1.0,
	MaxRPCTimeout:        60 * time.Second,
	TotalTimeout:         60 * time.Second,
	MaxAttempts:          1,
}

var defaultSpecs = [numOperations]RetrySpec{
	OpReadObject:             idempotentSpec,
	OpGetObject:              idempotentSpec,
	OpListObjects:            idempotentSpec,
	OpWriteObject:            noRetrySpec,
	OpWriteObjectIfNotExists: idempotentSpec,
	OpDeleteObject:           noRetrySpec,
}

// SpecFor returns the default RetrySpec bound to op.
// The returned value shares no mutable state with the table.
func SpecFor(op Operation) RetrySpec {
	if op < 0 || op >= numOperations {
		return noRetrySpec
	}
	s := defaultSpecs[op]
	s.RetryableCodes = slices.Clone(s.RetryableCodes)
	return s
}

// specTable is a client's resolved operation → spec binding.
type specTable [numOperations]RetrySpec

func defaultSpecTable() specTable {
	var t specTable
	for _, op := range Operations() {
		t[op] = SpecFor(op)
	}
	return t
}
