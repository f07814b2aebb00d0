package objstream

import "fmt"

// ResumptionStrategy tracks the progress of one logical streamed read and
// derives the request that continues it after a failure.
//
// A strategy instance belongs to exactly one logical read. Use CreateNew to
// obtain a zeroed instance for each new read; instances must never be
// shared between reads, including concurrent reads of the same range.
type ResumptionStrategy interface {
	// CanResume reports whether this stream kind supports resumption.
	// When false, the caller must not retry a failed stream.
	CanResume() bool

	// CreateNew returns a fresh, zeroed strategy of the same kind.
	CreateNew() ResumptionStrategy

	// ProcessResponse records a chunk before it is handed to the caller.
	// It is called exactly once per chunk, in delivery order, and returns
	// the chunk unchanged.
	ProcessResponse(c Chunk) Chunk

	// ResumeRequest derives the request that continues original after a
	// stream failure. It does not modify the strategy.
	ResumeRequest(original ReadRequest) (ReadRequest, error)
}

// ResumePolicy selects where a resumed read restarts.
type ResumePolicy int

const (
	// ResumeFromDelivered restarts immediately after the last byte handed
	// to the caller. No byte is fetched twice.
	ResumeFromDelivered ResumePolicy = iota

	// ResumeFromLastChunk restarts at the first byte of the last delivered
	// chunk, re-fetching it. The reader drops the Overlap bytes before
	// delivery, so callers still see every byte exactly once. Use it when
	// the last chunk may not have reached a durable sink.
	ResumeFromLastChunk
)

func (p ResumePolicy) String() string {
	switch p {
	case ResumeFromDelivered:
		return "delivered"
	case ResumeFromLastChunk:
		return "last-chunk"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseResumePolicy returns the policy with the given name.
func ParseResumePolicy(name string) (ResumePolicy, error) {
	for _, p := range []ResumePolicy{ResumeFromDelivered, ResumeFromLastChunk} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("objstream: unknown resume policy %q", name)
}

// ReadObjectResumption is the ResumptionStrategy for object media reads.
type ReadObjectResumption struct {
	policy ResumePolicy

	// bytesProcessed counts bytes delivered across all attempts.
	bytesProcessed int64

	// lastAttemptStart is bytesProcessed as of the last ProcessResponse
	// call, i.e. the start of the last delivered chunk.
	lastAttemptStart int64

	// generation is the first non-zero generation observed.
	generation int64
}

// NewReadObjectResumption returns a zeroed strategy using policy.
func NewReadObjectResumption(policy ResumePolicy) *ReadObjectResumption {
	return &ReadObjectResumption{policy: policy}
}

// CanResume reports true; object media reads always support resumption.
func (s *ReadObjectResumption) CanResume() bool {
	return true
}

// CreateNew returns a fresh strategy with the same policy.
func (s *ReadObjectResumption) CreateNew() ResumptionStrategy {
	return NewReadObjectResumption(s.policy)
}

// ProcessResponse advances the tracked progress by the chunk size.
func (s *ReadObjectResumption) ProcessResponse(c Chunk) Chunk {
	s.lastAttemptStart = s.bytesProcessed
	s.bytesProcessed += c.Size()
	if s.generation == 0 && c.Generation != 0 {
		s.generation = c.Generation
	}
	return c
}

// ResumeRequest derives the continuation of original.
//
// The resumed request starts at ReadOffset plus the resume point and, for a
// bounded read, has ReadLimit reduced by that same resume point. The resume
// point is BytesProcessed under ResumeFromDelivered and LastAttemptStart
// under ResumeFromLastChunk, so the continuation always ends where the
// original range ends.
//
// It returns original unmodified when nothing was delivered yet, and when a
// bounded read has already delivered exactly ReadLimit bytes (see
// Fulfilled). A bounded read that delivered more than ReadLimit bytes
// returns ErrInvariantViolation.
func (s *ReadObjectResumption) ResumeRequest(original ReadRequest) (ReadRequest, error) {
	if s.lastAttemptStart == 0 && s.bytesProcessed == 0 {
		return original, nil
	}
	if original.Bounded() {
		if s.bytesProcessed == original.ReadLimit {
			return original, nil
		}
		if s.bytesProcessed > original.ReadLimit {
			return ReadRequest{}, fmt.Errorf("%w: %d bytes processed exceeds read limit %d",
				ErrInvariantViolation, s.bytesProcessed, original.ReadLimit)
		}
	}

	resumeAt := s.bytesProcessed
	if s.policy == ResumeFromLastChunk {
		resumeAt = s.lastAttemptStart
	}

	next := original
	next.ReadOffset = original.ReadOffset + resumeAt
	if original.Bounded() {
		next.ReadLimit = original.ReadLimit - resumeAt
	}
	if next.Object.Generation == 0 && s.generation != 0 {
		next.Object.Generation = s.generation
	}
	return next, nil
}

// Fulfilled reports whether a bounded read has delivered its full limit.
// A fulfilled read needs no further streaming.
func (s *ReadObjectResumption) Fulfilled(original ReadRequest) bool {
	return original.Bounded() && s.bytesProcessed == original.ReadLimit
}

// Overlap returns how many leading bytes of a resumed stream were already
// delivered and must be dropped. It is non-zero only for ResumeFromLastChunk.
func (s *ReadObjectResumption) Overlap() int64 {
	if s.policy != ResumeFromLastChunk {
		return 0
	}
	return s.bytesProcessed - s.lastAttemptStart
}

// BytesProcessed returns the number of bytes delivered so far.
func (s *ReadObjectResumption) BytesProcessed() int64 {
	return s.bytesProcessed
}

// LastAttemptStart returns the progress value at the start of the last
// delivered chunk.
func (s *ReadObjectResumption) LastAttemptStart() int64 {
	return s.lastAttemptStart
}

// Generation returns the first non-zero generation observed, or zero.
func (s *ReadObjectResumption) Generation() int64 {
	return s.generation
}

// Policy returns the strategy's resume policy.
func (s *ReadObjectResumption) Policy() ResumePolicy {
	return s.policy
}

var _ ResumptionStrategy = (*ReadObjectResumption)(nil)
