// Package objstream provides resumable streaming reads, retry policies, and
// paged listings for object storage systems.
//
// The central piece is the ObjectReader: it reads a byte range of an object
// as a sequence of chunks and, when the transport fails with a retryable
// code, re-issues the read from the last delivered position without handing
// the caller any byte twice and without exceeding the requested limit.
// Listings follow the same "continue from the last known position" shape
// using opaque page tokens.
//
// Transports are pluggable through the Backend interface. This package ships
// in-memory and filesystem backends; S3 and GCS backends live in the s3 and
// gcs subpackages.
package objstream

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// ObjectRef identifies an object within a bucket.
type ObjectRef struct {
	// Bucket is the bucket name.
	Bucket string

	// Name is the object name (key).
	Name string

	// Generation pins a specific object version. Zero means latest.
	Generation int64
}

// String returns the ref as "bucket/name", with "#generation" when pinned.
func (r ObjectRef) String() string {
	s := r.Bucket + "/" + r.Name
	if r.Generation != 0 {
		s += "#" + strconv.FormatInt(r.Generation, 10)
	}
	return s
}

// Conditions are read preconditions evaluated by the service.
// They are echoed unchanged into every resumed request.
type Conditions struct {
	// IfGenerationMatch makes the read fail unless the object's generation matches.
	IfGenerationMatch int64

	// IfMetagenerationMatch makes the read fail unless the metageneration matches.
	IfMetagenerationMatch int64
}

// ReadRequest describes a ranged read of a single object.
//
// ReadRequest is treated as immutable; resumption derives new values and
// never mutates the original.
type ReadRequest struct {
	// Object is the target object.
	Object ObjectRef

	// ReadOffset is the first byte to read, relative to the object start.
	ReadOffset int64

	// ReadLimit is the maximum number of bytes to read.
	// Zero or negative means unbounded (read to the end of the object).
	ReadLimit int64

	// Conditions are preconditions carried through resumption.
	Conditions Conditions

	// Headers are opaque per-request values carried through resumption.
	Headers map[string]string
}

// Bounded reports whether the request carries a positive read limit.
func (r ReadRequest) Bounded() bool {
	return r.ReadLimit > 0
}

// Chunk is a contiguous slice of object bytes delivered on a read stream.
type Chunk struct {
	// Data holds the chunk bytes.
	Data []byte

	// CRC32C is the Castagnoli checksum of Data when the service supplies one.
	CRC32C *uint32

	// Generation is the object generation reported by the service.
	// Zero when the backend has no generation concept.
	Generation int64
}

// Size returns the number of bytes in the chunk.
func (c Chunk) Size() int64 {
	return int64(len(c.Data))
}

// ObjectAttrs describes a stored object.
type ObjectAttrs struct {
	Bucket      string    `json:"bucket"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Generation  int64     `json:"generation,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Updated     time.Time `json:"updated"`
	CRC32C      uint32    `json:"crc32c,omitempty"`
}

// ListObjectsRequest requests one page of object metadata.
type ListObjectsRequest struct {
	// Bucket is the bucket to list.
	Bucket string

	// Prefix restricts results to names with this prefix.
	Prefix string

	// Delimiter, when set, groups names sharing a prefix up to the
	// delimiter into Prefixes instead of Objects.
	Delimiter string

	// PageSize is the maximum number of entries per page. Zero lets the
	// backend choose.
	PageSize int

	// PageToken continues a previous listing. Empty starts from the beginning.
	PageToken string
}

// ListObjectsResponse is one page of a listing.
type ListObjectsResponse struct {
	// Objects holds the page's objects in name order.
	Objects []ObjectAttrs

	// Prefixes holds grouped prefixes when a delimiter was requested.
	Prefixes []string

	// NextPageToken continues the listing. Empty means no more pages.
	NextPageToken string
}

// WriteRequest uploads a complete object.
type WriteRequest struct {
	// Object is the destination. Generation is ignored.
	Object ObjectRef

	// Data is the full object payload.
	Data []byte

	// ContentType is stored with the object when non-empty.
	ContentType string

	// IfNotExists makes the write fail with ErrObjectExists when the
	// object already exists. It is what makes retrying an insert safe.
	IfNotExists bool
}

// -----------------------------------------------------------------------------
// Transport interfaces
// -----------------------------------------------------------------------------

// Stream is a single server-streamed read attempt.
type Stream interface {
	// Recv returns the next chunk. It returns io.EOF when the service
	// signals the end of the stream; any other error fails the attempt.
	Recv() (Chunk, error)

	// Close releases the attempt. Close after a failed Recv is allowed.
	Close() error
}

// Backend abstracts the object storage service.
//
// Implementations tag failures with NewError so that retry decisions can be
// made on failure class rather than on backend-specific error types.
// Backends must not retry on their own.
type Backend interface {
	// OpenRead starts a streamed read of req.
	OpenRead(ctx context.Context, req ReadRequest) (Stream, error)

	// ListObjects returns one page of object metadata.
	ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error)

	// StatObject returns the attributes of an object.
	StatObject(ctx context.Context, ref ObjectRef) (*ObjectAttrs, error)

	// WriteObject uploads a complete object.
	WriteObject(ctx context.Context, req WriteRequest) (*ObjectAttrs, error)

	// DeleteObject removes an object. Missing objects return ErrNotFound.
	DeleteObject(ctx context.Context, ref ObjectRef) error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates the object or bucket does not exist.
	ErrNotFound = errNotFound{}

	// ErrObjectExists indicates a conditional write found an existing object.
	ErrObjectExists = errObjectExists{}

	// ErrInvalidRequest indicates a malformed request (negative offset,
	// empty object name, escaping path).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvariantViolation indicates resumption state that cannot occur
	// if the service honors the read limit. It is never retried.
	ErrInvariantViolation = errors.New("internal invariant violation")

	// ErrClosed indicates use of a reader after Close.
	ErrClosed = errors.New("reader closed")
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errObjectExists struct{}

func (errObjectExists) Error() string { return "object exists" }
