// Package s3 provides an S3-compatible Backend for objstream.
//
// This adapter supports AWS S3, MinIO, LocalStack, Cloudflare R2,
// and other S3-compatible object stores.
//
// # Backend Semantics
//
//   - OpenRead: ranged GetObject ("bytes=off-end" or "bytes=off-"), body
//     streamed in fixed-size chunks. A range starting at or past the end of
//     the object (InvalidRange) is an empty stream.
//   - ListObjects: one ListObjectsV2 page per call; the continuation token
//     is the page token.
//   - StatObject: HeadObject.
//   - WriteObject: PutObject, with If-None-Match "*" for guarded writes.
//   - DeleteObject: HeadObject then DeleteObject, so that a missing object
//     reports ErrNotFound.
//
// S3 has no numeric generations. Chunks and attributes report the object's
// last-modified time in nanoseconds as its generation, which lets resumed
// reads detect an object replaced between attempts.
//
// Every failure is tagged with a failure class. The SDK client should be
// built with retries disabled (see NewClient) so that objstream owns them.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"google.golang.org/grpc/codes"

	"github.com/pithecene-io/objstream/objstream"
)

// DefaultChunkSize is the size of chunks cut from a GetObject body.
const DefaultChunkSize = 1 << 20

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing slash added if missing).
	Prefix string

	// ChunkSize is the size of chunks cut from object bodies.
	// Zero selects DefaultChunkSize.
	ChunkSize int
}

// Store implements objstream.Backend using an S3-compatible service.
type Store struct {
	client    API
	prefix    string
	chunkSize int
}

// New creates a new S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use NewClient, or github.com/aws/aws-sdk-go-v2/config directly.
//
// Example:
//
//	client, err := s3store.NewClient(ctx, s3store.ClientConfig{Region: "us-east-1"})
//	store, err := s3store.New(client, s3store.Config{})
//	c, err := objstream.NewClient(store)
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("s3: chunk size %d must be non-negative", cfg.ChunkSize)
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	return &Store{client: client, prefix: prefix, chunkSize: chunkSize}, nil
}

// rangeHeader returns the HTTP Range for a read, or "" for a whole-object read.
// S3 Range header format: "bytes=start-end" (inclusive).
func rangeHeader(req objstream.ReadRequest) string {
	switch {
	case req.Bounded() && req.ReadLimit <= math.MaxInt64-req.ReadOffset:
		return fmt.Sprintf("bytes=%d-%d", req.ReadOffset, req.ReadOffset+req.ReadLimit-1)
	case req.ReadOffset > 0 || req.Bounded():
		return fmt.Sprintf("bytes=%d-", req.ReadOffset)
	default:
		return ""
	}
}

// OpenRead starts a ranged GetObject and streams its body.
func (s *Store) OpenRead(ctx context.Context, req objstream.ReadRequest) (objstream.Stream, error) {
	key, err := s.validateKey(req.Object.Name)
	if err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(req.Object.Bucket),
		Key:    aws.String(key),
	}
	if r := rangeHeader(req); r != "" {
		in.Range = aws.String(r)
	}
	if g := req.Object.Generation; g != 0 {
		// Generations are modification times; an object modified after the
		// pinned one fails the read.
		in.IfUnmodifiedSince = aws.Time(time.Unix(0, g))
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if isInvalidRange(err) {
			return emptyStream{}, nil
		}
		if req.Object.Generation != 0 && isPreconditionFailed(err) {
			return nil, fmt.Errorf("s3: %s: modified since generation: %w", req.Object, objstream.ErrNotFound)
		}
		return nil, classify("get object", req.Object, err)
	}

	var generation int64
	if out.LastModified != nil {
		generation = out.LastModified.UnixNano()
	}
	if g := req.Object.Generation; g != 0 && generation != 0 && generation != g {
		_ = out.Body.Close()
		return nil, fmt.Errorf("s3: %s: generation %d: %w", req.Object, generation, objstream.ErrNotFound)
	}
	if m := req.Conditions.IfGenerationMatch; m != 0 && generation != m {
		_ = out.Body.Close()
		return nil, objstream.NewError(codes.FailedPrecondition,
			fmt.Errorf("s3: %s: generation %d does not match %d", req.Object, generation, m))
	}

	return &bodyStream{
		object:     req.Object,
		body:       out.Body,
		buf:        make([]byte, s.chunkSize),
		generation: generation,
	}, nil
}

// ListObjects returns one ListObjectsV2 page.
func (s *Store) ListObjects(ctx context.Context, req objstream.ListObjectsRequest) (*objstream.ListObjectsResponse, error) {
	prefix, err := s.validatePrefix(req.Prefix)
	if err != nil {
		return nil, err
	}

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(req.Bucket),
		Prefix: aws.String(prefix),
	}
	if req.Delimiter != "" {
		in.Delimiter = aws.String(req.Delimiter)
	}
	if req.PageSize > 0 {
		in.MaxKeys = aws.Int32(int32(min(req.PageSize, 1000)))
	}
	if req.PageToken != "" {
		in.ContinuationToken = aws.String(req.PageToken)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, classify("list objects", objstream.ObjectRef{Bucket: req.Bucket, Name: prefix}, err)
	}

	resp := &objstream.ListObjectsResponse{}
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		resp.Objects = append(resp.Objects, objstream.ObjectAttrs{
			Bucket:     req.Bucket,
			Name:       strings.TrimPrefix(*obj.Key, s.prefix),
			Size:       aws.ToInt64(obj.Size),
			Generation: unixNano(obj.LastModified),
			ETag:       strings.Trim(aws.ToString(obj.ETag), `"`),
			Updated:    aws.ToTime(obj.LastModified),
		})
	}
	for _, p := range out.CommonPrefixes {
		if p.Prefix != nil {
			resp.Prefixes = append(resp.Prefixes, strings.TrimPrefix(*p.Prefix, s.prefix))
		}
	}
	if aws.ToBool(out.IsTruncated) {
		resp.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	return resp, nil
}

// StatObject returns HeadObject metadata.
func (s *Store) StatObject(ctx context.Context, ref objstream.ObjectRef) (*objstream.ObjectAttrs, error) {
	key, err := s.validateKey(ref.Name)
	if err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("head object", ref, err)
	}
	return &objstream.ObjectAttrs{
		Bucket:      ref.Bucket,
		Name:        ref.Name,
		Size:        aws.ToInt64(out.ContentLength),
		Generation:  unixNano(out.LastModified),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
		Updated:     aws.ToTime(out.LastModified),
	}, nil
}

// WriteObject uploads the payload with a single PutObject.
func (s *Store) WriteObject(ctx context.Context, req objstream.WriteRequest) (*objstream.ObjectAttrs, error) {
	key, err := s.validateKey(req.Object.Name)
	if err != nil {
		return nil, err
	}

	in := &s3.PutObjectInput{
		Bucket:            aws.String(req.Object.Bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(req.Data),
		ContentLength:     aws.Int64(int64(len(req.Data))),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32c,
	}
	if req.ContentType != "" {
		in.ContentType = aws.String(req.ContentType)
	}
	if req.IfNotExists {
		in.IfNoneMatch = aws.String("*")
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, fmt.Errorf("s3: %s: %w", req.Object, objstream.ErrObjectExists)
		}
		return nil, classify("put object", req.Object, err)
	}

	return &objstream.ObjectAttrs{
		Bucket:      req.Object.Bucket,
		Name:        req.Object.Name,
		Size:        int64(len(req.Data)),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: req.ContentType,
		Updated:     time.Now().UTC(),
		CRC32C:      objstream.CRC32C(req.Data),
	}, nil
}

// DeleteObject removes an object. S3 deletes are silent for missing keys,
// so existence is checked first.
func (s *Store) DeleteObject(ctx context.Context, ref objstream.ObjectRef) error {
	key, err := s.validateKey(ref.Name)
	if err != nil {
		return err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classify("head object", ref, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classify("delete object", ref, err)
	}
	return nil
}

// validateKey validates and returns the full key for object operations.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("s3: empty key: %w", objstream.ErrInvalidRequest)
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("s3: key %q: %w", key, objstream.ErrInvalidRequest)
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", fmt.Errorf("s3: key %q: %w", key, objstream.ErrInvalidRequest)
	}

	return s.prefix + cleaned, nil
}

// validatePrefix validates and returns the full prefix for list operations.
// Unlike keys, prefixes are not cleaned: a trailing slash is significant.
func (s *Store) validatePrefix(prefix string) (string, error) {
	if prefix == "" {
		return s.prefix, nil
	}
	if prefix == ".." || strings.HasPrefix(prefix, "../") {
		return "", fmt.Errorf("s3: prefix %q: %w", prefix, objstream.ErrInvalidRequest)
	}
	return s.prefix + strings.TrimPrefix(prefix, "/"), nil
}

func unixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

// bodyStream cuts a GetObject body into chunks.
type bodyStream struct {
	object     objstream.ObjectRef
	body       io.ReadCloser
	buf        []byte
	generation int64
}

func (s *bodyStream) Recv() (objstream.Chunk, error) {
	n, err := io.ReadFull(s.body, s.buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, s.buf[:n])
		return objstream.Chunk{Data: data, Generation: s.generation}, nil
	}
	if errors.Is(err, io.EOF) {
		return objstream.Chunk{}, io.EOF
	}
	return objstream.Chunk{}, classify("read body", s.object, err)
}

func (s *bodyStream) Close() error {
	return s.body.Close()
}

// emptyStream ends immediately.
type emptyStream struct{}

func (emptyStream) Recv() (objstream.Chunk, error) { return objstream.Chunk{}, io.EOF }
func (emptyStream) Close() error                   { return nil }

var _ objstream.Backend = (*Store)(nil)
