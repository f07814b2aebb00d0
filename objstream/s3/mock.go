package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/pithecene-io/objstream/objstream"
)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// mockObject is one stored object.
type mockObject struct {
	data        []byte
	modified    time.Time
	contentType string
	etag        string
}

// bodyFault breaks a GetObject body after a number of bytes.
type bodyFault struct {
	after int64
	err   error
}

// MockClient is an in-memory test double for API.
//
// It supports ranged reads, If-None-Match and If-Unmodified-Since
// preconditions, and paged listings with delimiters. Faults can be queued
// per operation, and GetObject bodies can be made to break mid-stream.
type MockClient struct {
	mu      sync.Mutex
	buckets map[string]map[string]*mockObject
	now     time.Time

	faults     map[string][]error
	bodyFaults []bodyFault
	calls      map[string]int

	// Ranges records the Range header of every GetObject call, "" for none.
	Ranges []string
}

// NewMockClient creates a new mock S3 client for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		buckets: make(map[string]map[string]*mockObject),
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		faults:  make(map[string][]error),
		calls:   make(map[string]int),
	}
}

// FailNext queues errors returned by the next calls to op, one per call.
// op is the API method name, e.g. "GetObject".
func (m *MockClient) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// BreakBody makes the next GetObject body fail with err after n bytes.
// Repeated calls apply to successive GetObject calls.
func (m *MockClient) BreakBody(n int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodyFaults = append(m.bodyFaults, bodyFault{after: n, err: err})
}

// Calls returns how many times op was invoked.
func (m *MockClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCounts resets call counters and recorded ranges for test isolation.
func (m *MockClient) ResetCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
	m.Ranges = nil
}

// begin counts a call and pops its queued fault. Callers hold m.mu.
func (m *MockClient) begin(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := m.faults[op]; len(q) > 0 {
		m.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MockClient) lookup(bucket, key string) (*mockObject, error) {
	objs, ok := m.buckets[bucket]
	if !ok {
		return nil, &types.NoSuchBucket{Message: aws.String("bucket not found")}
	}
	obj, ok := objs[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("key not found")}
	}
	return obj, nil
}

// PutObject implements API.PutObject for testing. Buckets are created on
// first write.
func (m *MockClient) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "PutObject"); err != nil {
		return nil, err
	}

	bucket, key := aws.ToString(params.Bucket), aws.ToString(params.Key)
	objs, ok := m.buckets[bucket]
	if !ok {
		objs = make(map[string]*mockObject)
		m.buckets[bucket] = objs
	}

	// Handle If-None-Match: "*" (conditional write)
	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := objs[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	m.now = m.now.Add(time.Second)
	obj := &mockObject{
		data:        data,
		modified:    m.now,
		contentType: aws.ToString(params.ContentType),
		etag:        fmt.Sprintf("%q", fmt.Sprintf("%08x", objstream.CRC32C(data))),
	}
	objs[key] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

// GetObject implements API.GetObject for testing.
func (m *MockClient) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Ranges = append(m.Ranges, aws.ToString(params.Range))
	if err := m.begin(ctx, "GetObject"); err != nil {
		return nil, err
	}

	obj, err := m.lookup(aws.ToString(params.Bucket), aws.ToString(params.Key))
	if err != nil {
		return nil, err
	}
	if params.IfUnmodifiedSince != nil && obj.modified.After(*params.IfUnmodifiedSince) {
		return nil, &smithyAPIError{code: "PreconditionFailed", message: "modified since"}
	}

	data := obj.data
	if params.Range != nil {
		start, end, err := parseRange(aws.ToString(params.Range), int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start:end]
	}

	var body io.Reader = bytes.NewReader(data)
	if len(m.bodyFaults) > 0 {
		f := m.bodyFaults[0]
		m.bodyFaults = m.bodyFaults[1:]
		body = &faultyBody{r: body, remaining: f.after, err: f.err}
	}

	modified := obj.modified
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(body),
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  &modified,
		ETag:          aws.String(obj.etag),
		ContentType:   aws.String(obj.contentType),
	}, nil
}

// parseRange resolves "bytes=a-b" and "bytes=a-" against an object size,
// returning the half-open range [start, end).
func parseRange(r string, size int64) (int64, int64, error) {
	var start, end int64
	if n, _ := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); n == 0 {
		return 0, 0, &smithyAPIError{code: "InvalidArgument", message: "bad range " + r}
	} else if n == 1 {
		end = size - 1
	}
	if start >= size {
		return 0, 0, &smithyAPIError{code: "InvalidRange", message: "range not satisfiable"}
	}
	if end >= size {
		end = size - 1
	}
	return start, end + 1, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockClient) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "HeadObject"); err != nil {
		return nil, err
	}
	obj, err := m.lookup(aws.ToString(params.Bucket), aws.ToString(params.Key))
	if err != nil {
		// HEAD responses carry no body, so S3 reports a bare NotFound.
		return nil, &smithyAPIError{code: "NotFound", message: err.Error()}
	}

	modified := obj.modified
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  &modified,
		ETag:          aws.String(obj.etag),
		ContentType:   aws.String(obj.contentType),
	}, nil
}

// DeleteObject implements API.DeleteObject for testing.
// Like S3, deleting a missing key succeeds.
func (m *MockClient) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "DeleteObject"); err != nil {
		return nil, err
	}
	if objs, ok := m.buckets[aws.ToString(params.Bucket)]; ok {
		delete(objs, aws.ToString(params.Key))
	}
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 implements API.ListObjectsV2 for testing.
//
// Continuation tokens are the last key or common prefix of the previous page.
func (m *MockClient) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "ListObjectsV2"); err != nil {
		return nil, err
	}
	objs, ok := m.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{Message: aws.String("bucket not found")}
	}

	prefix := aws.ToString(params.Prefix)
	delim := aws.ToString(params.Delimiter)
	token := aws.ToString(params.ContinuationToken)
	maxKeys := int(aws.ToInt32(params.MaxKeys))
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys := make([]string, 0, len(objs))
	for k := range objs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	var last string
	entries := 0
	for _, k := range keys {
		if token != "" && (k <= token || (delim != "" && strings.HasSuffix(token, delim) && strings.HasPrefix(k, token))) {
			continue
		}

		entry, isPrefix := k, false
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				entry, isPrefix = k[:len(prefix)+i+len(delim)], true
			}
		}
		if isPrefix && entry == last {
			continue
		}

		if entries == maxKeys {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			break
		}
		entries++
		last = entry

		if isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(entry)})
			continue
		}
		obj := objs[k]
		modified := obj.modified
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: &modified,
			ETag:         aws.String(obj.etag),
		})
	}
	out.KeyCount = aws.Int32(int32(entries))
	return out, nil
}

var _ API = (*MockClient)(nil)

// faultyBody returns err once remaining bytes have been read, and on every
// read after that.
type faultyBody struct {
	r         io.Reader
	remaining int64
	err       error
}

func (b *faultyBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, b.err
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}

// APIError returns an S3 service error with the given code, as the SDK
// reports it.
func APIError(code, message string) error {
	fault := smithy.FaultClient
	switch code {
	case "InternalError", "ServiceUnavailable", "SlowDown":
		fault = smithy.FaultServer
	}
	return &smithyAPIError{code: code, message: message, fault: fault}
}

// StatusError returns a transport-level error carrying only an HTTP status.
func StatusError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New(http.StatusText(status)),
	}
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
	fault   smithy.ErrorFault
}

func (e *smithyAPIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.code, e.message)
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return e.fault
}
