package gcs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/pithecene-io/objstream/objstream"
)

// -----------------------------------------------------------------------------
// Mock Cloud Storage Client for Testing
// -----------------------------------------------------------------------------

// ReadCall records one NewRangeReader call.
type ReadCall struct {
	Offset, Length, Generation int64
}

type bodyFault struct {
	after int64
	err   error
}

// MockClient is an in-memory test double for Client.
//
// It honors generations, preconditions, ranges and paged listings with
// delimiters. Faults can be queued per operation, and range reader bodies
// can be made to break mid-stream.
type MockClient struct {
	mu         sync.Mutex
	buckets    map[string]map[string]*storage.ObjectAttrs
	data       map[string]map[string][]byte
	generation int64

	faults     map[string][]error
	bodyFaults []bodyFault
	calls      map[string]int

	// Reads records every NewRangeReader call.
	Reads []ReadCall
}

// NewMockClient creates a new mock client for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		buckets:    make(map[string]map[string]*storage.ObjectAttrs),
		data:       make(map[string]map[string][]byte),
		generation: 1000,
		faults:     make(map[string][]error),
		calls:      make(map[string]int),
	}
}

// FailNext queues errors returned by the next calls to op, one per call.
// op is one of NewRangeReader, Attrs, Write, Delete or ListPage.
func (m *MockClient) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// BreakBody makes the next range reader fail with err after n bytes.
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

// StatusError returns a JSON API error with the given HTTP status.
func StatusError(code int) error {
	return &googleapi.Error{Code: code, Message: http.StatusText(code)}
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

// NewObjectHandle implements Client.
func (m *MockClient) NewObjectHandle(bucket, object string, generation int64, conds *storage.Conditions) ObjectHandle {
	h := &mockHandle{m: m, bucket: bucket, object: object, generation: generation}
	if conds != nil {
		h.conds = *conds
	}
	return h
}

// ListPage implements Client. Page tokens are the last name or prefix of
// the previous page.
func (m *MockClient) ListPage(ctx context.Context, bucket string, q *storage.Query, pageSize int, pageToken string) ([]*storage.ObjectAttrs, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "ListPage"); err != nil {
		return nil, "", err
	}
	objs, ok := m.buckets[bucket]
	if !ok {
		return nil, "", storage.ErrBucketNotExist
	}

	names := make([]string, 0, len(objs))
	for n := range objs {
		if strings.HasPrefix(n, q.Prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var page []*storage.ObjectAttrs
	var last string
	for _, n := range names {
		if pageToken != "" && (n <= pageToken || (q.Delimiter != "" && strings.HasSuffix(pageToken, q.Delimiter) && strings.HasPrefix(n, pageToken))) {
			continue
		}

		entry, isPrefix := n, false
		if q.Delimiter != "" {
			if i := strings.Index(n[len(q.Prefix):], q.Delimiter); i >= 0 {
				entry, isPrefix = n[:len(q.Prefix)+i+len(q.Delimiter)], true
			}
		}
		if isPrefix && entry == last {
			continue
		}
		if len(page) == pageSize {
			return page, last, nil
		}
		last = entry

		if isPrefix {
			page = append(page, &storage.ObjectAttrs{Prefix: entry})
			continue
		}
		a := *objs[n]
		page = append(page, &a)
	}
	return page, "", nil
}

type mockHandle struct {
	m          *MockClient
	bucket     string
	object     string
	generation int64
	conds      storage.Conditions
}

// lookup resolves the handle and checks its preconditions. Callers hold m.mu.
func (h *mockHandle) lookup() (*storage.ObjectAttrs, []byte, error) {
	objs, ok := h.m.buckets[h.bucket]
	if !ok {
		return nil, nil, storage.ErrBucketNotExist
	}
	a, ok := objs[h.object]
	if !ok || (h.generation != 0 && a.Generation != h.generation) {
		return nil, nil, storage.ErrObjectNotExist
	}
	if h.conds.GenerationMatch != 0 && a.Generation != h.conds.GenerationMatch {
		return nil, nil, StatusError(http.StatusPreconditionFailed)
	}
	if h.conds.MetagenerationMatch != 0 && a.Metageneration != h.conds.MetagenerationMatch {
		return nil, nil, StatusError(http.StatusPreconditionFailed)
	}
	return a, h.m.data[h.bucket][h.object], nil
}

func (h *mockHandle) NewRangeReader(ctx context.Context, offset, length int64) (RangeReader, error) {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Reads = append(m.Reads, ReadCall{Offset: offset, Length: length, Generation: h.generation})
	if err := m.begin(ctx, "NewRangeReader"); err != nil {
		return nil, err
	}
	a, data, err := h.lookup()
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	if offset > size || (offset == size && size > 0) {
		return nil, StatusError(http.StatusRequestedRangeNotSatisfiable)
	}
	end := size
	if length >= 0 && length < size-offset {
		end = offset + length
	}

	var body io.Reader = bytes.NewReader(data[offset:end])
	if len(m.bodyFaults) > 0 {
		f := m.bodyFaults[0]
		m.bodyFaults = m.bodyFaults[1:]
		body = &faultyBody{r: body, remaining: f.after, err: f.err}
	}
	return &mockReader{r: body, generation: a.Generation}, nil
}

func (h *mockHandle) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "Attrs"); err != nil {
		return nil, err
	}
	a, _, err := h.lookup()
	if err != nil {
		return nil, err
	}
	out := *a
	return &out, nil
}

func (h *mockHandle) Write(ctx context.Context, data []byte, contentType string, crc32c uint32) (*storage.ObjectAttrs, error) {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "Write"); err != nil {
		return nil, err
	}
	if got := objstream.CRC32C(data); got != crc32c {
		return nil, &googleapi.Error{Code: http.StatusBadRequest, Message: "crc32c mismatch"}
	}

	objs, ok := m.buckets[h.bucket]
	if !ok {
		objs = make(map[string]*storage.ObjectAttrs)
		m.buckets[h.bucket] = objs
		m.data[h.bucket] = make(map[string][]byte)
	}
	if _, exists := objs[h.object]; exists && h.conds.DoesNotExist {
		return nil, StatusError(http.StatusPreconditionFailed)
	}

	m.generation++
	a := &storage.ObjectAttrs{
		Bucket:         h.bucket,
		Name:           h.object,
		Size:           int64(len(data)),
		Generation:     m.generation,
		Metageneration: 1,
		ContentType:    contentType,
		CRC32C:         crc32c,
		Etag:           "etag-" + h.object,
		Updated:        time.Unix(0, m.generation).UTC(),
	}
	objs[h.object] = a
	m.data[h.bucket][h.object] = bytes.Clone(data)

	out := *a
	return &out, nil
}

func (h *mockHandle) Delete(ctx context.Context) error {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "Delete"); err != nil {
		return err
	}
	if _, _, err := h.lookup(); err != nil {
		return err
	}
	delete(m.buckets[h.bucket], h.object)
	delete(m.data[h.bucket], h.object)
	return nil
}

type mockReader struct {
	r          io.Reader
	generation int64
}

func (r *mockReader) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *mockReader) Close() error               { return nil }
func (r *mockReader) Generation() int64          { return r.generation }

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

var _ Client = (*MockClient)(nil)
