package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pithecene-io/objstream/objstream"
)

func newStore(t *testing.T, chunkSize int) (*Store, *MockClient) {
	t.Helper()
	mock := NewMockClient()
	store, err := New(mock, Config{ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store, mock
}

func putObject(t *testing.T, s *Store, name string, data []byte) *objstream.ObjectAttrs {
	t.Helper()
	attrs, err := s.WriteObject(t.Context(), objstream.WriteRequest{
		Object: objstream.ObjectRef{Bucket: "test", Name: name},
		Data:   data,
	})
	if err != nil {
		t.Fatalf("WriteObject(%s) error = %v", name, err)
	}
	return attrs
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("New(nil) succeeded, want error")
	}
	if _, err := New(NewMockClient(), Config{ChunkSize: -1}); err == nil {
		t.Error("New(negative chunk size) succeeded, want error")
	}
	s, err := New(NewMockClient(), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.chunkSize != DefaultChunkSize {
		t.Errorf("chunkSize = %d, want %d", s.chunkSize, DefaultChunkSize)
	}
}

func TestStore_OpenRead_Ranges(t *testing.T) {
	data := payload(100)
	tests := []struct {
		name       string
		offset     int64
		limit      int64
		want       []byte
		wantChunks int
		wantLength int64
	}{
		{"whole object", 0, 0, data, 4, -1},
		{"bounded", 10, 50, data[10:60], 2, 50},
		{"open ended", 90, 0, data[90:], 1, -1},
		{"limit past end", 90, 50, data[90:], 1, 50},
		{"offset at end", 100, 0, nil, 0, -1},
		{"limit at max int", 10, math.MaxInt64, data[10:], 3, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newStore(t, 30)
			attrs := putObject(t, store, "dir/object.bin", data)

			s, err := store.OpenRead(t.Context(), objstream.ReadRequest{
				Object:     objstream.ObjectRef{Bucket: "test", Name: "dir/object.bin"},
				ReadOffset: tt.offset,
				ReadLimit:  tt.limit,
			})
			if err != nil {
				t.Fatalf("OpenRead() error = %v", err)
			}
			defer func() { _ = s.Close() }()

			var got []byte
			var chunks int
			for {
				c, err := s.Recv()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("Recv() error = %v", err)
				}
				if c.Generation != attrs.Generation {
					t.Errorf("chunk generation = %d, want %d", c.Generation, attrs.Generation)
				}
				chunks++
				got = append(got, c.Data...)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("data = %q, want %q", got, tt.want)
			}
			if chunks != tt.wantChunks {
				t.Errorf("chunks = %d, want %d", chunks, tt.wantChunks)
			}
			if want := []ReadCall{{Offset: tt.offset, Length: tt.wantLength}}; !reflect.DeepEqual(mock.Reads, want) {
				t.Errorf("reads = %+v, want %+v", mock.Reads, want)
			}
		})
	}
}

func TestStore_OpenRead_Errors(t *testing.T) {
	store, _ := newStore(t, 0)
	attrs := putObject(t, store, "o", payload(10))

	ref := func(name string, gen int64) objstream.ObjectRef {
		return objstream.ObjectRef{Bucket: "test", Name: name, Generation: gen}
	}
	tests := []struct {
		name string
		req  objstream.ReadRequest
		want codes.Code
	}{
		{"missing", objstream.ReadRequest{Object: ref("nope", 0)}, codes.NotFound},
		{"missing bucket", objstream.ReadRequest{Object: objstream.ObjectRef{Bucket: "other", Name: "o"}}, codes.NotFound},
		{"stale generation", objstream.ReadRequest{Object: ref("o", attrs.Generation-1)}, codes.NotFound},
		{"generation precondition", objstream.ReadRequest{Object: ref("o", 0), Conditions: objstream.Conditions{IfGenerationMatch: attrs.Generation + 1}}, codes.FailedPrecondition},
		{"metageneration precondition", objstream.ReadRequest{Object: ref("o", 0), Conditions: objstream.Conditions{IfMetagenerationMatch: 7}}, codes.FailedPrecondition},
		{"empty name", objstream.ReadRequest{Object: ref("", 0)}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.OpenRead(t.Context(), tt.req)
			if got := objstream.CodeOf(err); got != tt.want {
				t.Errorf("OpenRead() error = %v (%s), want %s", err, got, tt.want)
			}
			if tt.want == codes.NotFound && !errors.Is(err, objstream.ErrNotFound) {
				t.Errorf("OpenRead() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_WriteStatDelete(t *testing.T) {
	store, _ := newStore(t, 0)
	ctx := t.Context()
	ref := objstream.ObjectRef{Bucket: "test", Name: "a/b.txt"}

	attrs, err := store.WriteObject(ctx, objstream.WriteRequest{Object: ref, Data: []byte("hello"), ContentType: "text/plain", IfNotExists: true})
	if err != nil {
		t.Fatalf("WriteObject() error = %v", err)
	}
	if attrs.Size != 5 || attrs.CRC32C != objstream.CRC32C([]byte("hello")) || attrs.Generation == 0 {
		t.Errorf("WriteObject() attrs = %+v", attrs)
	}

	_, err = store.WriteObject(ctx, objstream.WriteRequest{Object: ref, Data: []byte("again"), IfNotExists: true})
	if !errors.Is(err, objstream.ErrObjectExists) {
		t.Errorf("guarded overwrite error = %v, want ErrObjectExists", err)
	}
	second, err := store.WriteObject(ctx, objstream.WriteRequest{Object: ref, Data: []byte("replaced!")})
	if err != nil {
		t.Fatalf("unconditional overwrite error = %v", err)
	}
	if second.Generation <= attrs.Generation {
		t.Errorf("overwrite generation = %d, want > %d", second.Generation, attrs.Generation)
	}

	got, err := store.StatObject(ctx, ref)
	if err != nil {
		t.Fatalf("StatObject() error = %v", err)
	}
	if got.Size != 9 || got.Name != ref.Name || got.ContentType != "" || got.Generation != second.Generation {
		t.Errorf("StatObject() = %+v", got)
	}

	if err := store.DeleteObject(ctx, ref); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if err := store.DeleteObject(ctx, ref); !errors.Is(err, objstream.ErrNotFound) {
		t.Errorf("second DeleteObject() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListObjects(t *testing.T) {
	names := []string{"a/1", "a/2", "a/sub/3", "a/sub/4", "a/z", "b/1", "c"}

	tests := []struct {
		name         string
		req          objstream.ListObjectsRequest
		wantPages    [][]string
		wantPrefixes []string
	}{
		{
			name:      "all in pages of 3",
			req:       objstream.ListObjectsRequest{PageSize: 3},
			wantPages: [][]string{{"a/1", "a/2", "a/sub/3"}, {"a/sub/4", "a/z", "b/1"}, {"c"}},
		},
		{
			name:         "delimiter at root",
			req:          objstream.ListObjectsRequest{Delimiter: "/"},
			wantPages:    [][]string{{"c"}},
			wantPrefixes: []string{"a/", "b/"},
		},
		{
			name:         "delimiter under prefix paged",
			req:          objstream.ListObjectsRequest{Prefix: "a/", Delimiter: "/", PageSize: 2},
			wantPages:    [][]string{{"a/1", "a/2"}, {"a/z"}},
			wantPrefixes: []string{"a/sub/"},
		},
	}

	store, _ := newStore(t, 0)
	for _, n := range names {
		putObject(t, store, n, []byte(n))
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Bucket = "test"

			var pages [][]string
			var prefixes []string
			for {
				resp, err := store.ListObjects(t.Context(), req)
				if err != nil {
					t.Fatalf("ListObjects() error = %v", err)
				}
				var page []string
				for _, o := range resp.Objects {
					page = append(page, o.Name)
				}
				pages = append(pages, page)
				prefixes = append(prefixes, resp.Prefixes...)
				if resp.NextPageToken == "" {
					break
				}
				req.PageToken = resp.NextPageToken
			}

			if !reflect.DeepEqual(pages, tt.wantPages) {
				t.Errorf("pages = %q, want %q", pages, tt.wantPages)
			}
			if !reflect.DeepEqual(prefixes, tt.wantPrefixes) {
				t.Errorf("prefixes = %q, want %q", prefixes, tt.wantPrefixes)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"object not exist", storage.ErrObjectNotExist, codes.NotFound},
		{"bucket not exist", storage.ErrBucketNotExist, codes.NotFound},
		{"429", StatusError(http.StatusTooManyRequests), codes.ResourceExhausted},
		{"500", StatusError(http.StatusInternalServerError), codes.Internal},
		{"503", StatusError(http.StatusServiceUnavailable), codes.Unavailable},
		{"599", StatusError(599), codes.Unavailable},
		{"412", StatusError(http.StatusPreconditionFailed), codes.FailedPrecondition},
		{"403", StatusError(http.StatusForbidden), codes.PermissionDenied},
		{"401", StatusError(http.StatusUnauthorized), codes.Unauthenticated},
		{"grpc transport", status.Error(codes.Unavailable, "conn reset"), codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codeOf(tt.err); got != tt.want {
				t.Errorf("codeOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Client tests
// -----------------------------------------------------------------------------

type instantClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return ctx.Err()
}

// AfterFunc uses real timers; the idle timeouts in these tests never expire.
func (c *instantClock) AfterFunc(d time.Duration, f func()) objstream.Timer {
	return time.AfterFunc(d, f)
}

func newClient(t *testing.T, store *Store, opts ...objstream.Option) *objstream.Client {
	t.Helper()
	opts = append([]objstream.Option{objstream.WithClock(&instantClock{now: time.Unix(0, 0)})}, opts...)
	c, err := objstream.NewClient(store, opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestClient_ResumesPinnedToGeneration(t *testing.T) {
	store, mock := newStore(t, 10)
	data := payload(100)
	attrs := putObject(t, store, "big.bin", data)
	mock.BreakBody(42, io.ErrUnexpectedEOF)

	c := newClient(t, store)
	r, err := c.ReadObject(t.Context(), objstream.ObjectRef{Bucket: "test", Name: "big.bin"}, 5, 80)
	if err != nil {
		t.Fatalf("ReadObject() error = %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, data[5:85]) {
		t.Errorf("read %d bytes, want data[5:85]", len(got))
	}

	want := []ReadCall{
		{Offset: 5, Length: 80},
		{Offset: 47, Length: 38, Generation: attrs.Generation},
	}
	if !reflect.DeepEqual(mock.Reads, want) {
		t.Errorf("reads = %+v, want %+v", mock.Reads, want)
	}
}

func TestClient_ResumeAfterOverwriteFails(t *testing.T) {
	store, mock := newStore(t, 10)
	putObject(t, store, "o", payload(50))
	mock.BreakBody(20, io.ErrUnexpectedEOF)

	c := newClient(t, store)
	r, err := c.ReadObject(t.Context(), objstream.ObjectRef{Bucket: "test", Name: "o"}, 0, 0)
	if err != nil {
		t.Fatalf("ReadObject() error = %v", err)
	}
	defer func() { _ = r.Close() }()
	for range 2 {
		if _, err := r.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}
	putObject(t, store, "o", payload(50))

	if _, err := r.Next(); !errors.Is(err, objstream.ErrNotFound) {
		t.Errorf("Next() error = %v, want ErrNotFound", err)
	}
}

func TestClient_RetriesListPage(t *testing.T) {
	store, mock := newStore(t, 0)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		putObject(t, store, n, []byte(n))
	}
	// The second page fails once.
	mock.FailNext("ListPage", nil, StatusError(http.StatusServiceUnavailable))

	c := newClient(t, store)
	var names []string
	for o, err := range c.ListObjects(t.Context(), objstream.ListObjectsRequest{Bucket: "test"}, objstream.WithPageSize(2)) {
		if err != nil {
			t.Fatalf("ListObjects() error = %v", err)
		}
		names = append(names, o.Name)
	}
	if want := []string{"a", "b", "c", "d", "e"}; !reflect.DeepEqual(names, want) {
		t.Errorf("names = %q, want %q", names, want)
	}
	if got := mock.Calls("ListPage"); got != 4 {
		t.Errorf("ListPage calls = %d, want 4", got)
	}
}

func TestClient_DeleteNotRetried(t *testing.T) {
	store, mock := newStore(t, 0)
	putObject(t, store, "o", []byte("x"))
	mock.FailNext("Delete", StatusError(http.StatusServiceUnavailable))

	c := newClient(t, store)
	err := c.Delete(t.Context(), objstream.ObjectRef{Bucket: "test", Name: "o"})
	if objstream.CodeOf(err) != codes.Unavailable {
		t.Errorf("Delete() error = %v, want Unavailable", err)
	}
	if got := mock.Calls("Delete"); got != 1 {
		t.Errorf("Delete calls = %d, want 1", got)
	}
}
