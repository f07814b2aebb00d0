package objstream

import (
	"bytes"
	"errors"
	"io"
	"math"
	"reflect"
	"testing"

	"google.golang.org/grpc/codes"
)

// backendFactory creates a fresh backend streaming chunks of chunkSize bytes.
type backendFactory func(t *testing.T, chunkSize int) Backend

func localBackends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T, chunkSize int) Backend {
			return NewMemory(chunkSize)
		},
		"fs": func(t *testing.T, chunkSize int) Backend {
			b, err := NewFS(t.TempDir(), chunkSize)
			if err != nil {
				t.Fatalf("NewFS() error = %v", err)
			}
			return b
		},
	}
}

// drain reads a stream to its end and returns the chunks.
func drain(t *testing.T, s Stream) []Chunk {
	t.Helper()
	defer func() { _ = s.Close() }()
	var chunks []Chunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		chunks = append(chunks, c)
	}
}

func TestBackend_ReadRanges(t *testing.T) {
	data := payload(100)
	tests := []struct {
		name       string
		offset     int64
		limit      int64
		want       []byte
		wantChunks int
	}{
		{"whole object", 0, 0, data, 4},
		{"bounded", 10, 50, data[10:60], 2},
		{"limit past end", 90, 50, data[90:], 1},
		{"offset at end", 100, 0, nil, 0},
		{"limit at max int", 10, math.MaxInt64, data[10:], 3},
	}

	for name, factory := range localBackends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 30)
			put(t, b, "bucket", "dir/object.bin", data)

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					s, err := b.OpenRead(t.Context(), ReadRequest{
						Object:     ObjectRef{Bucket: "bucket", Name: "dir/object.bin"},
						ReadOffset: tt.offset,
						ReadLimit:  tt.limit,
					})
					if err != nil {
						t.Fatalf("OpenRead() error = %v", err)
					}
					chunks := drain(t, s)

					var got []byte
					for _, c := range chunks {
						if c.CRC32C == nil || *c.CRC32C != CRC32C(c.Data) {
							t.Errorf("chunk checksum missing or wrong")
						}
						if c.Generation == 0 {
							t.Errorf("chunk generation is zero")
						}
						got = append(got, c.Data...)
					}
					if !bytes.Equal(got, tt.want) {
						t.Errorf("data = %q, want %q", got, tt.want)
					}
					if len(chunks) != tt.wantChunks {
						t.Errorf("chunks = %d, want %d", len(chunks), tt.wantChunks)
					}
				})
			}
		})
	}
}

func TestBackend_ReadErrors(t *testing.T) {
	for name, factory := range localBackends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 0)
			attrs, err := b.WriteObject(t.Context(), WriteRequest{Object: ObjectRef{Bucket: "bucket", Name: "o"}, Data: payload(10)})
			if err != nil {
				t.Fatalf("WriteObject() error = %v", err)
			}

			tests := []struct {
				name string
				req  ReadRequest
				want codes.Code
			}{
				{"missing", ReadRequest{Object: ObjectRef{Bucket: "bucket", Name: "nope"}}, codes.NotFound},
				{"missing bucket", ReadRequest{Object: ObjectRef{Bucket: "other", Name: "o"}}, codes.NotFound},
				{"offset past end", ReadRequest{Object: ObjectRef{Bucket: "bucket", Name: "o"}, ReadOffset: 11}, codes.OutOfRange},
				{"stale generation", ReadRequest{Object: ObjectRef{Bucket: "bucket", Name: "o", Generation: attrs.Generation + 1}}, codes.NotFound},
				{"precondition", ReadRequest{Object: ObjectRef{Bucket: "bucket", Name: "o"}, Conditions: Conditions{IfGenerationMatch: attrs.Generation + 1}}, codes.FailedPrecondition},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					_, err := b.OpenRead(t.Context(), tt.req)
					if CodeOf(err) != tt.want {
						t.Errorf("OpenRead() error = %v (%s), want %s", err, CodeOf(err), tt.want)
					}
				})
			}
		})
	}
}

func TestBackend_WriteStatDelete(t *testing.T) {
	for name, factory := range localBackends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 0)
			ctx := t.Context()
			ref := ObjectRef{Bucket: "bucket", Name: "a/b.txt"}

			attrs, err := b.WriteObject(ctx, WriteRequest{Object: ref, Data: []byte("hello"), IfNotExists: true})
			if err != nil {
				t.Fatalf("WriteObject() error = %v", err)
			}
			if attrs.Size != 5 || attrs.CRC32C != CRC32C([]byte("hello")) {
				t.Errorf("WriteObject() attrs = %+v", attrs)
			}

			_, err = b.WriteObject(ctx, WriteRequest{Object: ref, Data: []byte("again"), IfNotExists: true})
			if !errors.Is(err, ErrObjectExists) {
				t.Errorf("guarded overwrite error = %v, want ErrObjectExists", err)
			}
			if _, err := b.WriteObject(ctx, WriteRequest{Object: ref, Data: []byte("replaced!")}); err != nil {
				t.Fatalf("unconditional overwrite error = %v", err)
			}

			got, err := b.StatObject(ctx, ref)
			if err != nil {
				t.Fatalf("StatObject() error = %v", err)
			}
			if got.Size != 9 || got.Name != ref.Name || got.Bucket != ref.Bucket {
				t.Errorf("StatObject() = %+v", got)
			}

			if err := b.DeleteObject(ctx, ref); err != nil {
				t.Fatalf("DeleteObject() error = %v", err)
			}
			if err := b.DeleteObject(ctx, ref); !errors.Is(err, ErrNotFound) {
				t.Errorf("second DeleteObject() error = %v, want ErrNotFound", err)
			}
			if _, err := b.StatObject(ctx, ref); !errors.Is(err, ErrNotFound) {
				t.Errorf("StatObject() after delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestBackend_ListObjects(t *testing.T) {
	names := []string{"a/1", "a/2", "a/sub/3", "a/sub/4", "a/z", "b/1", "c"}

	tests := []struct {
		name         string
		req          ListObjectsRequest
		wantPages    [][]string
		wantPrefixes []string
	}{
		{
			name:      "all in pages of 3",
			req:       ListObjectsRequest{PageSize: 3},
			wantPages: [][]string{{"a/1", "a/2", "a/sub/3"}, {"a/sub/4", "a/z", "b/1"}, {"c"}},
		},
		{
			name:      "prefix",
			req:       ListObjectsRequest{Prefix: "a/sub/"},
			wantPages: [][]string{{"a/sub/3", "a/sub/4"}},
		},
		{
			name:         "delimiter at root",
			req:          ListObjectsRequest{Delimiter: "/"},
			wantPages:    [][]string{{"c"}},
			wantPrefixes: []string{"a/", "b/"},
		},
		{
			name:         "delimiter under prefix paged",
			req:          ListObjectsRequest{Prefix: "a/", Delimiter: "/", PageSize: 2},
			wantPages:    [][]string{{"a/1", "a/2"}, {"a/z"}},
			wantPrefixes: []string{"a/sub/"},
		},
		{
			name:      "no match",
			req:       ListObjectsRequest{Prefix: "zzz"},
			wantPages: [][]string{nil},
		},
	}

	for name, factory := range localBackends() {
		t.Run(name, func(t *testing.T) {
			b := factory(t, 0)
			for _, n := range names {
				put(t, b, "bucket", n, []byte(n))
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					req := tt.req
					req.Bucket = "bucket"

					var pages [][]string
					var prefixes []string
					for {
						resp, err := b.ListObjects(t.Context(), req)
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
		})
	}
}

func TestFS_RejectsEscapingNames(t *testing.T) {
	b, err := NewFS(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	refs := []ObjectRef{
		{Bucket: "bucket", Name: "../escape"},
		{Bucket: "bucket", Name: "/abs"},
		{Bucket: "..", Name: "o"},
		{Bucket: "a/b", Name: "o"},
	}
	for _, ref := range refs {
		_, err := b.WriteObject(t.Context(), WriteRequest{Object: ref, Data: []byte("x")})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("WriteObject(%s) error = %v, want ErrInvalidRequest", ref, err)
		}
	}
}

func TestMemory_ReadIsolatedFromLaterWrites(t *testing.T) {
	m := NewMemory(4)
	ref := ObjectRef{Bucket: "b", Name: "o"}
	put(t, m, "b", "o", []byte("aaaaaaaa"))

	s, err := m.OpenRead(t.Context(), ReadRequest{Object: ref})
	if err != nil {
		t.Fatalf("OpenRead() error = %v", err)
	}
	put(t, m, "b", "o", []byte("bbbbbbbb"))

	var got []byte
	for _, c := range drain(t, s) {
		got = append(got, c.Data...)
	}
	if string(got) != "aaaaaaaa" {
		t.Errorf("stream saw a later write: %q", got)
	}
}
