package testutil

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/objstream/objstream"
)

func TestRemoveAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	RemoveAll(dir)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Stat() after RemoveAll error = %v, want not exist", err)
	}
	RemoveAll(dir)
}

func TestPayload(t *testing.T) {
	p := Payload(100)
	if len(p) != 100 {
		t.Fatalf("len = %d, want 100", len(p))
	}
	if !bytes.Equal(p[:50], Payload(50)) {
		t.Error("Payload prefix differs between lengths")
	}
	if bytes.Equal(p[:20], p[20:40]) {
		t.Error("adjacent ranges are identical")
	}
}

func TestSeed(t *testing.T) {
	m := objstream.NewMemory(0)
	err := Seed(t.Context(), m, "b", map[string][]byte{"x": []byte("1"), "y/z": []byte("22")})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	attrs, err := m.StatObject(t.Context(), objstream.ObjectRef{Bucket: "b", Name: "y/z"})
	if err != nil {
		t.Fatalf("StatObject() error = %v", err)
	}
	if attrs.Size != 2 {
		t.Errorf("size = %d, want 2", attrs.Size)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := Seed(ctx, m, "b", map[string][]byte{"x": nil}); !errors.Is(err, context.Canceled) {
		t.Errorf("Seed() with cancelled context error = %v, want context.Canceled", err)
	}
}
