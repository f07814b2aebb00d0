// Package testutil provides helpers for examples and tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/pithecene-io/objstream/objstream"
)

// RemoveAll removes the path and any children. Errors are ignored.
// Use for defer cleanup in examples and tests.
//
// Usage:
//
//	defer testutil.RemoveAll(tmpDir)
func RemoveAll(path string) { _ = os.RemoveAll(path) }

// Payload returns n bytes of a repeating, position-dependent pattern, so a
// misplaced or duplicated range shows up in a byte comparison.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + (i/7+i)%26)
	}
	return b
}

// Seed writes objects into bucket in name order.
func Seed(ctx context.Context, b objstream.Backend, bucket string, objects map[string][]byte) error {
	names := make([]string, 0, len(objects))
	for name := range objects {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		_, err := b.WriteObject(ctx, objstream.WriteRequest{
			Object: objstream.ObjectRef{Bucket: bucket, Name: name},
			Data:   objects[name],
		})
		if err != nil {
			return fmt.Errorf("seed %s/%s: %w", bucket, name, err)
		}
	}
	return nil
}
