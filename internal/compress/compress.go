// Package compress provides the codecs used to decode downloaded objects.
package compress

import (
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compressor encodes and decodes one compression format.
type Compressor interface {
	// Name returns the compressor identifier ("gzip", "zstd", "none").
	Name() string

	// Extension returns the conventional file extension, including the dot.
	Extension() string

	// Compress wraps a writer. Close flushes the trailer.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

var registry = map[string]Compressor{
	"gzip": NewGzip(),
	"zstd": NewZstd(),
	"none": NewNone(),
}

// Lookup returns the compressor registered under name. "auto" is not a
// compressor; see Detect.
func Lookup(name string) (Compressor, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("compress: unknown format %q (want one of %s)", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names returns the registered compressor names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Detect picks a compressor from an object name's extension, falling back
// to none.
func Detect(name string) Compressor {
	for _, c := range registry {
		if ext := c.Extension(); ext != "" && strings.HasSuffix(name, ext) {
			return c
		}
	}
	return registry["none"]
}

// Resolve maps a format flag to a compressor. "auto" detects from name.
func Resolve(format, name string) (Compressor, error) {
	if format == "auto" {
		return Detect(name), nil
	}
	return Lookup(format)
}

// Gzip implements Compressor using gzip compression.
type Gzip struct{}

// NewGzip creates a gzip compressor.
func NewGzip() *Gzip {
	return &Gzip{}
}

// Name returns the compressor identifier.
func (g *Gzip) Name() string {
	return "gzip"
}

// Extension returns the file extension for gzip.
func (g *Gzip) Extension() string {
	return ".gz"
}

// Compress wraps a writer with gzip compression.
func (g *Gzip) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

// Decompress wraps a reader with gzip decompression.
func (g *Gzip) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// Zstd implements Compressor using Zstandard.
type Zstd struct{}

// NewZstd creates a zstd compressor.
func NewZstd() *Zstd {
	return &Zstd{}
}

// Name returns the compressor identifier.
func (z *Zstd) Name() string {
	return "zstd"
}

// Extension returns the file extension for zstd.
func (z *Zstd) Extension() string {
	return ".zst"
}

// Compress wraps a writer with zstd compression.
func (z *Zstd) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

// Decompress wraps a reader with zstd decompression. The decoder runs
// single-threaded; objects are decoded one stream at a time per worker.
func (z *Zstd) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

// None passes data through unchanged.
type None struct{}

// NewNone creates a pass-through compressor.
func NewNone() *None {
	return &None{}
}

// Name returns the compressor identifier.
func (n *None) Name() string {
	return "none"
}

// Extension returns an empty extension (no compression).
func (n *None) Extension() string {
	return ""
}

// Compress returns a writer that passes through unchanged.
func (n *None) Compress(w io.Writer) (io.WriteCloser, error) {
	return &noopWriteCloser{w}, nil
}

// Decompress returns a reader that passes through unchanged.
func (n *None) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// noopWriteCloser wraps a writer to implement WriteCloser.
type noopWriteCloser struct {
	io.Writer
}

func (n *noopWriteCloser) Close() error {
	return nil
}

var (
	_ Compressor = (*Gzip)(nil)
	_ Compressor = (*Zstd)(nil)
	_ Compressor = (*None)(nil)
)
