package objstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// -----------------------------------------------------------------------------
// Filesystem Backend
// -----------------------------------------------------------------------------

// FS is a Backend over a local directory. Each top-level directory is a
// bucket and each regular file below it an object named by its slash
// separated relative path. The file modification time in nanoseconds is
// the object generation.
//
// Consistency: Immediate read-after-write on local filesystems.
type FS struct {
	root      string
	chunkSize int
}

// NewFS creates a filesystem backend rooted at the given directory.
// The directory must exist. A chunkSize of zero or less selects
// DefaultChunkSize.
func NewFS(root string, chunkSize int) (*FS, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("objstream: %s is not a directory", root)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &FS{root: root, chunkSize: chunkSize}, nil
}

// bucketPath returns the directory of a bucket.
func (f *FS) bucketPath(bucket string) (string, error) {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return "", fmt.Errorf("objstream: bucket %q: %w", bucket, ErrInvalidRequest)
	}
	return filepath.Join(f.root, bucket), nil
}

// objectPath resolves ref to a file path that cannot escape its bucket.
func (f *FS) objectPath(ref ObjectRef) (string, error) {
	dir, err := f.bucketPath(ref.Bucket)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean(filepath.FromSlash(ref.Name))
	if ref.Name == "" || cleaned == "." || filepath.IsAbs(cleaned) ||
		cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("objstream: object name %q: %w", ref.Name, ErrInvalidRequest)
	}
	return filepath.Join(dir, cleaned), nil
}

func (f *FS) attrs(ref ObjectRef, info fs.FileInfo) ObjectAttrs {
	return ObjectAttrs{
		Bucket:      ref.Bucket,
		Name:        ref.Name,
		Size:        info.Size(),
		Generation:  info.ModTime().UnixNano(),
		ContentType: mime.TypeByExtension(filepath.Ext(ref.Name)),
		Updated:     info.ModTime().UTC(),
	}
}

// fsErr maps filesystem errors for ref onto package sentinels.
func fsErr(ref ObjectRef, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("objstream: %s: %w", ref, ErrNotFound)
	}
	return err
}

// OpenRead streams the requested range of a file.
func (f *FS) OpenRead(ctx context.Context, req ReadRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.objectPath(req.Object)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fsErr(req.Object, err)
	}
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		_ = file.Close()
		if err == nil {
			err = fs.ErrNotExist
		}
		return nil, fsErr(req.Object, err)
	}

	generation := info.ModTime().UnixNano()
	if err := checkGeneration(req, generation); err != nil {
		_ = file.Close()
		return nil, err
	}
	start, end, err := readRange(req, info.Size())
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &fsStream{
		ctx:        ctx,
		file:       file,
		r:          io.NewSectionReader(file, start, end-start),
		buf:        make([]byte, f.chunkSize),
		generation: generation,
	}, nil
}

// ListObjects returns one page of files in name order.
func (f *FS) ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error) {
	dir, err := f.bucketPath(req.Bucket)
	if err != nil {
		return nil, err
	}

	infos := make(map[string]fs.FileInfo)
	var names []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".objstream-") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, req.Prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		infos[name] = info
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	page := pageNames(names, req)
	resp := &ListObjectsResponse{Prefixes: page.prefixes, NextPageToken: page.next}
	for _, name := range page.names {
		resp.Objects = append(resp.Objects, f.attrs(ObjectRef{Bucket: req.Bucket, Name: name}, infos[name]))
	}
	return resp, nil
}

// StatObject returns a file's attributes.
func (f *FS) StatObject(ctx context.Context, ref ObjectRef) (*ObjectAttrs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.objectPath(ref)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fsErr(ref, err)
	}
	if info.IsDir() {
		return nil, fsErr(ref, fs.ErrNotExist)
	}
	attrs := f.attrs(ref, info)
	return &attrs, nil
}

// WriteObject writes a file. Guarded writes create it exclusively;
// unconditional writes replace it atomically through a rename.
func (f *FS) WriteObject(ctx context.Context, req WriteRequest) (*ObjectAttrs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.objectPath(req.Object)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	if req.IfNotExists {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return nil, fmt.Errorf("objstream: %s: %w", req.Object, ErrObjectExists)
			}
			return nil, err
		}
		if _, err := file.Write(req.Data); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, err
		}
		if err := file.Close(); err != nil {
			return nil, err
		}
	} else {
		tmp, err := os.CreateTemp(filepath.Dir(path), ".objstream-*")
		if err != nil {
			return nil, err
		}
		defer func() { _ = os.Remove(tmp.Name()) }()
		if _, err := tmp.Write(req.Data); err != nil {
			_ = tmp.Close()
			return nil, err
		}
		if err := tmp.Close(); err != nil {
			return nil, err
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			return nil, err
		}
	}

	attrs, err := f.StatObject(ctx, req.Object)
	if err != nil {
		return nil, err
	}
	attrs.CRC32C = CRC32C(req.Data)
	if req.ContentType != "" {
		attrs.ContentType = req.ContentType
	}
	return attrs, nil
}

// DeleteObject removes a file. A missing file returns ErrNotFound.
func (f *FS) DeleteObject(ctx context.Context, ref ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.objectPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fsErr(ref, err)
	}
	return nil
}

// fsStream reads a file section in fixed-size chunks.
type fsStream struct {
	ctx        context.Context
	file       *os.File
	r          *io.SectionReader
	buf        []byte
	generation int64
}

func (s *fsStream) Recv() (Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	n, err := io.ReadFull(s.r, s.buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, s.buf[:n])
		return ChecksummedChunk(data, s.generation), nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Chunk{}, io.EOF
	}
	return Chunk{}, err
}

func (s *fsStream) Close() error {
	return s.file.Close()
}

var _ Backend = (*FS)(nil)
