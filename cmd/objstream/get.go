package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/objstream/internal/compress"
	"github.com/pithecene-io/objstream/objstream"
)

type getOptions struct {
	offset     int64
	limit      int64
	out        string
	decompress string
	parallel   int
}

func (a *app) getCommand() *cobra.Command {
	var opts getOptions
	cmd := &cobra.Command{
		Use:   "get <bucket>/<object>...",
		Short: "Download objects, resuming interrupted transfers",
		Long: `Download one or more objects. Without --out the objects are written to
standard output one after another. With --out each object is written to
DIR/<object>, up to --parallel at a time.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]objstream.ObjectRef, 0, len(args))
			for _, arg := range args {
				ref, err := parseObjectRef(arg)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
			return a.get(cmd.Context(), refs, opts)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&opts.offset, "offset", 0, "first byte to read")
	f.Int64Var(&opts.limit, "limit", 0, "maximum bytes to read (0 = to end of object)")
	f.StringVar(&opts.out, "out", "", "write objects under this directory instead of stdout")
	f.StringVar(&opts.decompress, "decompress", "none", "decompress with "+strings.Join(compress.Names(), ", ")+" or auto (by extension)")
	f.IntVar(&opts.parallel, "parallel", 4, "concurrent downloads with --out")
	return cmd
}

func (a *app) get(ctx context.Context, refs []objstream.ObjectRef, opts getOptions) error {
	if opts.offset < 0 || opts.limit < 0 {
		return fmt.Errorf("offset and limit must be non-negative")
	}

	if opts.out == "" {
		for _, ref := range refs {
			if err := a.download(ctx, ref, opts, a.out); err != nil {
				return err
			}
		}
		return nil
	}

	if opts.parallel < 1 {
		return fmt.Errorf("parallel %d must be at least 1", opts.parallel)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallel)
	for _, ref := range refs {
		g.Go(func() error {
			return a.downloadFile(ctx, ref, opts)
		})
	}
	return g.Wait()
}

// downloadFile writes ref under opts.out, replacing any previous file only
// once the download has completed.
func (a *app) downloadFile(ctx context.Context, ref objstream.ObjectRef, opts getOptions) (err error) {
	dest, err := localPath(opts.out, ref, opts.decompress)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".objstream-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := a.download(ctx, ref, opts, tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// download streams one object into w.
func (a *app) download(ctx context.Context, ref objstream.ObjectRef, opts getOptions, w io.Writer) error {
	r, err := a.client.ReadObject(ctx, ref, opts.offset, opts.limit)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	codec, err := compress.Resolve(opts.decompress, ref.Name)
	if err != nil {
		return err
	}
	body, err := codec.Decompress(r)
	if err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}
	defer func() { _ = body.Close() }()

	n, err := io.Copy(w, body)
	log := a.logger.With(
		zap.Stringer("object", ref),
		zap.String("invocation_id", r.InvocationID()),
		zap.Int64("bytes", r.BytesRead()),
		zap.Int("attempts", r.Attempts()),
	)
	if err != nil {
		log.Error("download failed", zap.Error(err))
		return fmt.Errorf("%s: %w", ref, err)
	}
	log.Info("downloaded", zap.Int64("written", n), zap.String("codec", codec.Name()))
	return nil
}

// parseObjectRef splits "bucket/object", ignoring a leading "scheme://".
func parseObjectRef(arg string) (objstream.ObjectRef, error) {
	if _, rest, ok := strings.Cut(arg, "://"); ok {
		arg = rest
	}
	bucket, name, ok := strings.Cut(arg, "/")
	if !ok || bucket == "" || name == "" {
		return objstream.ObjectRef{}, fmt.Errorf("invalid object %q: want <bucket>/<object>", arg)
	}
	return objstream.ObjectRef{Bucket: bucket, Name: name}, nil
}

// parseBucketPrefix splits "bucket[/prefix]", ignoring a leading "scheme://".
func parseBucketPrefix(arg string) (bucket, prefix string, err error) {
	if _, rest, ok := strings.Cut(arg, "://"); ok {
		arg = rest
	}
	bucket, prefix, _ = strings.Cut(arg, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid location %q: want <bucket>[/<prefix>]", arg)
	}
	return bucket, prefix, nil
}

var errEscapesOut = errors.New("object name escapes output directory")

// localPath maps ref under dir. The compression extension is dropped when
// the object is decompressed.
func localPath(dir string, ref objstream.ObjectRef, format string) (string, error) {
	name := ref.Name
	if format != "none" {
		if codec, err := compress.Resolve(format, name); err == nil {
			name = strings.TrimSuffix(name, codec.Extension())
		}
	}
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s: %w", ref, errEscapesOut)
	}
	return filepath.Join(dir, ref.Bucket, rel), nil
}
