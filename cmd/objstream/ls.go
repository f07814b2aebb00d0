package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pithecene-io/objstream/internal/codec"
	"github.com/pithecene-io/objstream/objstream"
)

type lsOptions struct {
	pageSize  int
	prefetch  int
	delimiter string
}

// prefixEntry is written for each grouped prefix of a delimited listing.
type prefixEntry struct {
	Prefix string `json:"prefix"`
}

func (a *app) lsCommand() *cobra.Command {
	var opts lsOptions
	cmd := &cobra.Command{
		Use:   "ls <bucket>[/<prefix>]",
		Short: "List objects as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, prefix, err := parseBucketPrefix(args[0])
			if err != nil {
				return err
			}
			return a.ls(cmd.Context(), objstream.ListObjectsRequest{
				Bucket:    bucket,
				Prefix:    prefix,
				Delimiter: opts.delimiter,
			}, opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.pageSize, "page-size", 0, "entries per page (0 = backend default)")
	f.IntVar(&opts.prefetch, "prefetch", 1, "pages fetched ahead of output")
	f.StringVar(&opts.delimiter, "delimiter", "", "group names up to this delimiter into prefixes")
	return cmd
}

func (a *app) ls(ctx context.Context, req objstream.ListObjectsRequest, opts lsOptions) error {
	w := codec.NewJSONLWriter(a.out)
	pages := 0
	for page, err := range a.client.ListObjectPages(ctx, req,
		objstream.WithPageSize(opts.pageSize), objstream.WithPrefetch(opts.prefetch)) {
		if err != nil {
			_ = w.Flush()
			return err
		}
		pages++
		for _, attrs := range page.Objects {
			if err := w.Write(attrs); err != nil {
				return err
			}
		}
		for _, p := range page.Prefixes {
			if err := w.Write(prefixEntry{Prefix: p}); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	a.logger.Info("listed",
		zap.String("bucket", req.Bucket),
		zap.String("prefix", req.Prefix),
		zap.Int("pages", pages),
		zap.Int("entries", w.Count()),
	)
	return nil
}
