package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/pithecene-io/objstream/internal/faults"
	"github.com/pithecene-io/objstream/objstream"
	"github.com/pithecene-io/objstream/objstream/gcs"
	s3store "github.com/pithecene-io/objstream/objstream/s3"
)

// openBackend constructs the configured backend, wrapped for fault
// injection when fault-rate is set.
func openBackend(ctx context.Context, v *viper.Viper) (objstream.Backend, error) {
	chunkSize := v.GetInt("chunk-size")

	var b objstream.Backend
	switch name := v.GetString("backend"); name {
	case "memory":
		b = objstream.NewMemory(chunkSize)

	case "fs":
		fs, err := objstream.NewFS(v.GetString("root"), chunkSize)
		if err != nil {
			return nil, err
		}
		b = fs

	case "s3":
		client, err := s3store.NewClient(ctx, s3store.ClientConfig{
			Region:       v.GetString("s3-region"),
			Endpoint:     v.GetString("s3-endpoint"),
			UsePathStyle: v.GetBool("s3-path-style"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 client: %w", err)
		}
		store, err := s3store.New(client, s3store.Config{
			Prefix:    v.GetString("s3-prefix"),
			ChunkSize: chunkSize,
		})
		if err != nil {
			return nil, err
		}
		b = store

	case "gcs":
		client, err := gcs.NewClient(ctx, gcs.ClientConfig{
			Endpoint: v.GetString("gcs-endpoint"),
			NoAuth:   v.GetBool("gcs-no-auth"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{ChunkSize: chunkSize})
		if err != nil {
			return nil, err
		}
		b = store

	default:
		return nil, fmt.Errorf("unknown backend %q (want memory, fs, s3 or gcs)", name)
	}

	if rate := v.GetFloat64("fault-rate"); rate > 0 {
		if rate >= 1 {
			return nil, fmt.Errorf("fault-rate %v must be below 1", rate)
		}
		b = faults.New(b, faults.WithRate(rate, v.GetUint64("fault-seed")))
	}
	return b, nil
}
