package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pithecene-io/objstream/objstream"
)

// app holds the state shared by subcommands for one invocation.
type app struct {
	v   *viper.Viper
	out io.Writer

	logger  *zap.Logger
	backend objstream.Backend
	client  *objstream.Client
	metrics *http.Server
}

func newApp(out io.Writer) *app {
	return &app{v: viper.New(), out: out}
}

// command builds the root command and its subcommands.
func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:   "objstream",
		Short: "Resumable object downloads and listings",
		Long: `objstream reads objects from memory, local, S3-compatible or Google Cloud
Storage backends. Interrupted downloads resume where they stopped and
transient failures are retried per operation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}

	f := root.PersistentFlags()
	f.String("config", "", "config file (YAML, JSON or TOML)")
	f.String("backend", "fs", "storage backend: memory, fs, s3 or gcs")
	f.Bool("verbose", false, "development logging at debug level")
	f.String("root", ".", "fs backend: directory holding one subdirectory per bucket")
	f.Int("chunk-size", 0, "bytes per streamed chunk (0 = backend default)")
	f.String("s3-region", "us-east-1", "s3 backend: region")
	f.String("s3-endpoint", "", "s3 backend: custom endpoint (MinIO, LocalStack, R2)")
	f.Bool("s3-path-style", false, "s3 backend: path-style addressing")
	f.String("s3-prefix", "", "s3 backend: key prefix for every object")
	f.String("gcs-endpoint", "", "gcs backend: custom endpoint")
	f.Bool("gcs-no-auth", false, "gcs backend: unauthenticated access")
	f.String("resume-policy", objstream.ResumeFromDelivered.String(), "where resumed reads restart: delivered or last-chunk")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	f.Float64("fault-rate", 0, "inject transient read faults with this probability (testing)")
	f.Uint64("fault-seed", 1, "seed for injected faults")

	root.AddCommand(a.getCommand(), a.lsCommand())
	return root
}

// setup loads configuration and builds the logger, backend and client.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.loadConfig(cmd); err != nil {
		return err
	}

	if a.logger == nil {
		logger, err := newLogger(a.v.GetBool("verbose"))
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		a.logger = logger
	}

	opts, err := clientOptions(a.v)
	if err != nil {
		return err
	}
	opts = append(opts, objstream.WithLogger(a.logger))

	if addr := a.v.GetString("metrics-addr"); addr != "" {
		m, err := a.serveMetrics(addr)
		if err != nil {
			return err
		}
		opts = append(opts, objstream.WithMetrics(m))
	}

	if a.backend == nil {
		b, err := openBackend(cmd.Context(), a.v)
		if err != nil {
			return err
		}
		a.backend = b
	}

	a.client, err = objstream.NewClient(a.backend, opts...)
	return err
}

// loadConfig binds flags and environment variables and reads the config file.
func (a *app) loadConfig(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	a.v.SetEnvPrefix("OBJSTREAM")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()

	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", file, err)
		}
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// serveMetrics registers client metrics on a fresh registry and serves it.
func (a *app) serveMetrics(addr string) (*objstream.Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := objstream.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return m, nil
}

func (a *app) teardown() error {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}
