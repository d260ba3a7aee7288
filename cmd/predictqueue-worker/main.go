// Package main is the entry point for the prediction queue worker: one
// instance in a horizontally-scaled pool of identically configured workers
// competing for messages on the same Redis stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/predictqueue/internal/config"
	"github.com/jmylchreest/predictqueue/internal/logging"
	"github.com/jmylchreest/predictqueue/internal/prediction"
	"github.com/jmylchreest/predictqueue/internal/queue"
	"github.com/jmylchreest/predictqueue/internal/response"
	"github.com/jmylchreest/predictqueue/internal/supervisor"
	"github.com/jmylchreest/predictqueue/internal/telemetry"
	"github.com/jmylchreest/predictqueue/internal/upload"
	"github.com/jmylchreest/predictqueue/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	// An early, process-wide handler turns SIGTERM/SIGINT into immediate
	// exit until the supervisor's own cooperative handler is installed
	// below, per spec §5.
	earlySig := make(chan os.Signal, 1)
	signal.Notify(earlySig, syscall.SIGTERM, syscall.SIGINT)
	earlyDone := make(chan struct{})
	go func() {
		select {
		case sig := <-earlySig:
			fmt.Fprintf(os.Stderr, "received %s before startup completed, exiting\n", sig)
			os.Exit(1)
		case <-earlyDone:
		}
	}()

	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting predictqueue-worker",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	flags, engineCmd, engineArgs, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(flags)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx := context.Background()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		return 1
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		return 1
	}
	logger.Info("connected to redis", "addr", opt.Addr)

	qc, err := queue.New(ctx, queue.Options{
		RDB:            rdb,
		Stream:         cfg.InputQueue,
		Consumer:       cfg.ConsumerID,
		AutoclaimAfter: cfg.AutoclaimAfter(),
	})
	if err != nil {
		logger.Error("failed to initialize stream client", "error", err)
		return 1
	}

	var s3Putter upload.Putter
	if cfg.StorageEnabled() {
		s3Client, err := upload.NewS3Client(ctx, upload.StorageConfig{
			AccessKey:   cfg.S3AccessKey,
			SecretKey:   cfg.S3SecretKey,
			EndpointURL: cfg.S3EndpointURL,
			Bucket:      cfg.S3Bucket,
			Region:      cfg.S3Region,
		})
		if err != nil {
			logger.Error("failed to initialize object storage client", "error", err)
			return 1
		}
		s3Putter = s3Client
	} else {
		logger.Warn("object storage not configured, uploads will fail if the engine produces output")
	}
	stage := upload.NewStage(s3Putter, cfg.S3Bucket, logger)

	telemetryProvider, err := telemetry.New(ctx)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		return 1
	}
	defer func() {
		if err := telemetryProvider.Shutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	httpClient := &http.Client{}
	respDeps := response.Dependencies{
		HTTPPoster: httpClient,
		Publisher:  &response.RedisPublisher{RDB: rdb},
	}

	if engineCmd == "" {
		logger.Error("--engine-cmd is required: no inference engine ships with this binary")
		return 1
	}
	eng := newSubprocessEngine(engineCmd, engineArgs, logger)

	sup := supervisor.New(supervisor.Deps{
		Config:       cfg,
		Queue:        qc,
		Engine:       eng,
		Stage:        stage,
		ResponseDeps: respDeps,
		NewCancelOracle: func(cancelKey string) prediction.CancelOracle {
			return &prediction.RedisCancelOracle{RDB: rdb, CancelKey: cancelKey}
		},
		Tracer:     telemetryProvider.Tracer(),
		Logger:     logger,
		ReportHTTP: httpClient,
		Readiness:  supervisor.NoopReadiness{},
	})

	// Swap the early immediate-exit handler for the supervisor's
	// cooperative one: further signals cancel the run context instead of
	// killing the process outright.
	signal.Stop(earlySig)
	close(earlyDone)

	runCtx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal, draining", "signal", sig.String())
		cancel()
	}()
	defer signal.Stop(sigCh)

	if err := sup.Run(runCtx); err != nil {
		logger.Error("worker exiting after error", "error", err)
		return 1
	}

	logger.Info("worker stopped")
	return 0
}

// parseFlags parses the CLI surface described in spec §6. Positional
// arguments are rejected.
func parseFlags(args []string) (config.Flags, string, []string, error) {
	fs := flag.NewFlagSet("predictqueue-worker", flag.ContinueOnError)

	var f config.Flags
	var engineCmd string
	var engineArgsRaw string

	fs.StringVar(&f.RedisURL, "redis-url", "", "Redis connection URL (redis://host:port/db)")
	fs.StringVar(&f.RedisHost, "redis-host", "", "Legacy: Redis host, composed into --redis-url")
	fs.IntVar(&f.RedisPort, "redis-port", 0, "Legacy: Redis port, composed into --redis-url")
	fs.StringVar(&f.InputQueue, "input-queue", "", "Name of the input stream / consumer group to read from")
	fs.StringVar(&f.S3AccessKey, "s3-access-key", "", "S3-compatible object storage access key")
	fs.StringVar(&f.S3SecretKey, "s3-secret-key", "", "S3-compatible object storage secret key")
	fs.StringVar(&f.S3EndpointURL, "s3-endpoint-url", "", "S3-compatible object storage endpoint URL")
	fs.StringVar(&f.S3Bucket, "s3-bucket", "", "S3-compatible object storage bucket")
	fs.StringVar(&f.S3Region, "s3-region", "", "S3-compatible object storage region")
	fs.StringVar(&f.ConsumerID, "consumer-id", "", "Unique consumer name within the stream's consumer group")
	fs.IntVar(&f.PredictTimeout, "predict-timeout", 0, "Per-prediction deadline in seconds (0 disables)")
	fs.StringVar(&f.ReportSetupRunURL, "report-setup-run-url", "", "URL to POST the setup report to")
	fs.IntVar(&f.MaxFailureCount, "max-failure-count", 0, "Consecutive failure threshold before the process exits (0 disables)")
	fs.StringVar(&engineCmd, "engine-cmd", "", "Path to the inference engine subprocess binary")
	fs.StringVar(&engineArgsRaw, "engine-args", "", "Comma-separated arguments passed to the engine subprocess")

	if err := fs.Parse(args); err != nil {
		return config.Flags{}, "", nil, err
	}
	if fs.NArg() > 0 {
		return config.Flags{}, "", nil, fmt.Errorf("unexpected positional arguments: %v", fs.Args())
	}

	var engineArgs []string
	if engineArgsRaw != "" {
		engineArgs = strings.Split(engineArgsRaw, ",")
	}

	return f, engineCmd, engineArgs, nil
}
