package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/flowgraph/flowgraph"
	"github.com/flowgraph/flowgraph/common/config"
	"github.com/flowgraph/flowgraph/common/logger"
	"github.com/flowgraph/flowgraph/server"
	"github.com/flowgraph/flowgraph/telemetry"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("flowgraphd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	opts, cleanup, err := engineOptions(ctx, cfg, log)
	if err != nil {
		log.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	eng, err := flowgraph.New(cfg.Workflow.Path, opts...)
	if err != nil {
		log.Error("workflow failed to compile", "error", err, "path", cfg.Workflow.Path)
		os.Exit(1)
	}
	defer eng.Close()

	log.Info("workflow compiled",
		"graph", eng.Definition().Name,
		"nodes", len(eng.Definition().Nodes),
		"warnings", len(eng.Warnings()),
	)

	api := server.NewAPI(eng, log)
	srv := server.New(cfg.Service.Name, cfg.Service.Port, api.Router(), log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// engineOptions assembles the sink stack from config. The returned
// cleanup releases connections owned by the sinks.
func engineOptions(ctx context.Context, cfg *config.Config, log *logger.Logger) ([]flowgraph.Option, func(), error) {
	opts := []flowgraph.Option{
		flowgraph.WithLogger(log),
		flowgraph.WithTimeout(cfg.Workflow.RunTimeout),
		flowgraph.WithCancelOnError(cfg.Workflow.CancelOnError),
		flowgraph.WithMemoryCapture(cfg.Telemetry.EventBuffer),
	}
	if len(cfg.Workflow.AllowedEngines) > 0 {
		opts = append(opts, flowgraph.WithAllowedEngines(cfg.Workflow.AllowedEngines...))
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if path := cfg.Telemetry.EventLogPath; path != "" {
		jsonl, err := telemetry.NewJSONLExporter(path)
		if err != nil {
			return nil, cleanup, err
		}
		cleanups = append(cleanups, func() { jsonl.Close() })
		opts = append(opts, flowgraph.WithExporter(jsonl))
	} else {
		opts = append(opts, flowgraph.WithoutEventLog())
	}

	if cfg.Telemetry.Console {
		opts = append(opts, flowgraph.WithExporter(telemetry.NewConsoleExporter()))
	}

	if dsn := cfg.Telemetry.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, cleanup, fmt.Errorf("postgres sink: %w", err)
		}
		cleanups = append(cleanups, pool.Close)
		exporter := telemetry.NewPostgresExporter(pool)
		if err := exporter.EnsureSchema(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("postgres sink schema: %w", err)
		}
		opts = append(opts, flowgraph.WithExporter(exporter))
	}

	if addr := cfg.Telemetry.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		cleanups = append(cleanups, func() { client.Close() })
		opts = append(opts, flowgraph.WithExporter(
			telemetry.NewRedisStreamExporter(client, cfg.Telemetry.RedisStream, cfg.Telemetry.RedisMaxEvents),
		))
	}

	if cfg.Telemetry.EnableOTel {
		opts = append(opts, flowgraph.WithExporter(telemetry.NewOTelExporter()))
	}

	return opts, cleanup, nil
}
