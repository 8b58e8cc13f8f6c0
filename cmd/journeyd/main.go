// Command journeyd runs the promptable journey engine daemon: an HTTP
// service the workflow graph executor calls for AI, decision, and autonomous
// step execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loupeai/journey/internal/config"
	"github.com/loupeai/journey/internal/journey/engine"
	"github.com/loupeai/journey/internal/journey/gateway"
	"github.com/loupeai/journey/internal/journey/runtime"
	"github.com/loupeai/journey/internal/journey/template"
	"github.com/loupeai/journey/internal/server"
)

func main() {
	var configPath string
	var envFile string
	flag.StringVar(&configPath, "config", "", "path to journey config (yaml or json)")
	flag.StringVar(&envFile, "env-file", ".env", "optional env file loaded before config")
	flag.Parse()

	// Missing .env is fine; an explicit --env-file that cannot be read is not.
	if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
		fmt.Fprintf(os.Stderr, "journeyd: load %s: %v\n", envFile, err)
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "journeyd: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "journeyd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("journeyd exited", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	store, err := openTemplateStore(cfg.TemplateStore)
	if err != nil {
		return fmt.Errorf("template store: %w", err)
	}
	registry := template.NewRegistry(store)
	defer registry.Close()

	gw := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		Path:           cfg.Gateway.Path,
		APIKey:         cfg.Gateway.APIKey(),
		RequestTimeout: time.Duration(cfg.Gateway.RequestTimeoutMS) * time.Millisecond,
		ExtraHeaders:   cfg.Gateway.Headers,
	})

	caps := engine.NewDefaultCapabilityRegistry()
	if cfg.Safety.MaxOutreachContacts > 0 {
		caps.Register(&engine.AutoOutreach{MaxContactsPerRun: cfg.Safety.MaxOutreachContacts})
	}

	progress := runtime.NewChanSink(cfg.Events.BufferSize)
	defer progress.Close()
	go drainEvents(progress, logger)

	safety := engine.NewSafetyPolicy()
	safety.SetKillSwitch(cfg.Safety.KillSwitch)

	eng, err := engine.New(engine.Options{
		Templates:    registry,
		Gateway:      gw,
		Capabilities: caps,
		Safety:       safety,
		Metrics: runtime.SinkFunc(func(ev runtime.Event) {
			logger.Info("capability metrics", zap.Any("data", ev.Data))
		}),
		SafetyEvents: runtime.SinkFunc(func(ev runtime.Event) {
			logger.Warn("safety violation", zap.Any("data", ev.Data))
		}),
		Progress: progress,
		Backoff: engine.BackoffConfig{
			InitialDelayMS: cfg.Retry.InitialDelayMS,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			MaxDelayMS:     cfg.Retry.MaxDelayMS,
			Jitter:         *cfg.Retry.Jitter,
		},
		MaxAttempts: cfg.Retry.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Config{Addr: cfg.Server.Addr}, eng, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		srv.Shutdown()
	}()

	return srv.ListenAndServe()
}

func openTemplateStore(cfg config.TemplateStoreConfig) (template.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return template.OpenSQLiteStore(context.Background(), cfg.Path)
	default:
		return template.NewMemoryStore(), nil
	}
}

// drainEvents forwards progress events to the log. Drops are counted by the
// sink itself; the engine never blocks on a slow consumer.
func drainEvents(sink *runtime.ChanSink, logger *zap.Logger) {
	for ev := range sink.Events() {
		logger.Debug("event",
			zap.String("type", ev.Type),
			zap.String("id", ev.ID),
			zap.Any("data", ev.Data))
	}
	if n := sink.Dropped(); n > 0 {
		logger.Warn("progress events dropped", zap.Int64("count", n))
	}
}
