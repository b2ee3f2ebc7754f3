package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jettison-io/parley/internal/alert"
	"github.com/jettison-io/parley/internal/authbroker"
	"github.com/jettison-io/parley/internal/channels"
	slackchannel "github.com/jettison-io/parley/internal/channels/slack"
	telegramchannel "github.com/jettison-io/parley/internal/channels/telegram"
	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/internal/llm"
	"github.com/jettison-io/parley/internal/loop"
	"github.com/jettison-io/parley/internal/metrics"
	"github.com/jettison-io/parley/internal/server"
	"github.com/jettison-io/parley/internal/session"
	"github.com/jettison-io/parley/internal/store"
	"github.com/jettison-io/parley/internal/tools"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting parley", "version", version)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	for _, sys := range cfg.Systems {
		if sys.OpenAPISpec == "" {
			logger.Warn("system has no openapi spec, no tools registered", "system", sys.Name)
			continue
		}
		spec, err := tools.LoadSpec(sys.OpenAPISpec)
		if err != nil {
			return fmt.Errorf("system %s: %w", sys.Name, err)
		}
		if err := registry.LoadSystem(sys.Name, spec, logger); err != nil {
			return fmt.Errorf("system %s: %w", sys.Name, err)
		}
	}

	m := metrics.New()
	alerts := alert.New(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout, logger)
	gateway := tools.NewGateway(registry, logger)
	broker := authbroker.New(st, cfg, nil, logger)
	controller := loop.New(st, provider, registry, gateway, broker, cfg, m, alerts, logger)
	manager := session.New(st, controller, broker, cfg, m, alerts, logger)

	adapters, err := newAdapters(cfg, logger)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no channels enabled")
	}
	for _, a := range adapters {
		manager.Register(a)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return err
	}

	srv := server.New(cfg, manager, st, m, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	manager.Stop()
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return store.NewPostgresStore(cfg.Database.URL, &store.PostgresConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
	default:
		return store.NewSQLiteStore(cfg.Database.Path)
	}
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	}
}

func newAdapters(cfg *config.Config, logger *slog.Logger) ([]channels.Adapter, error) {
	var adapters []channels.Adapter
	if cfg.Channels.Slack.Enabled {
		a, err := slackchannel.New(cfg.Channels.Slack, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.Telegram.Enabled {
		a, err := telegramchannel.New(cfg.Channels.Telegram, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
