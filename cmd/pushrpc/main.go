package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pushrpc/internal/cache"
	"pushrpc/internal/client"
	"pushrpc/internal/config"
	"pushrpc/internal/registry"
	"pushrpc/internal/server"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	demo := flag.Bool("demo", false, "run a demo client against the broker")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("starting pushrpc")

	broker := server.NewBroker(logger)
	registerDemoItems(broker)

	srv := server.New(cfg, broker, logger)
	srv.Start()

	// Push the clock to subscribers once a second.
	tickCtx, tickCancel := context.WithCancel(context.Background())
	defer tickCancel()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				broker.Trigger(tickCtx, "clock", nil)
			}
		}
	}()

	if *demo {
		go runDemoClient(cfg, logger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "config.json" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// registerDemoItems adds the built-in demo services
func registerDemoItems(broker *server.Broker) {
	broker.Register("echo", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})
	broker.Register("clock", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(time.Now().Format(time.RFC3339Nano))
	})
}

// runDemoClient exercises the client core against the local broker
func runDemoClient(cfg *config.Config, logger zerolog.Logger) {
	adapter, err := cache.NewMemory(cfg.CacheSize, cfg.GetCacheTTLDuration())
	if err != nil {
		logger.Error().Err(err).Msg("demo: failed to create cache")
		return
	}
	defer adapter.Close()

	core, err := client.New(client.Options{
		BaseURL:               fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		CallTimeout:           cfg.GetCallTimeoutDuration(),
		ReconnectDelay:        cfg.GetReconnectDelayDuration(),
		ErrorDelayMaxDuration: cfg.GetErrorDelayMaxDuration(),
		PingInterval:          cfg.GetPingIntervalDuration(),
		Subscribe:             true,
		ConnectOnCreate:       true,
		Cache:                 adapter,
		Logger:                logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("demo: failed to create client")
		return
	}
	defer core.Close()

	result, err := core.Call(context.Background(), "echo", []any{"hello"})
	if err != nil {
		logger.Error().Err(err).Msg("demo: echo call failed")
		return
	}
	logger.Info().RawJSON("result", result).Msg("demo: echo")

	consumer := registry.NewConsumer(func(data json.RawMessage) {
		logger.Info().RawJSON("tick", data).Msg("demo: clock")
	})
	if err := core.Subscribe(context.Background(), "clock", nil, consumer); err != nil {
		logger.Error().Err(err).Msg("demo: clock subscribe failed")
		return
	}

	select {}
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
