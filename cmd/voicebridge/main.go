package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/ari"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/metrics"
	"github.com/voicebridge/voicebridge/internal/netinfo"
	"github.com/voicebridge/voicebridge/internal/realtime"
)

func main() {
	cfg, err := config.Load("voicebridge")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateInbound(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logOut, closeLog, err := openLogOutput(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	logger := slog.New(cfg.SlogHandler(logOut))
	slog.SetDefault(logger)

	mediaIP := cfg.MediaIP()
	slog.Info("starting voicebridge",
		"asterisk", cfg.AsteriskHost,
		"app", cfg.InboundApp,
		"media_ip", mediaIP,
		"http_port", cfg.HTTPPort,
	)

	ariClient := ari.NewClient(cfg.ARIBaseURL(), cfg.AsteriskUsername, cfg.AsteriskPassword, logger)

	checks := map[string]api.HealthChecker{
		"asterisk": api.HealthCheckFunc(func(ctx context.Context) error {
			_, err := ariClient.Info(ctx)
			return err
		}),
	}

	// Tool set; empty unless the network info backend is enabled.
	var toolSet []realtime.Tool
	if cfg.EnableMikrotikTools {
		backend := netinfo.NewClient(cfg.MikrotikAPIURL, logger)
		toolSet = append(toolSet, netinfo.NewQueryTool(backend))
		checks["mikrotik"] = api.HealthCheckFunc(backend.Health)
		slog.Info("network info tool enabled", "backend", cfg.MikrotikAPIURL)
	}
	tools, err := realtime.NewRegistry(toolSet...)
	if err != nil {
		slog.Error("building tool registry", "error", err)
		os.Exit(1)
	}

	manager := call.NewManager(ariClient, call.ManagerConfig{
		App:     cfg.InboundApp,
		MediaIP: mediaIP,
		Media: media.Options{
			PortMin:       cfg.RTPPortMin,
			PortMax:       cfg.RTPPortMax,
			FrameInterval: cfg.FrameInterval(),
		},
		Realtime: realtime.Config{
			APIKey:               cfg.OpenAIAPIKey,
			Model:                cfg.OpenAIRealtimeModel,
			Voice:                cfg.Voice,
			Instructions:         cfg.Instructions,
			VADThreshold:         cfg.VADThreshold,
			VADPrefixPaddingMs:   cfg.VADPrefixPaddingMs,
			VADSilenceDurationMs: cfg.VADSilenceDurationMs,
			Tools:                tools,
		},
		Logger: logger,
	})

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	stream := ari.NewEventStream(cfg.ARIWebSocketURL(), cfg.AsteriskUsername, cfg.AsteriskPassword, cfg.InboundApp, logger)
	if err := stream.Start(); err != nil {
		slog.Error("connecting to ari events", "error", err)
		os.Exit(1)
	}
	defer stream.Close()

	go manager.Run(appCtx, stream.Events())

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(manager, nil, time.Now()))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.NewServer(registry, checks),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")
	appCancel()
	stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voicebridge stopped")
}

// openLogOutput returns the log destination: the configured file, or
// stdout.
func openLogOutput(cfg *config.Config) (*os.File, func(), error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}
