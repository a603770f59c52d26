// Command overduecall runs one outbound reminder batch and exits:
// status 0 when the batch completed, 1 on configuration or batch
// errors.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicebridge/voicebridge/internal/ari"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/outbound"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("overduecall")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := cfg.ValidateOutbound(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logOut, closeLog, err := openLogOutput(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer closeLog()
	logger := slog.New(cfg.SlogHandler(logOut))
	slog.SetDefault(logger)

	slog.Info("starting overdue call batch",
		"asterisk", cfg.AsteriskHost,
		"app", cfg.OutboundApp,
		"mysql", cfg.MySQLServer,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.Open(ctx, database.Params{
		Host:     cfg.MySQLServer,
		Database: cfg.MySQLDatabase,
		User:     cfg.MySQLUser,
		Password: cfg.MySQLPassword,
	})
	if err != nil {
		slog.Error("opening campaign store", "error", err)
		return 1
	}
	defer db.Close()

	ariClient := ari.NewClient(cfg.ARIBaseURL(), cfg.AsteriskUsername, cfg.AsteriskPassword, logger)
	stream := ari.NewEventStream(cfg.ARIWebSocketURL(), cfg.AsteriskUsername, cfg.AsteriskPassword, cfg.OutboundApp, logger)
	if err := stream.Start(); err != nil {
		slog.Error("connecting to ari events", "error", err)
		return 1
	}
	defer stream.Close()

	controller := outbound.New(ariClient, database.NewSubscriberRepository(db), stream.Events(), outbound.Options{
		App:               cfg.OutboundApp,
		EndpointFormat:    cfg.OutboundEndpoint,
		CallerID:          cfg.OutboundCallerID,
		Media:             cfg.OutboundMedia,
		MaxAttempts:       cfg.MaxAttempts,
		CallTimeout:       time.Duration(cfg.CallTimeout) * time.Second,
		AudioStartTimeout: time.Duration(cfg.AudioStartTimeout) * time.Second,
		MaxSilent:         time.Duration(cfg.MaxSilent) * time.Second,
		RetryDelay:        time.Duration(cfg.RetryDelay) * time.Second,
		InterJobDelay:     time.Duration(cfg.InterJobDelay) * time.Second,
		PerJobTimeout:     time.Duration(cfg.PerJobTimeout) * time.Second,
		Logger:            logger,
	})

	if err := controller.Run(ctx); err != nil {
		slog.Error("batch aborted", "error", err)
		return 1
	}

	_, successful, failed, _, _ := controller.Stats().Totals()
	slog.Info("batch done", "successful", successful, "failed", failed)
	return 0
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
