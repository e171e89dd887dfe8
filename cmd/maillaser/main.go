// Package main is the entry point for the MailLaser SMTP-to-webhook bridge.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maillaser/maillaser/internal/config"
	"github.com/maillaser/maillaser/internal/health"
	"github.com/maillaser/maillaser/internal/smtp"
	mltls "github.com/maillaser/maillaser/internal/tls"
	"github.com/maillaser/maillaser/internal/webhook"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	// The STARTTLS certificate is created once per process start.
	tlsConfig, err := mltls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	forwarder := webhook.New(webhook.Options{
		URL:              cfg.WebhookURL,
		UserAgent:        "MailLaser/" + version,
		Timeout:          secondsDuration(cfg.WebhookTimeoutSecs),
		MaxRetries:       cfg.WebhookMaxRetries,
		CircuitThreshold: cfg.CBThreshold,
		CircuitReset:     secondsDuration(cfg.CBResetSecs),
	})

	server := smtp.New(smtp.ServerConfig{
		Addr:           cfg.SMTPAddr(),
		Targets:        cfg.TargetEmails,
		HeaderPrefixes: cfg.HeaderPrefixes,
		Forwarder:      forwarder,
		TLSConfig:      tlsConfig,
	})

	slog.Info("starting maillaser",
		"version", version,
		"smtp_addr", cfg.SMTPAddr(),
		"health_addr", cfg.HealthAddr(),
		"webhook_url", cfg.WebhookURL,
		"targets", len(cfg.TargetEmails),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The forwarder gets its own lifetime: it must not stop consuming until
	// the SMTP server has fully stopped producing, or messages accepted by
	// sessions finishing during shutdown would sit in the inbox uncounted.
	forwarderCtx, forwarderCancel := context.WithCancel(context.Background())
	defer forwarderCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// The health listener is as load-bearing as the SMTP one: a bind failure
	// is fatal at startup.
	go func() {
		if err := health.Run(ctx, cfg.HealthAddr()); err != nil {
			slog.Error("health server error", "error", err)
			os.Exit(1)
		}
	}()

	forwarderDone := make(chan struct{})
	go func() {
		forwarder.Run(forwarderCtx)
		close(forwarderDone)
	}()

	// Blocks until the context is cancelled and every in-flight session has
	// finished (or the session wait bound expires).
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("smtp server error", "error", err)
		os.Exit(1)
	}

	// Sessions are done; now the forwarder can drain its inbox and log the
	// final counters.
	forwarderCancel()
	<-forwarderDone

	slog.Info("maillaser stopped")
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// secondsDuration converts a whole-seconds config value to a Duration.
func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
