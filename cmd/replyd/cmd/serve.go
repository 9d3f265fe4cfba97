package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shineum/inbound-reply/internal/processor"
	"github.com/shineum/inbound-reply/internal/smtp"
	replytls "github.com/shineum/inbound-reply/internal/tls"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept replies over SMTP and hand them to the configured processor",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tlsConfig, err := replytls.Load(cfg.TLS, cfg.SMTP.Hostname)
	if err != nil {
		return err
	}

	proc, err := processor.New(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		metrics := serveMetrics(cfg.Metrics.Listen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr: cfg.SMTP.Listen,
		Session: smtp.SessionConfig{
			Hostname:       cfg.SMTP.Hostname,
			Records:        cfg.Email(proc, slog.Default()),
			MaxMessageSize: cfg.SMTP.MaxMessageSize,
			MaxRecipients:  cfg.SMTP.MaxRecipients,
			AcceptDomains:  cfg.SMTP.AcceptDomains,
			TLSConfig:      tlsConfig,
		},
		MaxConnections: cfg.SMTP.MaxConnections,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
	})

	slog.Info("starting replyd",
		"listen", cfg.SMTP.Listen,
		"processor", proc.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"to_mode", cfg.Reply.To,
		"from_mode", cfg.Reply.From,
		"custom_delimiter", cfg.Reply.Delimiter != "",
	)

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}

	slog.Info("replyd stopped")
	return nil
}

// serveMetrics exposes the Prometheus registry on addr in the background.
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
