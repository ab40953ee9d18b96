// Package main is the entry point for ghostmail, a local mail catcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/ghostmail/internal/api"
	"github.com/shineum/ghostmail/internal/config"
	"github.com/shineum/ghostmail/internal/notify"
	"github.com/shineum/ghostmail/internal/notify/stdout"
	"github.com/shineum/ghostmail/internal/smtp"
	"github.com/shineum/ghostmail/internal/submit"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "ghostmail",
		Short:        "Capture SMTP mail locally and browse it over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the SMTP capture endpoint and the HTTP query interface",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		newSendCmd(&configPath),
		newListCmd(&configPath),
		newClearCmd(&configPath),
		newExportCmd(&configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	st, err := openConfiguredStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var notifier notify.Notifier
	if cfg.Notify == "stdout" {
		notifier = stdout.New()
	}

	server := smtp.New(smtp.Config{
		ListenAddr:  cfg.SMTPAddr(),
		Domain:      cfg.SMTP.Domain,
		Auth:        smtp.NewAuthenticator(cfg.SMTP.Username, cfg.SMTP.Password),
		Store:       st,
		Notifier:    notifier,
		IdleTimeout: cfg.SMTP.IdleTimeout,
	})

	handler := api.New(st, newSubmitter(cfg), api.Info{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Domain:   cfg.SMTP.Domain,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	})

	slog.Info("starting ghostmail",
		"smtp", cfg.SMTPAddr(),
		"web", cfg.WebAddr(),
		"store", cfg.Store.Driver,
		"path", cfg.Store.Path,
		"notify", cfg.Notify,
	)

	// Either listener failing takes the other one down with it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() {
		err := server.ListenAndServe(ctx)
		cancel()
		errc <- err
	}()
	go func() {
		err := api.ListenAndServe(ctx, cfg.WebAddr(), handler.Routes())
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		cancel()
		errc <- err
	}()

	var errs []error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			slog.Error("server error", "error", err)
			errs = append(errs, err)
		}
	}

	slog.Info("ghostmail stopped")
	return errors.Join(errs...)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given, then validates it.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newSubmitter(cfg *config.Config) *submit.Client {
	return &submit.Client{
		Addr:     cfg.SubmitAddr(),
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		Domain:   cfg.SMTP.Domain,
	}
}

// setupLogger configures the global slog logger with the specified level
// and output format.
func setupLogger(level, format string) {
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

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
