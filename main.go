// Command pagewatch watches web page elements for text changes and notifies
// the requesting owner when a session ends.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagewatch/config"
	"pagewatch/email"
	"pagewatch/poll"
	"pagewatch/scraper"
	"pagewatch/server"
	"pagewatch/storage"
	"pagewatch/stream"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider := newEmailProvider(ctx, cfg, logger)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	client := &http.Client{Timeout: 30 * time.Second, Jar: jar}

	var renderer scraper.Renderer
	if cfg.Browser.Enabled {
		browser := scraper.NewBrowser(cfg.Browser.Bin, logger)
		defer func() {
			if err := browser.Close(); err != nil {
				logger.Warn("Failed to close browser", "error", err)
			}
		}()
		renderer = browser
		logger.Info("Headless browser fallback enabled", "bin", cfg.Browser.Bin)
	}

	hub := stream.New(logger)
	fetcher := scraper.New(client, renderer, logger)
	monitor := poll.New(
		fetcher,
		store,
		[]poll.Sink{email.New(provider, logger), hub},
		logger,
	)
	monitor.Start(ctx)

	if cfg.Server.TokenSecret == "" {
		logger.Warn("TOKEN_SECRET not set, stop tokens will not survive a restart")
	}
	srv := server.New(&server.Config{
		Monitor:     monitor,
		Verifier:    fetcher,
		Events:      hub,
		Logger:      logger,
		TokenSecret: cfg.Server.TokenSecret,
	}).HTTPServer(cfg.Server.Port)

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			stop()
			monitor.Wait()
			hub.Close()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "active_sessions", monitor.Active())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}

	// Sessions report their shutdown outcome before the stream closes.
	monitor.Wait()
	hub.Close()
	logger.Info("Shutdown complete")
	return nil
}

// openStore builds the session store the config selects and returns a
// function releasing its client.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (poll.Store, func(), error) {
	switch cfg.StorageBackend() {
	case config.BackendRedis:
		client, err := storage.NewRedisClient(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Redis session store", "addr", cfg.Storage.RedisAddr)
		return storage.NewRedisStore(client, logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close Redis client", "error", err)
			}
		}, nil

	case config.BackendLocal:
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running in local development mode", "storage_path", cfg.Storage.LocalPath)
		return storage.New(nil, "", cfg.Storage.LocalPath, logger), func() {}, nil

	default:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage session store", "bucket", cfg.Storage.Bucket)
		return storage.New(client, cfg.Storage.Bucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}
}

// newEmailProvider prefers Brevo, then Gmail, and falls back to logging.
func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	if cfg.Email.BrevoAPIKey != "" && cfg.Email.FromAddr != "" {
		logger.Info("Using Brevo email provider", "from", cfg.Email.FromAddr)
		return email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.FromAddr, cfg.Email.FromName, logger)
	}

	svc, err := initGmailService(ctx, cfg.Email.GoogleCredentialsJSON)
	if err == nil {
		logger.Info("Using Gmail email provider", "from", cfg.Email.FromAddr)
		return email.NewGmailProvider(svc, cfg.Email.FromAddr, cfg.Email.FromName, logger)
	}

	logger.Info("Mock email mode enabled", "reason", err)
	return email.NewMockProvider(logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials; the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
