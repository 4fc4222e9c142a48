package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/italolelis/smartcam_backup/internal/auth"
	"github.com/italolelis/smartcam_backup/internal/camera/arlo"
	"github.com/italolelis/smartcam_backup/internal/cleanup"
	"github.com/italolelis/smartcam_backup/internal/config"
	"github.com/italolelis/smartcam_backup/internal/downloader"
	"github.com/italolelis/smartcam_backup/internal/engine"
	"github.com/italolelis/smartcam_backup/internal/http/rest"
	"github.com/italolelis/smartcam_backup/internal/ledger"
	"github.com/italolelis/smartcam_backup/internal/logctx"
	"github.com/italolelis/smartcam_backup/internal/notifier"
	"github.com/italolelis/smartcam_backup/internal/photos/gphotos"
	"github.com/italolelis/smartcam_backup/internal/secret"
	"github.com/italolelis/smartcam_backup/internal/staging"
	"github.com/italolelis/smartcam_backup/internal/status"
	"github.com/italolelis/smartcam_backup/internal/storage/sqlite"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/italolelis/smartcam_backup/internal/uploader"
	"github.com/italolelis/smartcam_backup/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewContextHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.InfoContext(ctx, "smartcam backup starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.ErrorContext(ctx, "fatal error", "class", transfer.Classify(err), "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Resolve Secrets
	resolver, err := secret.NewResolver(ctx, cfg.SecretsBackend)
	if err != nil {
		return err
	}

	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		PushInterval:   cfg.Telemetry.PushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(ctx, "failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Ledger and History
	l, err := ledger.Load(ctx, cfg.LedgerPath, tel)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.ErrorContext(ctx, "DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedTransferRepository(database, tel)

	dir, err := staging.New(cfg.StagingDir)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Clients
	retry := transfer.RetryPolicy{Attempts: cfg.Retry.Attempts, Delay: cfg.Retry.Delay, MaxDelay: cfg.Retry.MaxDelay}

	camera := transfer.NewInstrumentedCameraClient(arlo.NewClient(arlo.Config{
		AuthURL:  cfg.ArloAuthURL,
		APIURL:   cfg.ArloAPIURL,
		Username: cfg.ArloUsername,
		Password: cfg.ArloPassword,
		Timeout:  cfg.ClientTimeout,
		Retry:    retry,
	}), tel, "arlo")

	if err := camera.Authenticate(ctx); err != nil {
		if transfer.IsFatal(err) {
			return fmt.Errorf("authentication error: %w", err)
		}

		logger.WarnContext(ctx, "camera login failed, retrying on the first cycle", "err", err)
	}

	photos := transfer.NewInstrumentedPhotoClient(gphotos.NewClient(gphotos.Config{
		BaseURL:       cfg.PhotosBaseURL,
		Timeout:       cfg.ClientTimeout,
		UploadTimeout: cfg.UploadTimeout,
		Retry:         retry,
		RatePerSecond: cfg.UploadRatePerSecond,
		Burst:         cfg.UploadBurst,
	}), tel, "gphotos")

	tokenClient := &http.Client{Timeout: cfg.ClientTimeout, Transport: telemetry.Transport(nil)}
	oauthCfg := auth.NewOAuth2Config(auth.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})

	// =========================================================================
	// Start Workers
	dl := downloader.NewDownloader(downloader.Config{
		Window:        cfg.DownloadWindow,
		Location:      loc,
		StreamTimeout: cfg.StreamTimeout,
	}, camera, l, dir, history, tel)
	defer dl.Close()

	up := uploader.NewUploader(uploader.Config{
		MaxRejections: cfg.MaxRejections,
		Description:   cfg.UploadDescription,
	}, photos, l, dir, history, tel)
	defer up.Close()

	// =========================================================================
	// Start Notification
	notif := buildNotifier(cfg)
	setupNotifications(ctx, notif, dl, up)

	// =========================================================================
	// Start API Service
	bootstrap := auth.NewBootstrap(oauthCfg, l, tokenClient, cfg.OpenBrowser)

	server := setupServer(ctx, cfg, tel, rest.NewStatusHandler(cfg.Web.StatusUsername, cfg.Web.StatusPassword, l, history, up), bootstrap)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	go func() {
		logger.InfoContext(ctx, "Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	defer shutdownServer(ctx, server, cfg.Web.ShutdownTimeout)

	if err := waitForAuthorization(ctx, bootstrap, serverErrors); err != nil {
		return err
	}

	// =========================================================================
	// Start Engine
	var (
		wake    <-chan struct{}
		watcher *staging.Watcher
	)

	if cfg.WatchStaging {
		watcher, err = dir.Watch(transfer.VideoExt)
		if err != nil {
			logger.WarnContext(ctx, "staging watcher unavailable, relying on the upload interval", "err", err)
		} else {
			wake = watcher.C()
		}
	}

	eng := buildEngine(cfg, tel, l, dir, history, dl, up, auth.NewRefresher(oauthCfg, l, tokenClient, tel), wake)
	if watcher != nil {
		eng.AddService("staging_watcher", watcher.Run)
	}

	logger.InfoContext(ctx, "waiting for recordings...",
		"staging_dir", dir.Path(),
		"ledger", l.Path(),
		"download_window", cfg.DownloadWindow.String(),
		"retention", cfg.KeepUploadedFor.String(),
	)

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()

	engineErr := make(chan error, 1)

	go func() { engineErr <- eng.Run(engineCtx) }()

	select {
	case err := <-serverErrors:
		stopEngine()
		<-engineErr

		return fmt.Errorf("server error: %w", err)
	case err := <-engineErr:
		if err != nil {
			notifyFatal(ctx, notif, err)

			return err
		}

		logger.InfoContext(ctx, "start shutdown")

		return nil
	}
}

func buildEngine(
	cfg *config.Config,
	tel *telemetry.Telemetry,
	l *ledger.Ledger,
	dir *staging.Dir,
	history *sqlite.InstrumentedTransferRepository,
	dl *downloader.Downloader,
	up *uploader.Uploader,
	refresher *auth.Refresher,
	wake <-chan struct{},
) *engine.Engine {
	eng := engine.New(
		&worker.Loop{Name: "refresher", Interval: cfg.RefreshInterval, Task: refresher.Cycle, Telemetry: tel},
		&worker.Loop{Name: "downloader", Interval: cfg.DownloadInterval, Task: dl.Cycle, Telemetry: tel},
		&worker.Loop{Name: "uploader", Interval: cfg.UploadInterval, Task: up.Cycle, Wake: wake, Telemetry: tel},
		&worker.Loop{Name: "status", Interval: cfg.StatusInterval, Task: status.NewReporter(l, tel).Cycle, Telemetry: tel},
	)

	if cfg.KeepUploadedFor > 0 {
		sweeper := cleanup.NewSweeper(l, dir, history, cfg.KeepUploadedFor, nil)
		eng.Add(&worker.Loop{Name: "cleanup", Interval: cfg.CleanupInterval, Task: sweeper.Cycle, Telemetry: tel})
	}

	return eng
}

func waitForAuthorization(ctx context.Context, bootstrap *auth.Bootstrap, serverErrors <-chan error) error {
	done := make(chan error, 1)

	go func() { done <- bootstrap.Wait(ctx) }()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("authorization not completed: %w", err)
		}

		return nil
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.Discard{}
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, telemetry.Transport(nil))
}

func setupNotifications(ctx context.Context, notif notifier.Notifier, dl *downloader.Downloader, up *uploader.Uploader) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		for event := range dl.OnFileDownloadError {
			if notifyErr := notif.Notify(ctx, "❌ Download failed for recording: "+event.FileName); notifyErr != nil {
				logger.ErrorContext(ctx, "failed to send notification", "file", event.FileName, "err", notifyErr)
			}
		}
	}()

	go func() {
		for name := range up.OnFileQuarantined {
			if notifyErr := notif.Notify(ctx, "⚠️ Upload quarantined after repeated rejections: "+name); notifyErr != nil {
				logger.ErrorContext(ctx, "failed to send notification", "file", name, "err", notifyErr)
			}
		}
	}()
}

func notifyFatal(ctx context.Context, notif notifier.Notifier, err error) {
	content := "🛑 Backup stopped: " + err.Error()
	if transfer.IsFatal(err) && transfer.Classify(err) == transfer.ClassAuth {
		content = "🛑 Backup stopped, photo library access must be authorized again: " + err.Error()
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if notifyErr := notif.Notify(notifyCtx, content); notifyErr != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "err", notifyErr)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, statusHandler *rest.StatusHandler, bootstrap *auth.Bootstrap) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(tel, statusHandler, bootstrap.HandleCallback),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func shutdownServer(ctx context.Context, server *http.Server, timeout time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			logger.ErrorContext(ctx, "could not stop server gracefully", "err", err)
		}
	}
}
