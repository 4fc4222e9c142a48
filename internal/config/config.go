package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/italolelis/smartcam_backup/internal/secret"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ArloUsername string `envconfig:"ARLO_USERNAME" required:"true"`
	ArloPassword string `envconfig:"ARLO_PASSWORD"`
	ArloAuthURL  string `envconfig:"ARLO_AUTH_URL" default:"https://ocapi-app.arlo.com"`
	ArloAPIURL   string `envconfig:"ARLO_API_URL" default:"https://myapi.arlo.com"`

	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID" required:"true"`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `envconfig:"GOOGLE_REDIRECT_URL" default:"http://localhost:42069/auth"`
	PhotosBaseURL      string `envconfig:"PHOTOS_BASE_URL" default:"https://photoslibrary.googleapis.com"`
	OpenBrowser        bool   `envconfig:"OPEN_BROWSER" default:"false"`

	LedgerPath string `envconfig:"LEDGER_PATH" default:"data.json"`
	StagingDir string `envconfig:"STAGING_DIR" default:"video"`
	DBPath     string `envconfig:"DB_PATH" default:"history.db"`
	TimeZone   string `envconfig:"TIME_ZONE" default:"UTC"`

	DownloadWindow   time.Duration `envconfig:"DOWNLOAD_WINDOW" default:"168h"`
	DownloadInterval time.Duration `envconfig:"DOWNLOAD_INTERVAL" default:"60s"`
	UploadInterval   time.Duration `envconfig:"UPLOAD_INTERVAL" default:"5s"`
	RefreshInterval  time.Duration `envconfig:"REFRESH_INTERVAL" default:"10m"`
	StatusInterval   time.Duration `envconfig:"STATUS_INTERVAL" default:"1m"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepUploadedFor  time.Duration `envconfig:"KEEP_UPLOADED_FOR" default:"0"`

	ClientTimeout       time.Duration `envconfig:"CLIENT_TIMEOUT" default:"30s"`
	StreamTimeout       time.Duration `envconfig:"STREAM_TIMEOUT" default:"30m"`
	UploadTimeout       time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"10m"`
	UploadRatePerSecond float64       `envconfig:"UPLOAD_RATE_PER_SECOND" default:"0"`
	UploadBurst         int           `envconfig:"UPLOAD_BURST" default:"1"`
	UploadDescription   string        `envconfig:"UPLOAD_DESCRIPTION" default:"Uploaded by smartcam_backup"`
	MaxRejections       int           `envconfig:"MAX_REJECTIONS" default:"3"`
	WatchStaging        bool          `envconfig:"WATCH_STAGING" default:"true"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	SecretsBackend string `envconfig:"SECRETS_BACKEND" default:"env"`
	SecretsPrefix  string `envconfig:"SECRETS_PREFIX" default:"/smartcam_backup"`

	Retry struct {
		Attempts int           `split_words:"true" default:"3"`
		Delay    time.Duration `split_words:"true" default:"1s"`
		MaxDelay time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:42069"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		StatusUsername  string        `split_words:"true"`
		StatusPassword  string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"smartcam_backup"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure bool          `envconfig:"OTLP_INSECURE" default:"false"`
		PushInterval time.Duration `split_words:"true" default:"1m"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolveSecrets fills the credentials left empty in the environment from r.
func (c *Config) ResolveSecrets(ctx context.Context, r secret.Resolver) error {
	if err := secret.Fill(ctx, r, c.SecretsPrefix, map[string]*string{
		"arlo-password":        &c.ArloPassword,
		"google-client-secret": &c.GoogleClientSecret,
	}); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}

	return nil
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE %q: %w", c.TimeZone, err)
	}

	return loc, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
