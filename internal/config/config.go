// Package config holds the engine configuration and loads it from YAML, TOML or JSON files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/security"
)

type Strategy string

const (
	// StrategyImmediate downloads and activates within one sync.
	StrategyImmediate Strategy = "immediate"
	// StrategyBackground downloads during sync and leaves activation to the caller.
	StrategyBackground Strategy = "background"
	// StrategyManual behaves like background but is meant for explicit user flows.
	StrategyManual Strategy = "manual"
)

const (
	CatalogBolt   = "bolt"
	CatalogSQLite = "sqlite"
)

type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// RetryDelay seeds the exponential backoff between attempts.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
	// Timeout bounds every single attempt.
	Timeout time.Duration
}

type BackgroundConfig struct {
	Enabled                 bool
	RequireUnmeteredNetwork bool
	// MinBatteryLevel is a percentage. Zero disables the check.
	MinBatteryLevel int
	RequireCharging bool
}

// Config is an immutable snapshot of the engine settings.
// Build it with Default or Load and check it with Validate before use.
type Config struct {
	ServerURL          string
	Channel            string
	PublicKey          string
	SignatureAlgorithm security.SignatureAlgorithm
	RequireSignature   bool
	ChecksumAlgorithm  security.ChecksumAlgorithm
	MaxBundleSize      int64
	AllowedHosts       []string
	EnforceHTTPS       bool
	CheckInterval      time.Duration
	Retry              RetryConfig
	// DownloadSpeedLimit is in bytes per second. Zero means unlimited.
	DownloadSpeedLimit float64
	UpdateStrategy     Strategy
	// BuiltinVersion is the version of the content shipped with the application.
	BuiltinVersion string
	// BuiltinPath is the content root used when no bundle is active.
	BuiltinPath string
	// HostCommand is the application the daemon supervises and restarts after every content root switch.
	HostCommand []string
	DataDir     string
	// CatalogDriver selects the catalog backend, bolt or sqlite.
	CatalogDriver   string
	KeepBundles     int
	MaxBundleAge    time.Duration
	AppReadyTimeout time.Duration
	Background      BackgroundConfig
}

func Default() Config {
	return Config{
		Channel:            "production",
		SignatureAlgorithm: security.Ed25519,
		ChecksumAlgorithm:  security.SHA256,
		MaxBundleSize:      100 * 1000 * 1000,
		EnforceHTTPS:       true,
		CheckInterval:      time.Hour,
		Retry: RetryConfig{
			MaxRetries:    3,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
			Timeout:       60 * time.Second,
		},
		UpdateStrategy:  StrategyBackground,
		BuiltinVersion:  "0.0.0",
		DataDir:         "/var/lib/liveupdate",
		CatalogDriver:   CatalogBolt,
		KeepBundles:     2,
		AppReadyTimeout: 10 * time.Second,
	}
}

// Validate rejects invalid settings and combinations. Every problem is reported;
// the result wraps errdefs.ErrConfig, and errdefs.ErrInsecureURL for a server
// URL that breaks the HTTPS policy.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s: %w", field, fmt.Sprintf(format, args...), errdefs.ErrConfig))
	}

	if c.ServerURL == "" {
		invalid("server_url", "required")
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Host == "" {
		invalid("server_url", "malformed url %q", c.ServerURL)
	} else if strings.EqualFold(u.Scheme, "http") && c.EnforceHTTPS {
		errs = append(errs, fmt.Errorf("server_url: %s with https enforced: %w", u.Redacted(), errdefs.ErrInsecureURL))
	} else if !slices.Contains([]string{"http", "https"}, strings.ToLower(u.Scheme)) {
		errs = append(errs, fmt.Errorf("server_url: unsupported scheme %q: %w", u.Scheme, errdefs.ErrInsecureURL))
	}
	if c.Channel == "" {
		invalid("channel", "required")
	}
	if !slices.Contains([]security.SignatureAlgorithm{security.Ed25519, security.RSASHA256}, c.SignatureAlgorithm) {
		invalid("signature_algorithm", "unsupported %q", c.SignatureAlgorithm)
	} else if c.PublicKey != "" {
		if _, err := security.ParsePublicKey(c.PublicKey, c.SignatureAlgorithm); err != nil {
			invalid("public_key", "%v", err)
		}
	}
	if c.RequireSignature && c.PublicKey == "" {
		invalid("public_key", "required when require_signature is set")
	}
	if !slices.Contains([]security.ChecksumAlgorithm{security.SHA256, security.SHA512}, c.ChecksumAlgorithm) {
		invalid("checksum_algorithm", "unsupported %q", c.ChecksumAlgorithm)
	}
	if c.MaxBundleSize <= 0 {
		invalid("max_bundle_size", "must be positive")
	}
	if c.CheckInterval <= 0 {
		invalid("check_interval", "must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		invalid("retry.max_retries", "must not be negative")
	}
	if c.Retry.RetryDelay <= 0 {
		invalid("retry.retry_delay", "must be positive")
	}
	if c.Retry.MaxRetryDelay < c.Retry.RetryDelay {
		invalid("retry.max_retry_delay", "must not be shorter than retry_delay")
	}
	if c.Retry.Timeout <= 0 {
		invalid("retry.timeout", "must be positive")
	}
	if c.DownloadSpeedLimit < 0 {
		invalid("download_speed_limit", "must not be negative")
	}
	if !slices.Contains([]Strategy{StrategyImmediate, StrategyBackground, StrategyManual}, c.UpdateStrategy) {
		invalid("update_strategy", "unsupported %q", c.UpdateStrategy)
	}
	if c.BuiltinVersion == "" {
		invalid("builtin_version", "required")
	}
	if c.DataDir == "" {
		invalid("data_dir", "required")
	} else if !filepath.IsAbs(c.DataDir) {
		invalid("data_dir", "must be absolute")
	}
	if !slices.Contains([]string{CatalogBolt, CatalogSQLite}, c.CatalogDriver) {
		invalid("catalog_driver", "unsupported %q", c.CatalogDriver)
	}
	if c.KeepBundles < 0 {
		invalid("keep_bundles", "must not be negative")
	}
	if c.MaxBundleAge < 0 {
		invalid("max_bundle_age", "must not be negative")
	}
	if c.AppReadyTimeout < 0 {
		invalid("app_ready_timeout", "must not be negative")
	}
	if c.Background.MinBatteryLevel < 0 || c.Background.MinBatteryLevel > 100 {
		invalid("background.min_battery_level", "must be between 0 and 100")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config.Config.Validate: %w", errors.Join(errs...))
	}
	return nil
}

// Validator builds the security validator described by this configuration.
func (c *Config) Validator() (*security.Validator, error) {
	return security.NewValidator(
		security.WithAllowedHosts(c.AllowedHosts...),
		security.WithPublicKey(c.PublicKey, c.SignatureAlgorithm),
		security.WithRequireSignature(c.RequireSignature),
	)
}

// CatalogPath is the location of the catalog database under DataDir.
func (c *Config) CatalogPath() string {
	if c.CatalogDriver == CatalogSQLite {
		return filepath.Join(c.DataDir, "catalog.sqlite")
	}
	return filepath.Join(c.DataDir, "catalog.db")
}

// BundlesDir is the storage root for bundle contents.
func (c *Config) BundlesDir() string {
	return filepath.Join(c.DataDir, "store")
}

// ContentLink is the symlink the host serves its content from.
func (c *Config) ContentLink() string {
	return filepath.Join(c.DataDir, "current")
}
