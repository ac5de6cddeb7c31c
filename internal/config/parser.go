package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/security"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatYAML
	FormatTOML
	FormatJSON
)

func detectFormat(path string, content []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	}
	return sniffFormat(content)
}

var (
	tomlKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\s*=`)
	yamlKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\s*:`)
)

// sniffFormat guesses the format of extensionless files from the first meaningful line.
func sniffFormat(content []byte) Format {
	trimmed := strings.TrimSpace(string(content))
	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}
	for line := range strings.SplitSeq(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "["), tomlKeyPattern.MatchString(line):
			return FormatTOML
		case yamlKeyPattern.MatchString(line), strings.HasPrefix(line, "---"):
			return FormatYAML
		}
	}
	return FormatUnknown
}

// fileConfig mirrors Config as written by humans: sizes like "100MB" and
// durations like "1h". Nil fields keep their defaults.
type fileConfig struct {
	ServerURL          *string   `yaml:"server_url" toml:"server_url" json:"server_url"`
	Channel            *string   `yaml:"channel" toml:"channel" json:"channel"`
	PublicKey          *string   `yaml:"public_key" toml:"public_key" json:"public_key"`
	SignatureAlgorithm *string   `yaml:"signature_algorithm" toml:"signature_algorithm" json:"signature_algorithm"`
	RequireSignature   *bool     `yaml:"require_signature" toml:"require_signature" json:"require_signature"`
	ChecksumAlgorithm  *string   `yaml:"checksum_algorithm" toml:"checksum_algorithm" json:"checksum_algorithm"`
	MaxBundleSize      *string   `yaml:"max_bundle_size" toml:"max_bundle_size" json:"max_bundle_size"`
	AllowedHosts       []string  `yaml:"allowed_hosts" toml:"allowed_hosts" json:"allowed_hosts"`
	EnforceHTTPS       *bool     `yaml:"enforce_https" toml:"enforce_https" json:"enforce_https"`
	CheckInterval      *string   `yaml:"check_interval" toml:"check_interval" json:"check_interval"`
	Retry              fileRetry `yaml:"retry" toml:"retry" json:"retry"`
	DownloadSpeedLimit *string   `yaml:"download_speed_limit" toml:"download_speed_limit" json:"download_speed_limit"`
	UpdateStrategy     *string   `yaml:"update_strategy" toml:"update_strategy" json:"update_strategy"`
	BuiltinVersion     *string   `yaml:"builtin_version" toml:"builtin_version" json:"builtin_version"`
	BuiltinPath        *string   `yaml:"builtin_path" toml:"builtin_path" json:"builtin_path"`
	HostCommand        []string  `yaml:"host_command" toml:"host_command" json:"host_command"`
	DataDir            *string   `yaml:"data_dir" toml:"data_dir" json:"data_dir"`
	CatalogDriver      *string   `yaml:"catalog_driver" toml:"catalog_driver" json:"catalog_driver"`
	KeepBundles        *int      `yaml:"keep_bundles" toml:"keep_bundles" json:"keep_bundles"`
	MaxBundleAge       *string   `yaml:"max_bundle_age" toml:"max_bundle_age" json:"max_bundle_age"`
	AppReadyTimeout    *string   `yaml:"app_ready_timeout" toml:"app_ready_timeout" json:"app_ready_timeout"`
	Background         fileBg    `yaml:"background" toml:"background" json:"background"`
}

type fileRetry struct {
	MaxRetries    *int    `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	RetryDelay    *string `yaml:"retry_delay" toml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay *string `yaml:"max_retry_delay" toml:"max_retry_delay" json:"max_retry_delay"`
	Timeout       *string `yaml:"timeout" toml:"timeout" json:"timeout"`
}

type fileBg struct {
	Enabled                 *bool `yaml:"enabled" toml:"enabled" json:"enabled"`
	RequireUnmeteredNetwork *bool `yaml:"require_unmetered_network" toml:"require_unmetered_network" json:"require_unmetered_network"`
	MinBatteryLevel         *int  `yaml:"min_battery_level" toml:"min_battery_level" json:"min_battery_level"`
	RequireCharging         *bool `yaml:"require_charging" toml:"require_charging" json:"require_charging"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandEnvVars(content []byte) []byte {
	return envVarPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		parts := envVarPattern.FindSubmatch(match)
		value := os.Getenv(string(parts[1]))
		if value == "" && len(parts[2]) > 0 {
			value = string(parts[2])
		}
		return []byte(value)
	})
}

// Load reads the file at path on top of Default. The result is not validated.
func Load(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config.Load: failed to read %s: %w: %w", path, errdefs.ErrConfig, err)
	}
	cfg, err := Parse(content, detectFormat(path, content))
	if err != nil {
		return Config{}, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes content in the given format on top of Default.
func Parse(content []byte, format Format) (Config, error) {
	content = expandEnvVars(content)
	var raw fileConfig
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(content, &raw)
	case FormatTOML:
		err = toml.Unmarshal(content, &raw)
	case FormatJSON:
		err = json.Unmarshal(content, &raw)
	default:
		return Config{}, fmt.Errorf("config.Parse: unknown file format: %w", errdefs.ErrConfig)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config.Parse: %w: %w", errdefs.ErrConfig, err)
	}
	cfg := Default()
	if err := raw.apply(&cfg); err != nil {
		return Config{}, fmt.Errorf("config.Parse: %w", err)
	}
	return cfg, nil
}

func (f *fileConfig) apply(c *Config) error {
	setString(&c.ServerURL, f.ServerURL)
	setString(&c.Channel, f.Channel)
	setString(&c.PublicKey, f.PublicKey)
	if f.SignatureAlgorithm != nil {
		c.SignatureAlgorithm = security.SignatureAlgorithm(strings.ToLower(*f.SignatureAlgorithm))
	}
	setBool(&c.RequireSignature, f.RequireSignature)
	if f.ChecksumAlgorithm != nil {
		c.ChecksumAlgorithm = security.ChecksumAlgorithm(strings.ToLower(*f.ChecksumAlgorithm))
	}
	if f.AllowedHosts != nil {
		c.AllowedHosts = f.AllowedHosts
	}
	setBool(&c.EnforceHTTPS, f.EnforceHTTPS)
	if f.UpdateStrategy != nil {
		c.UpdateStrategy = Strategy(strings.ToLower(*f.UpdateStrategy))
	}
	setString(&c.BuiltinVersion, f.BuiltinVersion)
	setString(&c.BuiltinPath, f.BuiltinPath)
	if f.HostCommand != nil {
		c.HostCommand = f.HostCommand
	}
	setString(&c.DataDir, f.DataDir)
	setString(&c.CatalogDriver, f.CatalogDriver)
	if f.KeepBundles != nil {
		c.KeepBundles = *f.KeepBundles
	}
	if f.Retry.MaxRetries != nil {
		c.Retry.MaxRetries = *f.Retry.MaxRetries
	}
	setBool(&c.Background.Enabled, f.Background.Enabled)
	setBool(&c.Background.RequireUnmeteredNetwork, f.Background.RequireUnmeteredNetwork)
	setBool(&c.Background.RequireCharging, f.Background.RequireCharging)
	if f.Background.MinBatteryLevel != nil {
		c.Background.MinBatteryLevel = *f.Background.MinBatteryLevel
	}

	if f.MaxBundleSize != nil {
		size, err := humanize.ParseBytes(*f.MaxBundleSize)
		if err != nil {
			return fmt.Errorf("max_bundle_size: %w: %w", errdefs.ErrConfig, err)
		}
		c.MaxBundleSize = int64(size)
	}
	if f.DownloadSpeedLimit != nil {
		limit, err := humanize.ParseBytes(strings.TrimSuffix(*f.DownloadSpeedLimit, "/s"))
		if err != nil {
			return fmt.Errorf("download_speed_limit: %w: %w", errdefs.ErrConfig, err)
		}
		c.DownloadSpeedLimit = float64(limit)
	}
	for name, d := range map[string]struct {
		dst *time.Duration
		src *string
	}{
		"check_interval":        {&c.CheckInterval, f.CheckInterval},
		"max_bundle_age":        {&c.MaxBundleAge, f.MaxBundleAge},
		"app_ready_timeout":     {&c.AppReadyTimeout, f.AppReadyTimeout},
		"retry.retry_delay":     {&c.Retry.RetryDelay, f.Retry.RetryDelay},
		"retry.max_retry_delay": {&c.Retry.MaxRetryDelay, f.Retry.MaxRetryDelay},
		"retry.timeout":         {&c.Retry.Timeout, f.Retry.Timeout},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", name, errdefs.ErrConfig, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
