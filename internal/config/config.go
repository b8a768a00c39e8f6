// Package config loads and validates the snapship configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/snapship/internal/types"
)

const (
	DefaultRunIDFormat         = "20060102-150405"
	DefaultArchiveNameTemplate = "backup-{{.Host}}-{{.RunID}}"
	DefaultTelegramAPIURL      = "https://api.telegram.org"
	DefaultMetricsPath         = "/var/lib/prometheus/node-exporter"
	DefaultWorkFactor          = 18
	DefaultLockMaxAge          = 6 * time.Hour
)

// Delivery methods.
const (
	DeliveryTelegram = "telegram"
	DeliveryS3       = "s3"
)

// Stage names used for per-stage timeouts.
const (
	StageCollect  = "collect"
	StageDump     = "dump"
	StageArchive  = "archive"
	StageEncrypt  = "encrypt"
	StageDelivery = "delivery"
)

// DatabaseConfig describes the containerized database to export.
type DatabaseConfig struct {
	Engine       string // postgres | mysql
	Service      string // container name; empty disables the dump stage
	User         string
	Password     string
	Name         string
	ContainerCLI string // docker | podman
}

// Enabled reports whether a database dump is configured.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.Service) != ""
}

// TelegramSettings holds the Telegram bot endpoint credentials.
type TelegramSettings struct {
	Mode          string // personal | centralized
	BotToken      string
	ChatID        string
	APIURL        string
	ServerAPIHost string
	ServerID      string
}

// S3Settings holds the S3-compatible endpoint credentials.
type S3Settings struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string
}

// Config is the fully resolved configuration for one pipeline run.
// It is built once and not modified by the pipeline.
type Config struct {
	ConfigPath string

	// Sources
	SourcePaths       []string
	SourceDescription string
	Database          DatabaseConfig

	// Staging and naming
	StagingDir          string
	RunIDFormat         string
	ArchiveNameTemplate string
	CompressionType     types.CompressionType
	CompressionLevel    int
	HostnameOverride    string

	// Encryption
	EncryptionPassphrase string
	EncryptionWorkFactor int

	// Delivery
	DeliveryMethod string
	Telegram       TelegramSettings
	S3             S3Settings
	BandwidthLimit int64 // bytes per second, 0 = unlimited

	// Timeouts (0 = no deadline)
	StageTimeout  time.Duration
	StageTimeouts map[string]time.Duration
	LockMaxAge    time.Duration

	// Logging and metrics
	DebugLevel     types.LogLevel
	UseColor       bool
	LogPath        string
	MetricsEnabled bool
	MetricsPath    string

	// Set from the command line, never from the file.
	DryRun bool

	raw      map[string]string
	problems []string
}

// knownKeys lists every recognized key; each may be overridden by an
// environment variable of the same name.
var knownKeys = []string{
	"SOURCE_PATHS", "SOURCE_DESCRIPTION",
	"DB_ENGINE", "DB_SERVICE", "DB_USER", "DB_PASSWORD", "DB_NAME", "CONTAINER_CLI",
	"STAGING_DIR", "RUN_ID_FORMAT", "ARCHIVE_NAME_TEMPLATE",
	"COMPRESSION_TYPE", "COMPRESSION_LEVEL", "HOSTNAME_OVERRIDE",
	"ENCRYPTION_PASSPHRASE", "ENCRYPTION_WORK_FACTOR",
	"DELIVERY_METHOD", "DELIVERY_BANDWIDTH_LIMIT",
	"TELEGRAM_MODE", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "TELEGRAM_API_URL",
	"TELEGRAM_SERVER_API_HOST", "SERVER_ID",
	"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_REGION",
	"S3_USE_SSL", "S3_PREFIX",
	"STAGE_TIMEOUT", "COLLECT_TIMEOUT", "DUMP_TIMEOUT", "ARCHIVE_TIMEOUT",
	"ENCRYPT_TIMEOUT", "DELIVERY_TIMEOUT", "LOCK_MAX_AGE",
	"DEBUG_LEVEL", "USE_COLOR", "LOG_PATH", "METRICS_ENABLED", "METRICS_PATH",
}

// LoadConfig reads the configuration from an env-style file, or from YAML
// when the path ends in .yaml/.yml. Environment variables take precedence.
// The result is not validated; call Validate before using it.
func LoadConfig(configPath string) (*Config, error) {
	info, err := os.Stat(configPath)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	var raw map[string]string
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		raw, err = parseYAMLFile(configPath)
	default:
		raw, err = parseEnvFile(configPath)
	}
	if err != nil {
		return nil, err
	}

	cfg := &Config{ConfigPath: configPath, raw: raw}
	cfg.loadEnvOverrides()
	cfg.parse()
	return cfg, nil
}

// NewFromValues builds a Config from raw KEY=value pairs without touching
// the filesystem or the environment.
func NewFromValues(values map[string]string) *Config {
	raw := make(map[string]string, len(values))
	for k, v := range values {
		raw[k] = v
	}
	cfg := &Config{raw: raw}
	cfg.parse()
	return cfg
}

func (c *Config) loadEnvOverrides() {
	for _, key := range knownKeys {
		if val, ok := os.LookupEnv(key); ok {
			c.raw[key] = val
		}
	}
}

func (c *Config) parse() {
	c.problems = nil

	c.SourcePaths = c.getStringSlice("SOURCE_PATHS", nil)
	c.SourceDescription = c.getString("SOURCE_DESCRIPTION", "")
	c.Database = DatabaseConfig{
		Engine:       strings.ToLower(c.getString("DB_ENGINE", "postgres")),
		Service:      c.getString("DB_SERVICE", ""),
		User:         c.getString("DB_USER", ""),
		Password:     c.getSecret("DB_PASSWORD"),
		Name:         c.getString("DB_NAME", ""),
		ContainerCLI: c.getString("CONTAINER_CLI", "docker"),
	}

	c.StagingDir = c.getString("STAGING_DIR", "")
	c.RunIDFormat = c.getString("RUN_ID_FORMAT", DefaultRunIDFormat)
	c.ArchiveNameTemplate = c.getString("ARCHIVE_NAME_TEMPLATE", DefaultArchiveNameTemplate)
	c.CompressionType = types.CompressionType(strings.ToLower(c.getString("COMPRESSION_TYPE", string(types.CompressionGzip))))
	c.CompressionLevel = c.getInt("COMPRESSION_LEVEL", 6)
	c.HostnameOverride = c.getString("HOSTNAME_OVERRIDE", "")

	c.EncryptionPassphrase = c.getSecret("ENCRYPTION_PASSPHRASE")
	c.EncryptionWorkFactor = c.getInt("ENCRYPTION_WORK_FACTOR", DefaultWorkFactor)

	c.DeliveryMethod = strings.ToLower(c.getString("DELIVERY_METHOD", ""))
	c.Telegram = TelegramSettings{
		Mode:          strings.ToLower(c.getString("TELEGRAM_MODE", "personal")),
		BotToken:      c.getSecret("TELEGRAM_BOT_TOKEN"),
		ChatID:        c.getString("TELEGRAM_CHAT_ID", ""),
		APIURL:        strings.TrimRight(c.getString("TELEGRAM_API_URL", DefaultTelegramAPIURL), "/"),
		ServerAPIHost: strings.TrimRight(c.getString("TELEGRAM_SERVER_API_HOST", ""), "/"),
		ServerID:      c.getString("SERVER_ID", ""),
	}
	c.S3 = S3Settings{
		Endpoint:  c.getString("S3_ENDPOINT", ""),
		AccessKey: c.getString("S3_ACCESS_KEY", ""),
		SecretKey: c.getSecret("S3_SECRET_KEY"),
		Bucket:    c.getString("S3_BUCKET", ""),
		Region:    c.getString("S3_REGION", "us-east-1"),
		UseSSL:    c.getBool("S3_USE_SSL", true),
		Prefix:    strings.Trim(c.getString("S3_PREFIX", ""), "/"),
	}
	c.BandwidthLimit = c.getByteSize("DELIVERY_BANDWIDTH_LIMIT")

	c.StageTimeout = c.getDuration("STAGE_TIMEOUT", 0)
	c.StageTimeouts = map[string]time.Duration{
		StageCollect:  c.getDuration("COLLECT_TIMEOUT", c.StageTimeout),
		StageDump:     c.getDuration("DUMP_TIMEOUT", c.StageTimeout),
		StageArchive:  c.getDuration("ARCHIVE_TIMEOUT", c.StageTimeout),
		StageEncrypt:  c.getDuration("ENCRYPT_TIMEOUT", c.StageTimeout),
		StageDelivery: c.getDuration("DELIVERY_TIMEOUT", c.StageTimeout),
	}
	c.LockMaxAge = c.getDuration("LOCK_MAX_AGE", DefaultLockMaxAge)

	c.DebugLevel = types.ParseLogLevel(strings.ToLower(c.getString("DEBUG_LEVEL", "info")))
	c.UseColor = c.getBool("USE_COLOR", true)
	c.LogPath = c.getString("LOG_PATH", "")
	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.MetricsPath = c.getString("METRICS_PATH", DefaultMetricsPath)
}

// StageDeadline returns the configured deadline for stage, 0 when none.
func (c *Config) StageDeadline(stage string) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok {
		return d
	}
	return c.StageTimeout
}

// EncryptionEnabled reports whether a passphrase is configured.
func (c *Config) EncryptionEnabled() bool {
	return c.EncryptionPassphrase != ""
}

// Hostname returns HOSTNAME_OVERRIDE or the short system host name.
func (c *Config) Hostname() string {
	if h := strings.TrimSpace(c.HostnameOverride); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	if idx := strings.IndexByte(h, '.'); idx > 0 {
		h = h[:idx]
	}
	return h
}

func (c *Config) getString(key, defaultValue string) string {
	if val, ok := c.raw[key]; ok {
		return os.ExpandEnv(strings.TrimSpace(val))
	}
	return defaultValue
}

// getSecret returns the value verbatim: no trimming, no $VAR expansion.
func (c *Config) getSecret(key string) string {
	return c.raw[key]
}

func (c *Config) getBool(key string, defaultValue bool) bool {
	val, ok := c.raw[key]
	if !ok || strings.TrimSpace(val) == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

func (c *Config) getInt(key string, defaultValue int) int {
	val, ok := c.raw[key]
	if !ok || strings.TrimSpace(val) == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("%s: %q is not an integer", key, val))
		return defaultValue
	}
	return n
}

// getDuration accepts Go durations ("90s", "1h30m") or a bare number of seconds.
func (c *Config) getDuration(key string, defaultValue time.Duration) time.Duration {
	val, ok := c.raw[key]
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		c.problems = append(c.problems, fmt.Sprintf("%s: %q is not a valid duration", key, val))
		return defaultValue
	}
	return d
}

// getByteSize parses sizes such as "512K", "2M" or "1MiB".
func (c *Config) getByteSize(key string) int64 {
	val := strings.TrimSpace(c.raw[key])
	if val == "" || val == "0" {
		return 0
	}
	n, err := humanize.ParseBytes(val)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("%s: %q is not a valid size", key, val))
		return 0
	}
	return int64(n)
}

func (c *Config) getStringSlice(key string, defaultValue []string) []string {
	val, ok := c.raw[key]
	if !ok {
		return defaultValue
	}
	parts := strings.FieldsFunc(val, func(r rune) bool {
		switch r {
		case ',', ';', '|', '\n':
			return true
		default:
			return false
		}
	})

	result := []string{}
	for _, part := range parts {
		trimmed := strings.Trim(strings.TrimSpace(part), `"'`)
		if trimmed != "" {
			result = append(result, os.ExpandEnv(trimmed))
		}
	}
	return result
}
