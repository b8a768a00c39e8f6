package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/snapship/internal/types"
)

const testToken = "123456789:AAbbCCddEEffGGhhIIjjKKllMMnnOOppQQr"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigEnvFile(t *testing.T) {
	path := writeFile(t, "snapship.env", `# test configuration
SOURCE_PATHS="
/srv/app
# commented entry
/etc/app
"
SOURCE_DESCRIPTION="App data # and config"
DB_SERVICE=postgres-main
DB_USER=app
DB_PASSWORD='pa$$word # not a comment'
DB_NAME=appdb
STAGING_DIR=/var/tmp/snapship
COMPRESSION_TYPE=zst   # fast
ENCRYPTION_PASSPHRASE=secret
DELIVERY_METHOD=telegram
TELEGRAM_BOT_TOKEN=`+testToken+`
TELEGRAM_CHAT_ID=-100123
DELIVERY_BANDWIDTH_LIMIT=2M
STAGE_TIMEOUT=10m
DUMP_TIMEOUT=90
DEBUG_LEVEL=debug
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if got := strings.Join(cfg.SourcePaths, ","); got != "/srv/app,/etc/app" {
		t.Errorf("SourcePaths = %q", got)
	}
	if cfg.SourceDescription != "App data # and config" {
		t.Errorf("SourceDescription = %q", cfg.SourceDescription)
	}
	if cfg.Database.Password != "pa$$word # not a comment" {
		t.Errorf("DB password = %q", cfg.Database.Password)
	}
	if !cfg.Database.Enabled() || cfg.Database.Engine != "postgres" || cfg.Database.ContainerCLI != "docker" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.CompressionType != types.CompressionZstd {
		t.Errorf("CompressionType = %q", cfg.CompressionType)
	}
	if !cfg.EncryptionEnabled() || cfg.EncryptionWorkFactor != DefaultWorkFactor {
		t.Errorf("encryption = %v/%d", cfg.EncryptionEnabled(), cfg.EncryptionWorkFactor)
	}
	if cfg.BandwidthLimit != 2_000_000 {
		t.Errorf("BandwidthLimit = %d", cfg.BandwidthLimit)
	}
	if cfg.StageDeadline(StageCollect) != 10*time.Minute {
		t.Errorf("collect deadline = %s", cfg.StageDeadline(StageCollect))
	}
	if cfg.StageDeadline(StageDump) != 90*time.Second {
		t.Errorf("dump deadline = %s", cfg.StageDeadline(StageDump))
	}
	if cfg.DebugLevel != types.LogLevelDebug {
		t.Errorf("DebugLevel = %v", cfg.DebugLevel)
	}
	if cfg.RunIDFormat != DefaultRunIDFormat || cfg.ArchiveNameTemplate != DefaultArchiveNameTemplate {
		t.Errorf("naming defaults not applied: %q %q", cfg.RunIDFormat, cfg.ArchiveNameTemplate)
	}
	if cfg.LockMaxAge != DefaultLockMaxAge {
		t.Errorf("LockMaxAge = %s", cfg.LockMaxAge)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "snapship.yaml", `
source_paths:
  - /data/app
db_service: mariadb
db_engine: mysql
db_user: root
db_name: shop
staging_dir: /var/tmp/snapship
encryption_passphrase: secret
run_id_format: "2006-01-02T150405"
remote_endpoint:
  method: s3
  s3_endpoint: minio.local:9000
  s3_bucket: backups
  s3_access_key: ak
  s3_secret_key: sk
  s3_use_ssl: false
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(cfg.SourcePaths) != 1 || cfg.SourcePaths[0] != "/data/app" {
		t.Errorf("SourcePaths = %v", cfg.SourcePaths)
	}
	if cfg.Database.Engine != "mysql" || cfg.Database.Service != "mariadb" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.DeliveryMethod != DeliveryS3 {
		t.Errorf("DeliveryMethod = %q", cfg.DeliveryMethod)
	}
	if cfg.S3.UseSSL || cfg.S3.Bucket != "backups" || cfg.S3.Endpoint != "minio.local:9000" {
		t.Errorf("S3 = %+v", cfg.S3)
	}
	if cfg.RunIDFormat != "2006-01-02T150405" {
		t.Errorf("RunIDFormat = %q", cfg.RunIDFormat)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "configuration file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "snapship.env", "STAGING_DIR=/from/file\nDEBUG_LEVEL=info\n")
	t.Setenv("STAGING_DIR", "/from/env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.StagingDir != "/from/env" {
		t.Fatalf("StagingDir = %q, want env override", cfg.StagingDir)
	}
}

func TestUnterminatedBlock(t *testing.T) {
	path := writeFile(t, "snapship.env", "SOURCE_PATHS=\"\n/srv/app\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unterminated block")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := NewFromValues(map[string]string{
		"DB_SERVICE":       "pg",
		"DB_ENGINE":        "oracle",
		"COMPRESSION_TYPE": "rar",
		"DELIVERY_METHOD":  "telegram",
		"TELEGRAM_CHAT_ID": "abc",
		"STAGE_TIMEOUT":    "soon",
	})

	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{
		"STAGING_DIR is required",
		"DB_ENGINE must be postgres or mysql",
		"DB_USER is required",
		"DB_NAME is required",
		"COMPRESSION_TYPE must be one of",
		"TELEGRAM_BOT_TOKEN is missing or malformed",
		"TELEGRAM_CHAT_ID is missing or malformed",
		"STAGE_TIMEOUT",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("problems missing %q:\n%s", want, joined)
		}
	}
}

func TestValidateNothingToBackUp(t *testing.T) {
	cfg := NewFromValues(map[string]string{
		"STAGING_DIR":     "/var/tmp/snapship",
		"DELIVERY_METHOD": "s3",
		"S3_ENDPOINT":     "s3.local",
		"S3_BUCKET":       "b",
		"S3_ACCESS_KEY":   "a",
		"S3_SECRET_KEY":   "s",
	})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "nothing to back up") {
		t.Fatalf("expected nothing-to-back-up error, got %v", err)
	}
}

func TestValidateSourceOverlapsStaging(t *testing.T) {
	cfg := NewFromValues(map[string]string{
		"SOURCE_PATHS":       "/srv",
		"STAGING_DIR":        "/srv/staging",
		"DELIVERY_METHOD":    "telegram",
		"TELEGRAM_BOT_TOKEN": testToken,
		"TELEGRAM_CHAT_ID":   "42",
	})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "overlaps STAGING_DIR") {
		t.Fatalf("expected overlap error, got %v", err)
	}
}

func TestValidateCentralizedTelegram(t *testing.T) {
	cfg := NewFromValues(map[string]string{
		"SOURCE_PATHS":    "/srv/app",
		"STAGING_DIR":     "/var/tmp/snapship",
		"DELIVERY_METHOD": "telegram",
		"TELEGRAM_MODE":   "centralized",
	})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "TELEGRAM_SERVER_API_HOST") || !strings.Contains(err.Error(), "SERVER_ID") {
		t.Fatalf("expected centralized-mode problems, got %v", err)
	}
}

func TestSetEnvValue(t *testing.T) {
	template := "# header\nexport DB_USER=old   # user\nDB_NAME=\n"

	out := SetEnvValue(template, "DB_USER", "app")
	if !strings.Contains(out, "export DB_USER=app # user") {
		t.Errorf("DB_USER not replaced in place:\n%s", out)
	}

	out = SetEnvValue(out, "SOURCE_DESCRIPTION", "web root")
	if !strings.Contains(out, `SOURCE_DESCRIPTION="web root"`) {
		t.Errorf("missing key not appended:\n%s", out)
	}
	if !strings.HasPrefix(out, "# header\n") {
		t.Errorf("header comment lost:\n%s", out)
	}
}

func TestDefaultEnvTemplateParses(t *testing.T) {
	path := writeFile(t, "snapship.env", DefaultEnvTemplate())
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig(template) error = %v", err)
	}
	if cfg.StagingDir != "/var/tmp/snapship" {
		t.Errorf("StagingDir = %q", cfg.StagingDir)
	}
	if cfg.ArchiveNameTemplate != DefaultArchiveNameTemplate {
		t.Errorf("ArchiveNameTemplate = %q", cfg.ArchiveNameTemplate)
	}
	if cfg.DeliveryMethod != DeliveryTelegram {
		t.Errorf("DeliveryMethod = %q", cfg.DeliveryMethod)
	}
}

func TestSplitKeyValue(t *testing.T) {
	tests := []struct {
		line, key, value string
		ok               bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"KEY = value # comment", "KEY", "value", true},
		{`KEY="quoted # kept"`, "KEY", "quoted # kept", true},
		{`KEY="say \"hi\""`, "KEY", `say "hi"`, true},
		{"KEY=abc#1", "KEY", "abc#1", true},
		{"export KEY=1", "KEY", "1", true},
		{"no equals here", "", "", false},
	}
	for _, tt := range tests {
		key, value, ok := splitKeyValue(tt.line)
		if key != tt.key || value != tt.value || ok != tt.ok {
			t.Errorf("splitKeyValue(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, key, value, ok, tt.key, tt.value, tt.ok)
		}
	}
}
