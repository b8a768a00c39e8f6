package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/tis24dev/snapship/internal/types"
)

var (
	tokenRegex  = regexp.MustCompile(`^[0-9]+:[A-Za-z0-9_-]{35,}$`)
	chatIDRegex = regexp.MustCompile(`^-?[0-9]+$`)
)

// ValidBotToken reports whether token looks like a Telegram bot token.
func ValidBotToken(token string) bool {
	return tokenRegex.MatchString(token)
}

// ValidChatID reports whether id looks like a Telegram chat id.
func ValidChatID(id string) bool {
	return chatIDRegex.MatchString(id)
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks that every required key is present and consistent.
// It returns nil or a *ValidationError.
func (c *Config) Validate() error {
	problems := append([]string(nil), c.problems...)
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.StagingDir) == "" {
		add("STAGING_DIR is required")
	} else if !filepath.IsAbs(c.StagingDir) {
		add("STAGING_DIR must be an absolute path (got %q)", c.StagingDir)
	}

	if len(c.SourcePaths) == 0 && !c.Database.Enabled() {
		add("nothing to back up: set SOURCE_PATHS and/or DB_SERVICE")
	}
	for _, src := range c.SourcePaths {
		if c.StagingDir != "" && isWithin(src, c.StagingDir) {
			add("source path %s overlaps STAGING_DIR", src)
		}
	}

	if c.Database.Enabled() {
		switch c.Database.Engine {
		case "postgres", "mysql":
		default:
			add("DB_ENGINE must be postgres or mysql (got %q)", c.Database.Engine)
		}
		if c.Database.User == "" {
			add("DB_USER is required when DB_SERVICE is set")
		}
		if c.Database.Name == "" {
			add("DB_NAME is required when DB_SERVICE is set")
		}
		if c.Database.ContainerCLI == "" {
			add("CONTAINER_CLI must not be empty")
		}
	}

	switch c.CompressionType {
	case types.CompressionGzip, types.CompressionZstd, types.CompressionXZ, types.CompressionNone:
	default:
		add("COMPRESSION_TYPE must be one of gz, zst, xz, none (got %q)", c.CompressionType)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		add("COMPRESSION_LEVEL out of range: %d", c.CompressionLevel)
	}

	if strings.TrimSpace(c.RunIDFormat) == "" {
		add("RUN_ID_FORMAT must not be empty")
	}
	if _, err := template.New("archive").Option("missingkey=error").Parse(c.ArchiveNameTemplate); err != nil {
		add("ARCHIVE_NAME_TEMPLATE: %v", err)
	}

	if c.EncryptionEnabled() && (c.EncryptionWorkFactor < 10 || c.EncryptionWorkFactor > 30) {
		add("ENCRYPTION_WORK_FACTOR must be between 10 and 30 (got %d)", c.EncryptionWorkFactor)
	}

	switch c.DeliveryMethod {
	case DeliveryTelegram:
		problems = append(problems, c.validateTelegram()...)
	case DeliveryS3:
		if c.S3.Endpoint == "" {
			add("S3_ENDPOINT is required for s3 delivery")
		}
		if c.S3.Bucket == "" {
			add("S3_BUCKET is required for s3 delivery")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			add("S3_ACCESS_KEY and S3_SECRET_KEY are required for s3 delivery")
		}
	case "":
		add("DELIVERY_METHOD is required (telegram or s3)")
	default:
		add("DELIVERY_METHOD must be telegram or s3 (got %q)", c.DeliveryMethod)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) validateTelegram() []string {
	var problems []string
	switch c.Telegram.Mode {
	case "personal":
		if !ValidBotToken(c.Telegram.BotToken) {
			problems = append(problems, "TELEGRAM_BOT_TOKEN is missing or malformed")
		}
		if !ValidChatID(c.Telegram.ChatID) {
			problems = append(problems, "TELEGRAM_CHAT_ID is missing or malformed")
		}
	case "centralized":
		if c.Telegram.ServerAPIHost == "" {
			problems = append(problems, "TELEGRAM_SERVER_API_HOST is required in centralized mode")
		}
		if c.Telegram.ServerID == "" {
			problems = append(problems, "SERVER_ID is required in centralized mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("TELEGRAM_MODE must be personal or centralized (got %q)", c.Telegram.Mode))
	}
	return problems
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(path), filepath.Clean(dir))
	if err != nil {
		return false
	}
	// staging inside the source, or the source inside staging
	if rel == "." || !strings.HasPrefix(rel, "..") {
		return true
	}
	rel, err = filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	return err == nil && !strings.HasPrefix(rel, "..")
}
