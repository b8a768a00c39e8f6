// Package delivery uploads the final artifact of a run to a remote endpoint
// (Telegram bot or S3-compatible bucket) together with a caption.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/types"
)

// Deliverer transmits one artifact and its caption as a single upload.
// Implementations never retry.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, artifact types.Artifact, caption string) (*Receipt, error)
}

// Receipt describes a completed upload.
type Receipt struct {
	Success   bool
	Method    string
	Reference string // Telegram message id or bucket/key@etag
	Caption   string
	Bytes     int64
	Duration  time.Duration
}

// Error is returned for any failed delivery.
type Error struct {
	Method     string
	StatusCode int // HTTP status, 0 when the request never completed
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed (HTTP %d): %v", e.Method, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the deliverer selected by cfg.DeliveryMethod.
func New(cfg *config.Config, logger *logging.Logger) (Deliverer, error) {
	switch cfg.DeliveryMethod {
	case config.DeliveryTelegram:
		d, err := NewTelegramDeliverer(TelegramConfig{
			Mode:           TelegramMode(cfg.Telegram.Mode),
			BotToken:       cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			APIURL:         cfg.Telegram.APIURL,
			ServerAPIHost:  cfg.Telegram.ServerAPIHost,
			ServerID:       cfg.Telegram.ServerID,
			BandwidthLimit: cfg.BandwidthLimit,
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DeliveryS3:
		d, err := NewS3Deliverer(S3Config{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			UseSSL:         cfg.S3.UseSSL,
			Prefix:         cfg.S3.Prefix,
			BandwidthLimit: cfg.BandwidthLimit,
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown delivery method %q", cfg.DeliveryMethod)
	}
}

// redact removes secrets from error text (request URLs embed the bot token).
func redact(msg string, secrets ...string) string {
	for _, s := range secrets {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, "<redacted>")
		}
	}
	return msg
}
