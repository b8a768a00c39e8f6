package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/types"
)

// MaxTelegramUpload is the Bot API limit for sendDocument.
const MaxTelegramUpload int64 = 50 * 1024 * 1024

// TelegramMode represents the Telegram bot configuration mode
type TelegramMode string

const (
	TelegramModePersonal    TelegramMode = "personal"
	TelegramModeCentralized TelegramMode = "centralized"
)

// TelegramConfig holds Telegram delivery configuration
type TelegramConfig struct {
	Mode           TelegramMode
	BotToken       string
	ChatID         string
	APIURL         string
	ServerAPIHost  string // For centralized mode
	ServerID       string // Server identifier for centralized mode
	BandwidthLimit int64
}

// TelegramDeliverer uploads the artifact with sendDocument.
type TelegramDeliverer struct {
	config TelegramConfig
	logger *logging.Logger
	client *http.Client
}

// Telegram API response for centralized mode
type telegramCentralizedResponse struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Status   int    `json:"status"`
	Message  string `json:"message,omitempty"`
}

type telegramAPIResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// NewTelegramDeliverer validates the configuration and creates a deliverer.
func NewTelegramDeliverer(cfg TelegramConfig, logger *logging.Logger) (*TelegramDeliverer, error) {
	switch cfg.Mode {
	case TelegramModePersonal:
		if cfg.BotToken == "" {
			return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required for personal mode")
		}
		if cfg.ChatID == "" {
			return nil, fmt.Errorf("TELEGRAM_CHAT_ID is required for personal mode")
		}
		if !config.ValidBotToken(cfg.BotToken) {
			return nil, fmt.Errorf("invalid TELEGRAM_BOT_TOKEN format (expected: digits:alphanumeric_35+)")
		}
		if !config.ValidChatID(cfg.ChatID) {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID format (expected: numeric)")
		}
	case TelegramModeCentralized:
		if cfg.ServerAPIHost == "" {
			return nil, fmt.Errorf("TELEGRAM_SERVER_API_HOST is required for centralized mode")
		}
		if cfg.ServerID == "" {
			return nil, fmt.Errorf("SERVER_ID is required for centralized mode")
		}
	default:
		return nil, fmt.Errorf("invalid Telegram mode: %s (must be 'personal' or 'centralized')", cfg.Mode)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = config.DefaultTelegramAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	return &TelegramDeliverer{
		config: cfg,
		logger: logger,
		client: &http.Client{},
	}, nil
}

// Name returns the deliverer name
func (t *TelegramDeliverer) Name() string {
	return "telegram"
}

// Deliver uploads the artifact as one sendDocument request.
func (t *TelegramDeliverer) Deliver(ctx context.Context, artifact types.Artifact, caption string) (*Receipt, error) {
	start := time.Now()

	info, err := os.Stat(artifact.Path)
	if err != nil {
		return nil, t.fail(0, fmt.Errorf("stat artifact: %w", err))
	}
	if !info.Mode().IsRegular() {
		return nil, t.fail(0, fmt.Errorf("%s is not a regular file", artifact.Path))
	}
	if info.Size() > MaxTelegramUpload {
		return nil, t.fail(0, fmt.Errorf("artifact is %s, above the %s Telegram upload limit",
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(MaxTelegramUpload))))
	}
	caption = truncateRunes(caption, MaxCaptionLength)

	botToken, chatID := t.config.BotToken, t.config.ChatID
	if t.config.Mode == TelegramModeCentralized {
		t.logger.Debug("Fetching Telegram credentials from central server...")
		botToken, chatID, err = t.fetchCentralizedCredentials(ctx)
		if err != nil {
			return nil, t.fail(0, err)
		}
	}

	messageID, status, err := t.sendDocument(ctx, botToken, chatID, artifact.Path, caption)
	if err != nil {
		return nil, t.fail(status, errors.New(redact(err.Error(), botToken)))
	}

	t.logger.Debug("Telegram API confirmed document delivery (message_id=%d)", messageID)
	return &Receipt{
		Success:   true,
		Method:    t.Name(),
		Reference: strconv.FormatInt(messageID, 10),
		Caption:   caption,
		Bytes:     info.Size(),
		Duration:  time.Since(start),
	}, nil
}

func (t *TelegramDeliverer) fail(status int, err error) error {
	return &Error{Method: t.Name(), StatusCode: status, Err: err}
}

// fetchCentralizedCredentials fetches bot credentials from central server
func (t *TelegramDeliverer) fetchCentralizedCredentials(ctx context.Context) (string, string, error) {
	apiURL := fmt.Sprintf("%s/api/get-chat-id?server_id=%s",
		strings.TrimRight(t.config.ServerAPIHost, "/"),
		url.QueryEscape(t.config.ServerID))

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var response telegramCentralizedResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return "", "", fmt.Errorf("failed to parse response: %w", err)
		}
		if !config.ValidBotToken(response.BotToken) {
			return "", "", fmt.Errorf("invalid bot token format from server")
		}
		if !config.ValidChatID(response.ChatID) {
			return "", "", fmt.Errorf("invalid chat ID format from server")
		}
		t.logger.Debug("Telegram credentials fetched successfully")
		return response.BotToken, response.ChatID, nil
	case http.StatusForbidden:
		return "", "", fmt.Errorf("first communication - bot not started (HTTP 403)")
	case http.StatusConflict:
		return "", "", fmt.Errorf("missing registration - register with bot (HTTP 409)")
	case http.StatusUnprocessableEntity:
		return "", "", fmt.Errorf("invalid SERVER_ID (HTTP 422)")
	default:
		return "", "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// sendDocument streams the file as multipart form data. It returns the
// message id and, on failure, the HTTP status when one was received.
func (t *TelegramDeliverer) sendDocument(ctx context.Context, botToken, chatID, path, caption string) (int64, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeDocumentForm(ctx, form, chatID, caption, filepath.Base(path), file, t.config.BandwidthLimit))
	}()

	apiURL := fmt.Sprintf("%s/bot%s/sendDocument", t.config.APIURL, botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, pr)
	if err != nil {
		pr.CloseWithError(err)
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return 0, 0, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return 0, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	var apiResp telegramAPIResponse
	if jsonErr := json.Unmarshal(body, &apiResp); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return 0, resp.StatusCode, fmt.Errorf("telegram api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return 0, resp.StatusCode, fmt.Errorf("failed to parse response: %w", jsonErr)
	}
	if resp.StatusCode != http.StatusOK || !apiResp.OK {
		return 0, resp.StatusCode, fmt.Errorf("telegram api returned status %d: %s", resp.StatusCode, apiResp.Description)
	}
	return apiResp.Result.MessageID, resp.StatusCode, nil
}

func writeDocumentForm(ctx context.Context, form *multipart.Writer, chatID, caption, name string, file io.Reader, limit int64) error {
	if err := form.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if caption != "" {
		if err := form.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("document", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, throttle(ctx, file, limit)); err != nil {
		return err
	}
	return form.Close()
}
