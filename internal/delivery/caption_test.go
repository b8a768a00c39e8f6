package delivery

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tis24dev/snapship/internal/config"
)

func sampleCaption() CaptionData {
	return CaptionData{
		Timestamp:         time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC),
		Host:              "web01",
		RunID:             "20260301-023000-1a2b3c4d",
		SourceDescription: "app data",
		Database:          "appdb",
		ArtifactName:      "backup-web01-20260301-023000-1a2b3c4d.tar.gz.age",
		DecryptedName:     "backup-web01-20260301-023000-1a2b3c4d.tar.gz",
		Size:              3 * 1024 * 1024,
		SHA256:            strings.Repeat("ab", 32),
		Encrypted:         true,
	}
}

func TestBuildCaptionIncludesRunMetadata(t *testing.T) {
	caption := BuildCaption(sampleCaption())

	for _, want := range []string{
		"Backup web01",
		"Time: 2026-03-01 02:30:00 UTC",
		"Sources: app data",
		"Database: appdb",
		"File: backup-web01-20260301-023000-1a2b3c4d.tar.gz.age (3.0 MiB)",
		"SHA-256: " + strings.Repeat("ab", 32),
		"age -d -o backup-web01-20260301-023000-1a2b3c4d.tar.gz backup-web01-20260301-023000-1a2b3c4d.tar.gz.age",
		"snapship decrypt backup-web01-20260301-023000-1a2b3c4d.tar.gz.age",
	} {
		if !strings.Contains(caption, want) {
			t.Errorf("caption missing %q:\n%s", want, caption)
		}
	}
}

func TestBuildCaptionPlainArchive(t *testing.T) {
	d := sampleCaption()
	d.Encrypted = false
	d.Database = ""
	d.ArtifactName = d.DecryptedName

	caption := BuildCaption(d)
	if strings.Contains(caption, "age -d") || strings.Contains(caption, "decrypt") {
		t.Fatalf("plain caption mentions decryption:\n%s", caption)
	}
	if !strings.Contains(caption, "Database: none") {
		t.Fatalf("caption should mark missing database:\n%s", caption)
	}
	if d.DecryptCommand() != "" {
		t.Fatal("DecryptCommand() should be empty without encryption")
	}
}

func TestBuildCaptionTruncatesDescriptionFirst(t *testing.T) {
	d := sampleCaption()
	d.SourceDescription = strings.Repeat("very long description ", 100)

	caption := BuildCaption(d)
	if n := utf8.RuneCountInString(caption); n > MaxCaptionLength {
		t.Fatalf("caption has %d characters", n)
	}
	if !strings.Contains(caption, d.DecryptCommand()) {
		t.Fatalf("decrypt command was cut:\n%s", caption)
	}
}

func TestThrottlePassesDataThrough(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100*1024)

	start := time.Now()
	got, err := io.ReadAll(throttle(context.Background(), bytes.NewReader(payload), 1024*1024))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("throttled data differs")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("throttle far slower than configured")
	}

	r := bytes.NewReader(payload)
	if throttle(context.Background(), r, 0) != io.Reader(r) {
		t.Fatal("zero limit should return the reader unchanged")
	}
}

func TestThrottleHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := io.ReadAll(throttle(ctx, bytes.NewReader(make([]byte, 256*1024)), 1))
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestNewSelectsDeliverer(t *testing.T) {
	cfg := config.NewFromValues(map[string]string{
		"DELIVERY_METHOD": "s3",
		"S3_ENDPOINT":     "s3.test:9000",
		"S3_ACCESS_KEY":   "a",
		"S3_SECRET_KEY":   "b",
		"S3_BUCKET":       "bucket",
	})
	d, err := New(cfg, newTestLogger())
	if err != nil || d.Name() != "s3" {
		t.Fatalf("New() = %v, %v", d, err)
	}

	cfg = config.NewFromValues(map[string]string{
		"DELIVERY_METHOD":    "telegram",
		"TELEGRAM_BOT_TOKEN": testBotToken,
		"TELEGRAM_CHAT_ID":   "99",
	})
	d, err = New(cfg, newTestLogger())
	if err != nil || d.Name() != "telegram" {
		t.Fatalf("New() = %v, %v", d, err)
	}

	cfg = config.NewFromValues(map[string]string{"DELIVERY_METHOD": "ftp"})
	if _, err := New(cfg, newTestLogger()); err == nil {
		t.Fatal("expected error for unknown method")
	}
}
