package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/snapship/internal/backup"
	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/delivery"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/types"
)

const testBotToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(io.Discard)
	return logger
}

// testConfig returns a valid configuration rooted in a temp dir, with
// overrides applied on top. An override with an empty value deletes the key.
func testConfig(t *testing.T, overrides map[string]string) *config.Config {
	t.Helper()
	values := map[string]string{
		"STAGING_DIR":            filepath.Join(t.TempDir(), "staging"),
		"DELIVERY_METHOD":        "telegram",
		"TELEGRAM_BOT_TOKEN":     testBotToken,
		"TELEGRAM_CHAT_ID":       "42",
		"HOSTNAME_OVERRIDE":      "testhost",
		"ENCRYPTION_WORK_FACTOR": "10",
	}
	for k, v := range overrides {
		if v == "" {
			delete(values, k)
			continue
		}
		values[k] = v
	}
	return config.NewFromValues(values)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}

// sourceTree creates <root>/app with two files and returns its path.
func sourceTree(t *testing.T) string {
	t.Helper()
	app := filepath.Join(t.TempDir(), "app")
	writeFile(t, filepath.Join(app, "index.html"), "<h1>hello</h1>\n")
	writeFile(t, filepath.Join(app, "uploads", "photo.bin"), strings.Repeat("\x00\x01\x02", 2048))
	return app
}

func fixedRunID(time.Time, string) string { return "R1" }

func fixedClock() time.Time { return time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC) }

// fakeDeliverer keeps a copy of every delivered file.
type fakeDeliverer struct {
	t        *testing.T
	dir      string
	err      error
	calls    int
	artifact types.Artifact
	caption  string
	saved    string
}

func newFakeDeliverer(t *testing.T) *fakeDeliverer {
	return &fakeDeliverer{t: t, dir: t.TempDir()}
}

func (f *fakeDeliverer) Name() string { return "fake" }

func (f *fakeDeliverer) Deliver(ctx context.Context, artifact types.Artifact, caption string) (*delivery.Receipt, error) {
	f.calls++
	f.artifact = artifact
	f.caption = caption
	if f.err != nil {
		return nil, f.err
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		f.t.Fatalf("delivered artifact unreadable: %v", err)
	}
	f.saved = filepath.Join(f.dir, filepath.Base(artifact.Path))
	if err := os.WriteFile(f.saved, data, 0o600); err != nil {
		f.t.Fatal(err)
	}
	return &delivery.Receipt{Success: true, Method: "fake", Reference: "msg-1", Caption: caption, Bytes: int64(len(data))}, nil
}

// droppingArchiver leaves the last staged artifact out of the archive.
type droppingArchiver struct {
	*backup.Archiver
}

func (d *droppingArchiver) CreateArchive(ctx context.Context, artifacts []types.Artifact, outputPath string) error {
	if len(artifacts) > 1 {
		artifacts = artifacts[:len(artifacts)-1]
	}
	return d.Archiver.CreateArchive(ctx, artifacts, outputPath)
}

// capturingEncryptor records the plaintext it is asked to encrypt.
type capturingEncryptor struct {
	inner     *backup.Encryptor
	plaintext []byte
}

func (c *capturingEncryptor) EncryptFile(ctx context.Context, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	c.plaintext = data
	return c.inner.EncryptFile(ctx, src, dst)
}

// fakeDumper writes a dump file or fails after writing a partial one.
type fakeDumper struct {
	err   error
	block bool
}

func (d *fakeDumper) Dump(ctx context.Context, destDir, runID string) (*types.Artifact, error) {
	path := filepath.Join(destDir, backup.DumpFileName("appdb", runID))
	if d.block {
		<-ctx.Done()
		return nil, &backup.DumpError{Engine: "postgres", ExitStatus: -1, Err: ctx.Err()}
	}
	if d.err != nil {
		_ = os.WriteFile(path, []byte("-- partial"), 0o600)
		return nil, d.err
	}
	if err := os.WriteFile(path, []byte("CREATE TABLE users(id int);\n"), 0o640); err != nil {
		return nil, err
	}
	return &types.Artifact{Path: path, Kind: types.ArtifactDump}, nil
}

// stagingEntries lists STAGING_DIR, or nil when it does not exist.
func stagingEntries(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	entries, err := os.ReadDir(cfg.StagingDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// archiveTopLevel lists the top-level members of a delivered archive.
func archiveTopLevel(t *testing.T, path string) []string {
	t.Helper()
	a := backup.NewArchiver(newTestLogger(), backup.ArchiverConfig{Compression: types.CompressionGzip})
	members, err := a.ListArchive(context.Background(), path)
	if err != nil {
		t.Fatalf("ListArchive() error = %v", err)
	}
	var names []string
	for _, m := range members {
		if !strings.Contains(m.Name, "/") {
			names = append(names, m.Name)
		}
	}
	return names
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
