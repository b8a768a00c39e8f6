package backup

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/types"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(io.Discard)
	return logger
}

func mustWrite(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// buildSourceTree creates:
//
//	app/
//	  config.yml     (0640, fixed mtime)
//	  data/blob.bin
//	  current -> config.yml
func buildSourceTree(t *testing.T, root string) string {
	t.Helper()
	app := filepath.Join(root, "app")
	mustWrite(t, filepath.Join(app, "config.yml"), "listen: 8080\n", 0o640)
	mustWrite(t, filepath.Join(app, "data", "blob.bin"), string(bytes.Repeat([]byte{0xAB, 0x00, 0x17}, 4096)), 0o600)
	if err := os.Symlink("config.yml", filepath.Join(app, "current")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(app, "config.yml"), mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return app
}

// assertSameTree compares regular file contents, modes and symlink targets.
func assertSameTree(t *testing.T, want, got string) {
	t.Helper()
	err := filepath.Walk(want, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(want, path)
		other := filepath.Join(got, rel)
		otherInfo, err := os.Lstat(other)
		if err != nil {
			t.Errorf("missing %s: %v", rel, err)
			return nil
		}
		if info.Mode() != otherInfo.Mode() {
			t.Errorf("%s mode = %v, want %v", rel, otherInfo.Mode(), info.Mode())
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			a, _ := os.Readlink(path)
			b, _ := os.Readlink(other)
			if a != b {
				t.Errorf("%s link = %q, want %q", rel, b, a)
			}
		case info.Mode().IsRegular():
			a, _ := os.ReadFile(path)
			b, _ := os.ReadFile(other)
			if !bytes.Equal(a, b) {
				t.Errorf("%s content differs", rel)
			}
			if !info.ModTime().Equal(otherInfo.ModTime()) {
				t.Errorf("%s mtime = %v, want %v", rel, otherInfo.ModTime(), info.ModTime())
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", want, err)
	}
}
