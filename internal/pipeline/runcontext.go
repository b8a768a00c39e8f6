package pipeline

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/tis24dev/snapship/internal/types"
)

// RunContext is the per-invocation state: run identifier, the run directory
// it exclusively owns and the artifacts produced so far, in order.
type RunContext struct {
	RunID     string
	Dir       string
	Host      string
	StartedAt time.Time

	artifacts []types.Artifact
}

// NewRunID returns the formatted start time plus a random suffix, so two
// runs started within the same second still differ.
func NewRunID(now time.Time, layout string) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.Format(layout) + "-" + nonce
}

// nameData is exposed to ARCHIVE_NAME_TEMPLATE.
type nameData struct {
	Host      string
	RunID     string
	Timestamp time.Time
	Date      string
}

// ArchiveName renders the archive base name (without extension).
func ArchiveName(tmpl, host, runID string, ts time.Time) (string, error) {
	t, err := template.New("archive").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse archive name template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, nameData{Host: host, RunID: runID, Timestamp: ts, Date: ts.Format("2006-01-02")}); err != nil {
		return "", fmt.Errorf("render archive name template: %w", err)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("archive name template produced an invalid file name %q", name)
	}
	return name, nil
}

// newRunContext creates the run directory; it must not exist yet.
func newRunContext(stagingDir, runID, host string, startedAt time.Time) (*RunContext, error) {
	dir := filepath.Join(stagingDir, "run-"+runID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &RunContext{RunID: runID, Dir: dir, Host: host, StartedAt: startedAt}, nil
}

// Add appends artifacts in production order.
func (rc *RunContext) Add(artifacts ...types.Artifact) {
	rc.artifacts = append(rc.artifacts, artifacts...)
}

// Artifacts returns a copy of the artifact list.
func (rc *RunContext) Artifacts() []types.Artifact {
	return append([]types.Artifact(nil), rc.artifacts...)
}

// Final returns the artifact marked for delivery.
func (rc *RunContext) Final() (types.Artifact, bool) {
	for i := len(rc.artifacts) - 1; i >= 0; i-- {
		if rc.artifacts[i].Final {
			return rc.artifacts[i], true
		}
	}
	return types.Artifact{}, false
}

// Promote marks the artifact at path as final and demotes every other one.
func (rc *RunContext) Promote(path string) {
	for i := range rc.artifacts {
		rc.artifacts[i].Final = rc.artifacts[i].Path == path
	}
}

// Close removes the run directory and everything in it.
func (rc *RunContext) Close() error {
	if rc == nil || rc.Dir == "" {
		return nil
	}
	return forceRemoveAll(rc.Dir)
}

// forceRemoveAll removes path even when snapshots kept read-only directory
// modes from their sources.
func forceRemoveAll(path string) error {
	if err := os.RemoveAll(path); err == nil {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
