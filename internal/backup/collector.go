package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/safefs"
	"github.com/tis24dev/snapship/internal/types"
)

// sourceStatTimeout bounds the first look at a source so a stale network
// mount fails the run instead of hanging it.
const sourceStatTimeout = 30 * time.Second

// CollectorDeps groups the filesystem calls the collector cannot do
// without privileges, so tests can observe or stub them.
type CollectorDeps struct {
	Lchown  func(name string, uid, gid int) error
	Geteuid func() int
}

func defaultCollectorDeps() CollectorDeps {
	return CollectorDeps{
		Lchown:  os.Lchown,
		Geteuid: os.Geteuid,
	}
}

// Collector copies the configured source paths into the run directory.
type Collector struct {
	logger *logging.Logger
	deps   CollectorDeps
}

// NewCollector creates a collector.
func NewCollector(logger *logging.Logger) *Collector {
	return &Collector{logger: logger, deps: defaultCollectorDeps()}
}

// NewCollectorWithDeps creates a collector with explicit dependencies.
func NewCollectorWithDeps(logger *logging.Logger, deps CollectorDeps) *Collector {
	c := NewCollector(logger)
	if deps.Lchown != nil {
		c.deps.Lchown = deps.Lchown
	}
	if deps.Geteuid != nil {
		c.deps.Geteuid = deps.Geteuid
	}
	return c
}

// SnapshotName returns the staged name of a source: <basename>_<runID>.
// seen tracks basenames already used in this run so duplicates become
// <basename>-2_<runID>, <basename>-3_<runID> and so on.
func SnapshotName(source, runID string, seen map[string]int) string {
	base := filepath.Base(filepath.Clean(source))
	if base == string(filepath.Separator) || base == "." || base == "" {
		base = "root"
	}
	seen[base]++
	if n := seen[base]; n > 1 {
		base = fmt.Sprintf("%s-%d", base, n)
	}
	return base + "_" + runID
}

// Collect snapshots every source into destDir and returns one artifact per
// source, in the order given. Sources are never modified.
func (c *Collector) Collect(ctx context.Context, sources []string, destDir, runID string) ([]types.Artifact, error) {
	if len(sources) == 0 {
		c.logger.Skip("No source paths configured")
		return nil, nil
	}

	seen := make(map[string]int, len(sources))
	artifacts := make([]types.Artifact, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return artifacts, err
		}

		done := logging.DebugStart(c.logger, "snapshot", "%s", src)
		target := filepath.Join(destDir, SnapshotName(src, runID, seen))
		size, err := c.snapshot(ctx, filepath.Clean(src), target)
		done(err)
		if err != nil {
			return artifacts, err
		}

		c.logger.Info("Snapshot of %s staged as %s", src, filepath.Base(target))
		artifacts = append(artifacts, types.Artifact{
			Path:      target,
			Kind:      types.ArtifactSnapshot,
			Size:      size,
			CreatedAt: time.Now(),
		})
	}
	return artifacts, nil
}

type pendingMeta struct {
	path  string
	mode  fs.FileMode
	mtime time.Time
}

// snapshot copies src (file or tree) to target and returns the number of
// content bytes copied.
func (c *Collector) snapshot(ctx context.Context, src, target string) (int64, error) {
	info, err := safefs.Lstat(ctx, src, sourceStatTimeout)
	if err != nil {
		return 0, &SourceError{Path: src, Err: err}
	}
	// a configured source that is itself a symlink is followed; links
	// inside the tree are kept as links
	if info.Mode()&fs.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(src)
		if err != nil {
			return 0, &SourceError{Path: src, Err: err}
		}
		c.logger.Debug("Source %s resolves to %s", src, resolved)
		src = resolved
	}
	if _, err := os.Lstat(target); err == nil {
		return 0, &StagingError{Path: target, Err: fs.ErrExist}
	}

	var total int64
	var dirs []pendingMeta
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return &SourceError{Path: path, Err: err}
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return &SourceError{Path: path, Err: err}
		}
		dst := target
		if rel != "." {
			dst = filepath.Join(target, rel)
		}

		info, err := os.Lstat(path)
		if err != nil {
			return &SourceError{Path: path, Err: err}
		}
		mode := info.Mode()

		switch {
		case mode.IsDir():
			// Created writable; the real mode is applied once the tree is copied.
			if err := os.Mkdir(dst, 0o700); err != nil {
				return &StagingError{Path: dst, Err: err}
			}
			dirs = append(dirs, pendingMeta{path: dst, mode: mode.Perm() | (mode & (fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)), mtime: info.ModTime()})
		case mode.IsRegular():
			n, err := copyRegularFile(path, dst, info)
			total += n
			if err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return &SourceError{Path: path, Err: err}
			}
			if err := os.Symlink(linkTarget, dst); err != nil {
				return &StagingError{Path: dst, Err: err}
			}
		default:
			c.logger.Warning("Skipping special file %s (%s)", path, mode.Type())
			return nil
		}

		c.preserveOwnership(dst, info)
		return nil
	})
	if walkErr != nil {
		return total, walkErr
	}

	// Deepest directories first so parents keep their final mtime.
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].path, string(filepath.Separator)) > strings.Count(dirs[j].path, string(filepath.Separator))
	})
	for _, d := range dirs {
		if err := os.Chmod(d.path, d.mode); err != nil {
			return total, &StagingError{Path: d.path, Err: err}
		}
		if err := os.Chtimes(d.path, d.mtime, d.mtime); err != nil {
			return total, &StagingError{Path: d.path, Err: err}
		}
	}
	return total, nil
}

func (c *Collector) preserveOwnership(dst string, info fs.FileInfo) {
	if c.deps.Geteuid() != 0 {
		return
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	if err := c.deps.Lchown(dst, int(stat.Uid), int(stat.Gid)); err != nil {
		c.logger.Debug("Could not preserve ownership of %s: %v", dst, err)
	}
}

// copyRegularFile copies content, mode and mtime. Read failures are
// attributed to the source, write failures to staging.
func copyRegularFile(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, &SourceError{Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, &StagingError{Path: dst, Err: err}
	}

	n, err := io.Copy(&stagingWriter{w: out, path: dst}, &sourceReader{r: in, path: src})
	if err != nil {
		out.Close()
		var se *StagingError
		var sr *SourceError
		if errors.As(err, &se) || errors.As(err, &sr) {
			return n, err
		}
		return n, &StagingError{Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return n, &StagingError{Path: dst, Err: err}
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, &StagingError{Path: dst, Err: err}
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return n, &StagingError{Path: dst, Err: err}
	}
	return n, nil
}

type sourceReader struct {
	r    io.Reader
	path string
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &SourceError{Path: s.path, Err: err}
	}
	return n, err
}

type stagingWriter struct {
	w    io.Writer
	path string
}

func (s *stagingWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, &StagingError{Path: s.path, Err: err}
	}
	return n, nil
}
