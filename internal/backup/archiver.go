package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/types"
)

// ArchiverDeps groups external dependencies used by Archiver.
type ArchiverDeps struct {
	LookPath       func(string) (string, error)
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultArchiverDeps() ArchiverDeps {
	return ArchiverDeps{
		LookPath:       exec.LookPath,
		CommandContext: exec.CommandContext,
	}
}

// ArchiverConfig holds the archive settings.
type ArchiverConfig struct {
	Compression types.CompressionType
	Level       int
}

// Archiver bundles staged artifacts into one compressed tar stream.
type Archiver struct {
	logger      *logging.Logger
	requested   types.CompressionType
	compression types.CompressionType
	level       int
	deps        ArchiverDeps
}

// NewArchiver creates an archiver and resolves the effective compression.
func NewArchiver(logger *logging.Logger, cfg ArchiverConfig) *Archiver {
	return NewArchiverWithDeps(logger, cfg, ArchiverDeps{})
}

// NewArchiverWithDeps creates an archiver with explicit dependencies.
func NewArchiverWithDeps(logger *logging.Logger, cfg ArchiverConfig, deps ArchiverDeps) *Archiver {
	a := &Archiver{
		logger:    logger,
		requested: cfg.Compression,
		level:     cfg.Level,
		deps:      defaultArchiverDeps(),
	}
	if deps.LookPath != nil {
		a.deps.LookPath = deps.LookPath
	}
	if deps.CommandContext != nil {
		a.deps.CommandContext = deps.CommandContext
	}
	if a.requested == "" {
		a.requested = types.CompressionGzip
	}
	a.compression = a.resolveCompression()
	return a
}

// resolveCompression falls back to gzip when xz is requested but the xz
// binary is not installed.
func (a *Archiver) resolveCompression() types.CompressionType {
	if a.requested != types.CompressionXZ {
		return a.requested
	}
	if _, err := a.deps.LookPath("xz"); err != nil {
		a.logger.Warning("xz not found in PATH, falling back to gzip compression")
		return types.CompressionGzip
	}
	return types.CompressionXZ
}

// Extension returns the archive file extension (.tar.gz, .tar.zst, ...).
func (a *Archiver) Extension() string {
	return a.compression.Extension()
}

// CreateArchive writes every artifact, in order, into outputPath. Each
// artifact becomes a top-level member named after its base name. A partial
// output file is removed on failure.
func (a *Archiver) CreateArchive(ctx context.Context, artifacts []types.Artifact, outputPath string) (err error) {
	for _, art := range artifacts {
		if _, statErr := os.Lstat(art.Path); statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				return &ArchiveError{Path: art.Path, Err: ErrMissingArtifact}
			}
			return &ArchiveError{Path: art.Path, Err: statErr}
		}
	}

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return &ArchiveError{Path: outputPath, Err: err}
	}
	defer func() {
		if err != nil {
			outFile.Close()
			if rmErr := os.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				a.logger.Warning("Failed to remove partial archive %s: %v", outputPath, rmErr)
			}
		}
	}()

	a.logger.Debug("Creating %s archive %s (level %d, %d members)", a.compression, filepath.Base(outputPath), a.level, len(artifacts))
	switch a.compression {
	case types.CompressionXZ:
		err = a.writeThroughCommand(ctx, artifacts, outFile, "xz", "-c", "-"+strconv.Itoa(clampLevel(a.level, 0, 9)))
	case types.CompressionZstd:
		err = a.writeZstd(ctx, artifacts, outFile)
	case types.CompressionNone:
		err = a.writeTar(ctx, artifacts, outFile)
	default:
		err = a.writeGzip(ctx, artifacts, outFile)
	}
	if err != nil {
		var ae *ArchiveError
		if errors.As(err, &ae) {
			return err
		}
		return &ArchiveError{Path: outputPath, Err: err}
	}

	if err = outFile.Sync(); err != nil {
		return &ArchiveError{Path: outputPath, Err: err}
	}
	if err = outFile.Close(); err != nil {
		return &ArchiveError{Path: outputPath, Err: err}
	}
	return nil
}

func (a *Archiver) writeGzip(ctx context.Context, artifacts []types.Artifact, w io.Writer) error {
	gz, err := gzip.NewWriterLevel(w, clampLevel(a.level, gzip.BestSpeed, gzip.BestCompression))
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if err := a.writeTar(ctx, artifacts, gz); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func (a *Archiver) writeZstd(ctx context.Context, artifacts []types.Artifact, w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(a.level)))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := a.writeTar(ctx, artifacts, enc); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// writeThroughCommand streams the tar into an external compressor whose
// stdout is the archive file.
func (a *Archiver) writeThroughCommand(ctx context.Context, artifacts []types.Artifact, out io.Writer, name string, args ...string) error {
	cmd := a.deps.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open %s stdin: %w", name, err)
	}
	stderr := &stderrLogger{logger: a.logger, tag: strings.ToUpper(name)}
	cmd.Stderr = stderr
	defer stderr.Flush()
	if err := cmd.Start(); err != nil {
		return &CompressionError{Algorithm: name, Err: err}
	}

	tarErr := a.writeTar(ctx, artifacts, stdin)
	closeErr := stdin.Close()
	if tarErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return tarErr
	}
	if err := cmd.Wait(); err != nil {
		return &CompressionError{Algorithm: name, Err: err}
	}
	if closeErr != nil {
		return &CompressionError{Algorithm: name, Err: closeErr}
	}
	return nil
}

// stderrLogger logs each line a compressor writes to stderr. exec.Cmd
// copies into it until the process exits, so every line is seen before
// Wait returns.
type stderrLogger struct {
	logger *logging.Logger
	tag    string
	buf    bytes.Buffer
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			s.buf.Reset()
			s.buf.WriteString(line)
			break
		}
		s.log(line)
	}
	return len(p), nil
}

// Flush logs a trailing line without a newline.
func (s *stderrLogger) Flush() {
	if s.buf.Len() > 0 {
		s.log(s.buf.String())
		s.buf.Reset()
	}
}

func (s *stderrLogger) log(line string) {
	if line = strings.TrimRight(line, "\r\n"); line != "" {
		s.logger.Warning("[%s] %s", s.tag, line)
	}
}

func (a *Archiver) writeTar(ctx context.Context, artifacts []types.Artifact, w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, art := range artifacts {
		if err := a.addToTar(ctx, tw, art.Path, filepath.Base(art.Path)); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	return nil
}

// addToTar adds root (file, symlink or directory tree) under name. Walk
// order is lexical, so the stream is reproducible for a given tree.
func (a *Archiver) addToTar(ctx context.Context, tw *tar.Writer, root, name string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return &ArchiveError{Path: path, Err: walkErr}
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return &ArchiveError{Path: path, Err: err}
		}
		member := name
		if rel != "." {
			member = name + "/" + filepath.ToSlash(rel)
		}

		info, err := os.Lstat(path)
		if err != nil {
			return &ArchiveError{Path: path, Err: err}
		}

		var linkTarget string
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if linkTarget, err = os.Readlink(path); err != nil {
				return &ArchiveError{Path: path, Err: err}
			}
		case info.Mode().IsDir(), info.Mode().IsRegular():
		default:
			a.logger.Warning("Skipping special file %s in archive", path)
			return nil
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return &ArchiveError{Path: path, Err: err}
		}
		header.Name = member
		if info.IsDir() {
			header.Name += "/"
		}
		header.Uname, header.Gname = "", ""
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			header.Uid = int(stat.Uid)
			header.Gid = int(stat.Gid)
		}
		header.ModTime = info.ModTime()
		header.AccessTime, header.ChangeTime = time.Time{}, time.Time{}
		header.Format = tar.FormatPAX

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", member, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return &ArchiveError{Path: path, Err: err}
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return &ArchiveError{Path: path, Err: err}
		}
		return nil
	})
}

// Member describes one entry of an archive.
type Member struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	Link    string
	IsDir   bool
}

// ListArchive returns the members of an archive in stream order.
func (a *Archiver) ListArchive(ctx context.Context, archivePath string) ([]Member, error) {
	var members []Member
	err := a.readArchive(ctx, archivePath, func(hdr *tar.Header, _ io.Reader) error {
		members = append(members, Member{
			Name:    strings.TrimSuffix(hdr.Name, "/"),
			Size:    hdr.Size,
			Mode:    hdr.FileInfo().Mode(),
			ModTime: hdr.ModTime,
			Link:    hdr.Linkname,
			IsDir:   hdr.Typeflag == tar.TypeDir,
		})
		return nil
	})
	return members, err
}

// VerifyArchive reads the archive back and checks that its top-level
// members are exactly the base names of artifacts, in the same order.
func (a *Archiver) VerifyArchive(ctx context.Context, archivePath string, artifacts []types.Artifact) error {
	members, err := a.ListArchive(ctx, archivePath)
	if err != nil {
		return &ArchiveError{Path: archivePath, Err: err}
	}
	if err := MatchMembers(members, artifacts); err != nil {
		return &ArchiveError{Path: archivePath, Err: err}
	}
	a.logger.Debug("Archive verified: %d members, %d top-level entries", len(members), len(artifacts))
	return nil
}

// MatchMembers compares the top-level names of members, in stream order,
// with the base names of artifacts.
func MatchMembers(members []Member, artifacts []types.Artifact) error {
	var got []string
	for _, m := range members {
		top, _, _ := strings.Cut(m.Name, "/")
		if len(got) == 0 || got[len(got)-1] != top {
			got = append(got, top)
		}
	}
	want := make([]string, 0, len(artifacts))
	for _, art := range artifacts {
		want = append(want, filepath.Base(art.Path))
	}
	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		return fmt.Errorf("%w: archive holds %v, staged %v", ErrArchiveMismatch, got, want)
	}
	return nil
}

// ExtractArchive unpacks an archive into destDir, restoring modes,
// modification times and symlinks. Members escaping destDir are rejected.
func (a *Archiver) ExtractArchive(ctx context.Context, archivePath, destDir string) error {
	var dirs []pendingMeta
	err := a.readArchive(ctx, archivePath, func(hdr *tar.Header, r io.Reader) error {
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		mode := hdr.FileInfo().Mode()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			dirs = append(dirs, pendingMeta{path: target, mode: mode.Perm(), mtime: hdr.ModTime})
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if err := os.Chmod(target, mode.Perm()); err != nil {
				return err
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			a.logger.Debug("Skipping unsupported member %s (type %c)", hdr.Name, hdr.Typeflag)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return err
		}
		if err := os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) readArchive(ctx context.Context, archivePath string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch compressionFromName(archivePath) {
	case types.CompressionGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case types.CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	case types.CompressionXZ:
		cmd := a.deps.CommandContext(ctx, "xz", "-dc")
		cmd.Stdin = f
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return &CompressionError{Algorithm: "xz", Err: err}
		}
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()
		r = stdout
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive %s: %w", filepath.Base(archivePath), err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func compressionFromName(path string) types.CompressionType {
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return types.CompressionGzip
	case strings.HasSuffix(path, ".tar.zst"):
		return types.CompressionZstd
	case strings.HasSuffix(path, ".tar.xz"):
		return types.CompressionXZ
	default:
		return types.CompressionNone
	}
}

func safeJoin(base, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "./")))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive member %q escapes destination", name)
	}
	return filepath.Join(base, cleaned), nil
}

func clampLevel(level, min, max int) int {
	if level < min {
		return min
	}
	if level > max {
		return max
	}
	return level
}
