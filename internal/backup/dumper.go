package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/types"
)

const stderrTailLimit = 4 * 1024

// DumperDeps groups external dependencies used by Dumper.
type DumperDeps struct {
	LookPath       func(string) (string, error)
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultDumperDeps() DumperDeps {
	return DumperDeps{
		LookPath:       exec.LookPath,
		CommandContext: exec.CommandContext,
	}
}

// Dumper exports a containerized database through the container CLI.
type Dumper struct {
	logger *logging.Logger
	db     config.DatabaseConfig
	deps   DumperDeps
}

// NewDumper creates a dumper for db.
func NewDumper(logger *logging.Logger, db config.DatabaseConfig) *Dumper {
	return &Dumper{logger: logger, db: db, deps: defaultDumperDeps()}
}

// NewDumperWithDeps creates a dumper with explicit dependencies.
func NewDumperWithDeps(logger *logging.Logger, db config.DatabaseConfig, deps DumperDeps) *Dumper {
	d := NewDumper(logger, db)
	if deps.LookPath != nil {
		d.deps.LookPath = deps.LookPath
	}
	if deps.CommandContext != nil {
		d.deps.CommandContext = deps.CommandContext
	}
	return d
}

// DumpFileName returns <db>_<runID>.sql.
func DumpFileName(dbName, runID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == filepath.Separator || r == 0 {
			return '_'
		}
		return r
	}, dbName)
	return name + "_" + runID + ".sql"
}

// CommandArgs returns the container CLI arguments and the extra
// environment for the export. The password travels through the
// environment (`-e VAR` without a value) so it never shows up in argv.
func (d *Dumper) CommandArgs() (args []string, env []string, err error) {
	switch d.db.Engine {
	case "postgres":
		args = []string{"exec"}
		if d.db.Password != "" {
			args = append(args, "-e", "PGPASSWORD")
			env = append(env, "PGPASSWORD="+d.db.Password)
		}
		args = append(args, d.db.Service, "pg_dump", "-U", d.db.User, "-d", d.db.Name)
	case "mysql":
		args = []string{"exec"}
		if d.db.Password != "" {
			args = append(args, "-e", "MYSQL_PWD")
			env = append(env, "MYSQL_PWD="+d.db.Password)
		}
		args = append(args, d.db.Service, "mysqldump", "--single-transaction", "-u", d.db.User, d.db.Name)
	default:
		return nil, nil, fmt.Errorf("unsupported database engine %q", d.db.Engine)
	}
	return args, env, nil
}

// Dump runs the export and streams its stdout into destDir. On any failure
// the partial dump file is removed.
func (d *Dumper) Dump(ctx context.Context, destDir, runID string) (artifact *types.Artifact, err error) {
	engine := d.db.Engine
	args, env, err := d.CommandArgs()
	if err != nil {
		return nil, &DumpError{Engine: engine, ExitStatus: -1, Err: err}
	}

	cli := d.db.ContainerCLI
	if _, err := d.deps.LookPath(cli); err != nil {
		return nil, &DumpError{Engine: engine, ExitStatus: -1, Err: fmt.Errorf("%s not found in PATH: %w", cli, err)}
	}

	outPath := filepath.Join(destDir, DumpFileName(d.db.Name, runID))
	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, &StagingError{Path: outPath, Err: err}
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(outPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				d.logger.Warning("Failed to remove partial dump %s: %v", outPath, rmErr)
			}
		}
	}()

	d.logger.Debug("Running %s %s", cli, strings.Join(args, " "))
	cmd := d.deps.CommandContext(ctx, cli, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = 5 * time.Second
	stdout := &stagingWriter{w: outFile, path: outPath}
	cmd.Stdout = stdout
	stderr := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()
	closeErr := outFile.Close()

	if runErr != nil {
		dumpErr := &DumpError{Engine: engine, ExitStatus: -1, Stderr: stderr.String(), Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			dumpErr.ExitStatus = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			dumpErr.Err = fmt.Errorf("%w: %v", ctxErr, runErr)
		}
		var se *StagingError
		if errors.As(runErr, &se) {
			return nil, se
		}
		return nil, dumpErr
	}
	if closeErr != nil {
		return nil, &StagingError{Path: outPath, Err: closeErr}
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, &StagingError{Path: outPath, Err: err}
	}
	if info.Size() == 0 {
		d.logger.Warning("Database dump %s is empty", filepath.Base(outPath))
	}
	d.logger.Info("Database %s dumped to %s (%s in %s)", d.db.Name, filepath.Base(outPath),
		humanize.IBytes(uint64(info.Size())), time.Since(started).Round(time.Millisecond))

	return &types.Artifact{
		Path:      outPath,
		Kind:      types.ArtifactDump,
		Size:      info.Size(),
		CreatedAt: time.Now(),
	}, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
