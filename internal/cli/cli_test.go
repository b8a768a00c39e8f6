package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/snapship/internal/backup"
	"github.com/tis24dev/snapship/internal/config"
	"github.com/tis24dev/snapship/internal/delivery"
	"github.com/tis24dev/snapship/internal/logging"
	"github.com/tis24dev/snapship/internal/metrics"
	"github.com/tis24dev/snapship/internal/pipeline"
	"github.com/tis24dev/snapship/internal/tui/wizard"
	"github.com/tis24dev/snapship/internal/types"
)

const testBotToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

type fakeDeliverer struct {
	calls int
	err   error
}

func (f *fakeDeliverer) Name() string { return "fake" }

func (f *fakeDeliverer) Deliver(_ context.Context, artifact types.Artifact, caption string) (*delivery.Receipt, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &delivery.Receipt{Success: true, Method: "fake", Reference: "msg-7", Caption: caption, Bytes: artifact.Size}, nil
}

type panicCollector struct{}

func (panicCollector) Collect(context.Context, []string, string, string) ([]types.Artifact, error) {
	panic("collector exploded")
}

// fakeCron keeps the crontab in memory.
type fakeCron struct{ content string }

func (f *fakeCron) Run(_ context.Context, stdin string, _ string, args ...string) ([]byte, error) {
	if len(args) == 1 && args[0] == "-" {
		f.content = stdin
		return nil, nil
	}
	return []byte(f.content), nil
}

type testEnv struct {
	app    *App
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	cron   *fakeCron
}

func newTestApp(t *testing.T) *testEnv {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cron := &fakeCron{}
	app := &App{
		Stdout:      stdout,
		Stderr:      stderr,
		Interactive: func() bool { return false },
		Executable:  func() (string, error) { return "/usr/local/bin/snapship", nil },
		CronRunner:  cron,
		RunWizard: func(context.Context, *wizard.InstallData) (*wizard.InstallData, error) {
			return nil, errors.New("wizard not expected")
		},
		ConfirmOverwrite: func(string) (bool, error) { return true, nil },
	}
	return &testEnv{app: app, stdout: stdout, stderr: stderr, cron: cron}
}

// writeConfig writes an env file backing up one small folder.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "site")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "index.html"), []byte("<h1>hi</h1>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	metricsDir := filepath.Join(dir, "metrics")
	content := strings.Join([]string{
		"SOURCE_PATHS=" + src,
		"STAGING_DIR=" + filepath.Join(dir, "staging"),
		"DELIVERY_METHOD=telegram",
		"TELEGRAM_BOT_TOKEN=" + testBotToken,
		"TELEGRAM_CHAT_ID=42",
		"HOSTNAME_OVERRIDE=web01",
		"USE_COLOR=false",
		"METRICS_ENABLED=true",
		"METRICS_PATH=" + metricsDir,
		"LOG_PATH=" + filepath.Join(dir, "log", "snapship.log"),
		extra,
	}, "\n") + "\n"
	path := filepath.Join(dir, "snapship.env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, metricsDir
}

func TestRunCompletesAndExportsMetrics(t *testing.T) {
	env := newTestApp(t)
	fake := &fakeDeliverer{}
	env.app.RunnerOptions = []pipeline.Option{pipeline.WithDeliverer(fake)}
	cfgPath, metricsDir := writeConfig(t, "")

	code := env.app.Run(context.Background(), []string{"--config", cfgPath, "run"})
	if code != 0 {
		t.Fatalf("exit code = %d\nstdout:\n%s\nstderr:\n%s", code, env.stdout, env.stderr)
	}
	if fake.calls != 1 {
		t.Fatalf("deliveries = %d", fake.calls)
	}
	out := env.stdout.String()
	if !strings.Contains(out, "completed in") || !strings.Contains(out, "via fake msg-7") {
		t.Fatalf("summary missing:\n%s", out)
	}

	prom, err := os.ReadFile(filepath.Join(metricsDir, metrics.TextfileName))
	if err != nil {
		t.Fatalf("metrics not written: %v", err)
	}
	for _, want := range []string{"snapship_exit_code 0", `hostname="web01"`, `delivery="telegram"`} {
		if !strings.Contains(string(prom), want) {
			t.Fatalf("metrics missing %q:\n%s", want, prom)
		}
	}

	log, err := os.ReadFile(filepath.Join(filepath.Dir(cfgPath), "log", "snapship.log"))
	if err != nil || len(log) == 0 {
		t.Fatalf("log file not written: %v", err)
	}
}

func TestRunDeliveryFailureExitCode(t *testing.T) {
	env := newTestApp(t)
	env.app.RunnerOptions = []pipeline.Option{pipeline.WithDeliverer(&fakeDeliverer{err: errors.New("HTTP 502")})}
	cfgPath, metricsDir := writeConfig(t, "")

	code := env.app.Run(context.Background(), []string{"-c", cfgPath, "run"})
	if code != types.ExitDeliveryError.Int() {
		t.Fatalf("exit code = %d, want %d", code, types.ExitDeliveryError.Int())
	}
	if !strings.Contains(env.stdout.String(), "failed at stage delivery") {
		t.Fatalf("summary missing:\n%s", env.stdout)
	}
	if strings.Contains(env.stderr.String(), "Error:") {
		t.Fatalf("logged stage failure printed twice:\n%s", env.stderr)
	}
	prom, _ := os.ReadFile(filepath.Join(metricsDir, metrics.TextfileName))
	if !strings.Contains(string(prom), `snapship_failed_stage{stage="delivery"} 1`) {
		t.Fatalf("failed stage not exported:\n%s", prom)
	}
}

func TestRunConcurrentLockExitCode(t *testing.T) {
	env := newTestApp(t)
	fake := &fakeDeliverer{}
	env.app.RunnerOptions = []pipeline.Option{pipeline.WithDeliverer(fake)}
	cfgPath, _ := writeConfig(t, "")

	staging := filepath.Join(filepath.Dir(cfgPath), "staging")
	if err := os.MkdirAll(staging, 0o700); err != nil {
		t.Fatal(err)
	}
	lockPath := filepath.Join(staging, pipeline.LockFileName)
	held := fmt.Sprintf("pid=%d\nhost=web01\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(held), 0o600); err != nil {
		t.Fatal(err)
	}

	code := env.app.Run(context.Background(), []string{"-c", cfgPath, "run"})
	if code != types.ExitConcurrentRunError.Int() {
		t.Fatalf("exit code = %d, want %d\nstderr:\n%s", code, types.ExitConcurrentRunError.Int(), env.stderr)
	}
	if fake.calls != 0 {
		t.Fatalf("deliveries = %d", fake.calls)
	}
	data, err := os.ReadFile(lockPath)
	if err != nil || string(data) != held {
		t.Fatalf("lock of the running backup changed: %q, %v", data, err)
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	env := newTestApp(t)
	missing := filepath.Join(t.TempDir(), "absent.env")
	if code := env.app.Run(context.Background(), []string{"-c", missing, "run"}); code != types.ExitConfigError.Int() {
		t.Fatalf("missing config: exit code = %d", code)
	}
	if !strings.Contains(env.stderr.String(), "configuration file not found") {
		t.Fatalf("stderr = %q", env.stderr)
	}

	env = newTestApp(t)
	cfgPath, _ := writeConfig(t, "DELIVERY_METHOD=ftp")
	if code := env.app.Run(context.Background(), []string{"-c", cfgPath, "run"}); code != types.ExitConfigError.Int() {
		t.Fatalf("invalid config: exit code = %d", code)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	env := newTestApp(t)
	fake := &fakeDeliverer{}
	env.app.RunnerOptions = []pipeline.Option{pipeline.WithDeliverer(fake)}
	cfgPath, metricsDir := writeConfig(t, "")

	code := env.app.Run(context.Background(), []string{"-c", cfgPath, "--log-level", "debug", "run", "--dry-run"})
	if code != 0 {
		t.Fatalf("exit code = %d\n%s", code, env.stderr)
	}
	if fake.calls != 0 {
		t.Fatal("dry run delivered")
	}
	if _, err := os.Stat(metricsDir); !os.IsNotExist(err) {
		t.Fatal("dry run exported metrics")
	}
	if !strings.Contains(env.stdout.String(), "Dry run") {
		t.Fatalf("summary missing:\n%s", env.stdout)
	}
}

func TestRunPanicExitCode(t *testing.T) {
	env := newTestApp(t)
	env.app.RunnerOptions = []pipeline.Option{
		pipeline.WithDeliverer(&fakeDeliverer{}),
		pipeline.WithCollector(panicCollector{}),
	}
	cfgPath, _ := writeConfig(t, "")

	code := env.app.Run(context.Background(), []string{"-c", cfgPath, "run"})
	if code != types.ExitPanicError.Int() {
		t.Fatalf("exit code = %d, want %d", code, types.ExitPanicError.Int())
	}
	if !strings.Contains(env.stderr.String(), "collector exploded") {
		t.Fatalf("panic not reported:\n%s", env.stderr)
	}
}

func TestVersionCommand(t *testing.T) {
	env := newTestApp(t)
	if code := env.app.Run(context.Background(), []string{"version"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.HasPrefix(env.stdout.String(), "snapship ") {
		t.Fatalf("stdout = %q", env.stdout)
	}
}

func TestScheduleCommands(t *testing.T) {
	env := newTestApp(t)
	cfgPath, _ := writeConfig(t, "")
	ctx := context.Background()

	if code := env.app.Run(ctx, []string{"-c", cfgPath, "schedule", "add", "--cron", "15 1 * * *"}); code != 0 {
		t.Fatalf("add exit code = %d\n%s", code, env.stderr)
	}
	wantLine := "15 1 * * * /usr/local/bin/snapship run -c " + cfgPath
	if !strings.Contains(env.cron.content, "# snapship:default\n"+wantLine+"\n") {
		t.Fatalf("crontab = %q", env.cron.content)
	}

	env.stdout.Reset()
	if code := env.app.Run(ctx, []string{"schedule", "list"}); code != 0 {
		t.Fatalf("list exit code = %d", code)
	}
	if !strings.Contains(env.stdout.String(), "NAME") || !strings.Contains(env.stdout.String(), "15 1 * * *") {
		t.Fatalf("list output:\n%s", env.stdout)
	}

	if code := env.app.Run(ctx, []string{"schedule", "add", "--cron", "99 1 * * *"}); code == 0 {
		t.Fatal("invalid cron accepted")
	}
	if code := env.app.Run(ctx, []string{"schedule", "remove", "default"}); code != 0 {
		t.Fatalf("remove exit code = %d", code)
	}
	if strings.Contains(env.cron.content, "snapship:default") {
		t.Fatalf("entry still present: %q", env.cron.content)
	}
	if code := env.app.Run(ctx, []string{"schedule", "remove", "default"}); code != types.ExitGenericError.Int() {
		t.Fatalf("removing unknown entry: exit code = %d", code)
	}
}

func encryptedArchive(t *testing.T, passphrase string) string {
	t.Helper()
	dir := t.TempDir()
	plain := filepath.Join(dir, "backup-web01-R1.tar.gz")
	if err := os.WriteFile(plain, []byte("archive bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	enc := plain + backup.EncryptedSuffix
	if err := backup.NewEncryptor(logger, passphrase, 10).EncryptFile(context.Background(), plain, enc); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(plain); err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestDecryptCommand(t *testing.T) {
	enc := encryptedArchive(t, "s3cret")
	noConfig := filepath.Join(t.TempDir(), "none.env")
	t.Setenv("SNAPSHIP_PASSPHRASE", "s3cret")

	env := newTestApp(t)
	if code := env.app.Run(context.Background(), []string{"-c", noConfig, "decrypt", enc}); code != 0 {
		t.Fatalf("exit code = %d\n%s", code, env.stderr)
	}
	got, err := os.ReadFile(strings.TrimSuffix(enc, backup.EncryptedSuffix))
	if err != nil || string(got) != "archive bytes" {
		t.Fatalf("decrypted = %q, %v", got, err)
	}

	env = newTestApp(t)
	if code := env.app.Run(context.Background(), []string{"-c", noConfig, "decrypt", enc}); code == 0 {
		t.Fatal("existing output overwritten without --force")
	}
}

func TestDecryptAndExtract(t *testing.T) {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	dir := t.TempDir()
	snap := filepath.Join(dir, "site_R1")
	if err := os.MkdirAll(snap, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(snap, "index.html"), []byte("<h1>hi</h1>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "backup-web01-R1.tar.gz")
	archiver := backup.NewArchiver(logger, backup.ArchiverConfig{Compression: types.CompressionGzip})
	if err := archiver.CreateArchive(context.Background(), []types.Artifact{{Path: snap, Kind: types.ArtifactSnapshot}}, plain); err != nil {
		t.Fatal(err)
	}
	enc := plain + backup.EncryptedSuffix
	if err := backup.NewEncryptor(logger, "s3cret", 10).EncryptFile(context.Background(), plain, enc); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(plain); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SNAPSHIP_PASSPHRASE", "s3cret")
	restore := filepath.Join(t.TempDir(), "restore")

	env := newTestApp(t)
	code := env.app.Run(context.Background(), []string{
		"-c", filepath.Join(t.TempDir(), "none.env"), "decrypt", enc, "--extract", restore,
	})
	if code != 0 {
		t.Fatalf("exit code = %d\n%s", code, env.stderr)
	}
	got, err := os.ReadFile(filepath.Join(restore, "site_R1", "index.html"))
	if err != nil || string(got) != "<h1>hi</h1>\n" {
		t.Fatalf("extracted = %q, %v", got, err)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	enc := encryptedArchive(t, "s3cret")
	t.Setenv("WRONG_PASS", "nope")
	out := filepath.Join(t.TempDir(), "out.tar.gz")

	env := newTestApp(t)
	code := env.app.Run(context.Background(), []string{
		"-c", filepath.Join(t.TempDir(), "none.env"),
		"decrypt", enc, "--passphrase-env", "WRONG_PASS", "-o", out,
	})
	if code != types.ExitEncryptionError.Int() {
		t.Fatalf("exit code = %d, want %d", code, types.ExitEncryptionError.Int())
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("output written for wrong passphrase")
	}
}

func TestDecryptWithoutPassphraseSource(t *testing.T) {
	enc := encryptedArchive(t, "s3cret")
	env := newTestApp(t)
	code := env.app.Run(context.Background(), []string{
		"-c", filepath.Join(t.TempDir(), "none.env"),
		"decrypt", enc, "--passphrase-env", "SNAPSHIP_TEST_UNSET_VAR",
	})
	if code != types.ExitConfigError.Int() {
		t.Fatalf("exit code = %d", code)
	}
}

func TestInstallWritesConfigAndSchedule(t *testing.T) {
	env := newTestApp(t)
	env.app.Interactive = func() bool { return true }
	source := t.TempDir()
	env.app.RunWizard = func(_ context.Context, defaults *wizard.InstallData) (*wizard.InstallData, error) {
		data := *defaults
		data.Sources = []string{source}
		data.TelegramBotToken = testBotToken
		data.TelegramChatID = "42"
		data.CronTime = "02:30"
		return &data, nil
	}
	cfgPath := filepath.Join(t.TempDir(), "etc", "snapship.env")

	if code := env.app.Run(context.Background(), []string{"-c", cfgPath, "install"}); code != 0 {
		t.Fatalf("exit code = %d\n%s", code, env.stderr)
	}
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v", info.Mode().Perm())
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("written config invalid: %v", err)
	}
	if len(cfg.SourcePaths) != 1 || cfg.SourcePaths[0] != source {
		t.Fatalf("SourcePaths = %v", cfg.SourcePaths)
	}
	if !strings.Contains(env.cron.content, "30 2 * * * /usr/local/bin/snapship run -c "+cfgPath) {
		t.Fatalf("crontab = %q", env.cron.content)
	}
}

func TestInstallCancelledWritesNothing(t *testing.T) {
	env := newTestApp(t)
	env.app.Interactive = func() bool { return true }
	env.app.RunWizard = func(context.Context, *wizard.InstallData) (*wizard.InstallData, error) {
		return nil, wizard.ErrInstallCancelled
	}
	cfgPath := filepath.Join(t.TempDir(), "snapship.env")

	if code := env.app.Run(context.Background(), []string{"-c", cfgPath, "install"}); code != types.ExitGenericError.Int() {
		t.Fatalf("exit code = %d", code)
	}
	if _, err := os.Stat(cfgPath); !os.IsNotExist(err) {
		t.Fatal("config written after cancel")
	}
	if env.cron.content != "" {
		t.Fatal("crontab changed after cancel")
	}
}

func TestInstallRequiresTerminal(t *testing.T) {
	env := newTestApp(t)
	if code := env.app.Run(context.Background(), []string{"-c", filepath.Join(t.TempDir(), "x.env"), "install"}); code == 0 {
		t.Fatal("install ran without a terminal")
	}
}
