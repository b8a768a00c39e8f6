package safefs

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestLstatReturnsTimeoutError(t *testing.T) {
	prev := osLstat
	defer func() { osLstat = prev }()

	osLstat = func(string) (os.FileInfo, error) {
		select {}
	}

	start := time.Now()
	_, err := Lstat(context.Background(), "/mnt/stale", 25*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Lstat err = %v; want timeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Op != "lstat" || te.Path != "/mnt/stale" {
		t.Fatalf("TimeoutError = %+v", te)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("Lstat took too long: %s", time.Since(start))
	}
}

func TestLstatWithoutTimeout(t *testing.T) {
	dir := t.TempDir()
	info, err := Lstat(context.Background(), dir, 0)
	if err != nil || !info.IsDir() {
		t.Fatalf("Lstat() = %v, %v", info, err)
	}
	if _, err := Lstat(context.Background(), dir+"/missing", time.Second); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestFreeBytes(t *testing.T) {
	prev := syscallStatfs
	defer func() { syscallStatfs = prev }()

	syscallStatfs = func(_ string, st *syscall.Statfs_t) error {
		st.Bavail = 10
		st.Bsize = 4096
		return nil
	}
	free, err := FreeBytes(context.Background(), "/var/tmp", time.Second)
	if err != nil || free != 40960 {
		t.Fatalf("FreeBytes() = %d, %v", free, err)
	}

	syscallStatfs = func(string, *syscall.Statfs_t) error {
		select {}
	}
	if _, err := FreeBytes(context.Background(), "/var/tmp", 25*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("FreeBytes err = %v; want timeout", err)
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Lstat(ctx, "/does/not/matter", 50*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("Lstat err = %v; want context.Canceled", err)
	}
}

func TestEffectiveTimeoutUsesDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := effectiveTimeout(ctx, time.Hour); got > 20*time.Millisecond || got <= 0 {
		t.Fatalf("effectiveTimeout() = %s", got)
	}
	if got := effectiveTimeout(context.Background(), 0); got != 0 {
		t.Fatalf("effectiveTimeout() = %s", got)
	}
}
