package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
)

func TestWorkerCount(t *testing.T) {
	if got := WorkerCount(6); got != 6 {
		t.Errorf("WorkerCount(6) = %d", got)
	}
	auto := WorkerCount(0)
	if auto < 1 {
		t.Errorf("WorkerCount(0) = %d, want at least 1", auto)
	}
	if want := max(1, LogicalCPUs()/4); auto != want {
		t.Errorf("WorkerCount(0) = %d, want %d", auto, want)
	}
}

func TestInitLoggerWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	saved := log.Logger
	defer func() { log.Logger = saved }()

	cfg := DefaultLogConfig()
	cfg.Directory = dir
	cfg.Console = false
	if err := InitLogger(cfg); err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	logger := ComponentLogger("test")
	logger.Info().Msg("hello")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}
