package logging

import (
	"path/filepath"
	"testing"

	"rdp2tcp/config"
)

func TestNewWithFileSink(t *testing.T) {
	dir := t.TempDir()
	log := New(config.Log{Level: "debug", Path: filepath.Join(dir, "rdp2tcp.log")})
	defer log.Sync()
	log.Info("hello")
}

func TestNewWithoutPathLogsToStderr(t *testing.T) {
	log := New(config.Log{Level: "info"})
	defer log.Sync()
	log.Info("hello")
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	log := New(config.Log{Level: "not-a-real-level"})
	defer log.Sync()
	log.Info("still works")
}
