package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pageassist/assist/internal/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assist.log")

	logger, err := New(config.LogConfig{Path: path, Level: "info"}, false)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Info("session submitted")
	logger.Debug("hidden at info level")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "session submitted") {
		t.Errorf("log file missing info entry: %s", data)
	}
	if strings.Contains(string(data), "hidden at info level") {
		t.Error("debug entry written at info level")
	}
}

func TestNewVerboseEnablesDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assist.log")

	logger, err := New(config.LogConfig{Path: path, Level: "warn"}, true)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Debug("debug line")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "debug line") {
		t.Error("verbose logger dropped debug entry")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}, false); err == nil {
		t.Fatal("New() with unknown level should fail")
	}
}
