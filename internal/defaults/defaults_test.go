package defaults

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestGetDefaultConfig(t *testing.T) {
	content, err := GetDefaultConfig()
	if err != nil {
		t.Fatalf("GetDefaultConfig failed: %v", err)
	}
	if len(content) == 0 {
		t.Error("config.yaml content is empty")
	}
	if content[0] != '#' {
		t.Error("expected embedded config.yaml to start with a comment")
	}
}

func TestDataDirOverride(t *testing.T) {
	t.Setenv("CDP_RELAY_DATA_DIR", "/tmp/cdp-relay-test-dir")
	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir failed: %v", err)
	}
	if dir != "/tmp/cdp-relay-test-dir" {
		t.Errorf("expected override to take precedence, got %s", dir)
	}
}

func TestDataDirDefault(t *testing.T) {
	t.Setenv("CDP_RELAY_DATA_DIR", "")
	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir failed: %v", err)
	}
	if runtime.GOOS == "linux" && filepath.Base(dir) != "cdp-relay" {
		t.Errorf("expected lowercase cdp-relay on linux, got %s", dir)
	}
}

func TestEnsureDataDirWritesDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CDP_RELAY_DATA_DIR", tmpDir)

	dir, err := EnsureDataDir()
	if err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}
	if dir != tmpDir {
		t.Fatalf("expected %s, got %s", tmpDir, dir)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config.yaml was not written")
	}
}

func TestEnsureDataDirDoesNotOverwriteExistingConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CDP_RELAY_DATA_DIR", tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte("# custom"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "# custom" {
		t.Error("EnsureDataDir overwrote an existing config.yaml")
	}
}

func TestInstanceLockRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CDP_RELAY_DATA_DIR", tmpDir)

	if err := WriteInstanceLock(); err != nil {
		t.Fatalf("WriteInstanceLock failed: %v", err)
	}
	if pid := ReadInstanceLock(); pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}

	RemoveInstanceLock()
	if pid := ReadInstanceLock(); pid != 0 {
		t.Errorf("expected 0 after removal, got %d", pid)
	}
}
