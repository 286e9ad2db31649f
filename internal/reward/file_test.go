package reward

import (
	"os"
	"testing"
	"time"
)

func TestNewFileEmptyPathPinsDefaults(t *testing.T) {
	f, err := NewFile("", nil)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if f.Config() != DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", f.Config())
	}
	if f.Version() != 1 {
		t.Fatalf("expected version 1, got %d", f.Version())
	}

	f.Refresh()
	if f.Version() != 1 {
		t.Fatal("refresh without a path must be a no-op")
	}
}

func TestNewFileBrokenConfigIsFatal(t *testing.T) {
	path := writeConfigFile(t, `{"kill": `)
	if _, err := NewFile(path, nil); err == nil {
		t.Fatal("expected startup error")
	}
}

func TestFileRefreshReloadsOnMtimeAdvance(t *testing.T) {
	path := writeConfigFile(t, `{"kill": 1}`)
	f, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if f.Config().Kill != 1 {
		t.Fatalf("initial load lost: %f", f.Config().Kill)
	}

	if err := os.WriteFile(path, []byte(`{"kill": 2}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	bumpMtime(t, path)

	f.Refresh()
	if f.Config().Kill != 2 {
		t.Fatalf("reload lost: %f", f.Config().Kill)
	}
	if f.Version() != 2 {
		t.Fatalf("expected version 2, got %d", f.Version())
	}
}

func TestFileRefreshIgnoresUnchangedMtime(t *testing.T) {
	path := writeConfigFile(t, `{"kill": 1}`)
	f, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}

	f.Refresh()
	f.Refresh()
	if f.Version() != 1 {
		t.Fatalf("unchanged file must not bump the version, got %d", f.Version())
	}
}

func TestFileRefreshKeepsPreviousOnMalformed(t *testing.T) {
	path := writeConfigFile(t, `{"kill": 1}`)
	f, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"kill": `), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	bumpMtime(t, path)

	f.Refresh()
	if f.Config().Kill != 1 {
		t.Fatalf("malformed reload must keep previous weights, got %f", f.Config().Kill)
	}
	if f.Version() != 1 {
		t.Fatalf("malformed reload must not bump the version, got %d", f.Version())
	}
}

func TestFileRefreshSurvivesMissingFile(t *testing.T) {
	path := writeConfigFile(t, `{"kill": 1}`)
	f, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	f.Refresh()
	if f.Config().Kill != 1 || f.Version() != 1 {
		t.Fatal("missing file must keep the loaded weights")
	}
}

// bumpMtime pushes the file's mtime firmly past the recorded one; some
// filesystems truncate timestamps to whole seconds.
func bumpMtime(t *testing.T, path string) {
	t.Helper()

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}
