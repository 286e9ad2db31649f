package rollout

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte{0}, 0o644); err != nil {
		t.Fatalf("touch %s: %v", name, err)
	}
}

func TestScanDirOrdering(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, FileName(2, 5000))
	touch(t, dir, FileName(1, 9000))
	touch(t, dir, FileName(7, 5000))
	touch(t, dir, "stray.bin")
	touch(t, dir, FileName(3, 1000)+".tmp")
	touch(t, dir, ".hidden")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	want := []string{
		FileName(2, 5000),
		FileName(7, 5000),
		FileName(1, 9000),
		"stray.bin",
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected file count: got=%d want=%d (%v)", len(got), len(want), got)
	}
	for i, path := range got {
		if filepath.Base(path) != want[i] {
			t.Fatalf("position %d: got=%s want=%s", i, filepath.Base(path), want[i])
		}
	}
}

func TestParseToken(t *testing.T) {
	ms, seq, ok := parseToken("rollout_000042_1692800000000ms.bin")
	if !ok || seq != 42 || ms != 1692800000000 {
		t.Fatalf("parse failed: ms=%d seq=%d ok=%v", ms, seq, ok)
	}
	if _, _, ok := parseToken("model_export.ddkt"); ok {
		t.Fatal("foreign name should not parse")
	}
}
