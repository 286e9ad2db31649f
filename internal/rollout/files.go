package rollout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileName builds the canonical rollout file name from a sequence number and
// a millisecond timestamp. Collectors emit this pattern; ScanDir orders by
// it.
func FileName(seq, ms int64) string {
	return fmt.Sprintf("rollout_%06d_%dms.bin", seq, ms)
}

// parseToken extracts the ordering token from a rollout file name. It
// reports false for names outside the canonical pattern.
func parseToken(name string) (ms, seq int64, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	var rest string
	n, err := fmt.Sscanf(base, "rollout_%d_%s", &seq, &rest)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	rest = strings.TrimSuffix(rest, "ms")
	if _, err := fmt.Sscanf(rest, "%d", &ms); err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

// ScanDir lists rollout files in dir ordered by their name tokens, oldest
// first. In-progress writes (".tmp" suffix), dotfiles and subdirectories are
// skipped. Names without a parseable token sort after tokenized ones in
// lexical order.
func ScanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan rollout dir: %w", err)
	}
	type scored struct {
		path string
		name string
		ms   int64
		seq  int64
		ok   bool
	}
	files := make([]scored, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		ms, seq, ok := parseToken(name)
		files = append(files, scored{path: filepath.Join(dir, name), name: name, ms: ms, seq: seq, ok: ok})
	}
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.ok {
			if a.ms != b.ms {
				return a.ms < b.ms
			}
			if a.seq != b.seq {
				return a.seq < b.seq
			}
		}
		return a.name < b.name
	})
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}
