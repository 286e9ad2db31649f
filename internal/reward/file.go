package reward

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// File tracks a reward config on disk and reloads it when its mtime
// advances. A missing path pins the defaults for the whole run.
type File struct {
	path    string
	cfg     Config
	mtime   time.Time
	version int
	log     logrus.FieldLogger
}

// NewFile loads the config at path, or the defaults when path is empty.
// A broken file at startup is fatal; later breakage only logs.
func NewFile(path string, log logrus.FieldLogger) (*File, error) {
	if log == nil {
		log = nopLogger()
	}
	f := &File{path: path, cfg: DefaultConfig(), version: 1, log: log}
	if path == "" {
		return f, nil
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	f.cfg = cfg
	if info, err := os.Stat(path); err == nil {
		f.mtime = info.ModTime()
	}
	return f, nil
}

// Config returns the currently loaded weights.
func (f *File) Config() Config { return f.cfg }

// Version counts successful loads, starting at 1.
func (f *File) Version() int { return f.version }

// Refresh re-stats the file and reloads it when the mtime advanced. A
// malformed file keeps the previous weights; the stat failure of a file
// mid-replace is ignored until the next cycle.
func (f *File) Refresh() {
	if f.path == "" {
		return
	}

	info, err := os.Stat(f.path)
	if err != nil {
		f.log.WithError(err).WithField("path", f.path).Warn("reward config stat failed")
		return
	}
	if !info.ModTime().After(f.mtime) {
		return
	}
	f.mtime = info.ModTime()

	cfg, err := LoadConfigFile(f.path)
	if err != nil {
		f.log.WithError(err).WithField("path", f.path).Warn("reward config reload failed, keeping previous weights")
		return
	}
	f.cfg = cfg
	f.version++
	f.log.WithFields(logrus.Fields{
		"path":    f.path,
		"version": f.version,
	}).Info("reward config reloaded")
}

func nopLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
