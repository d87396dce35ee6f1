// Package media stages downloaded photos on disk for the duration of a
// generation call and cleans them up afterwards. A cron-driven sweep
// removes anything a crashed cycle left behind.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bowerhall/magritte/internal/logger"
	"github.com/robfig/cron/v3"
)

type Staging struct {
	dir string
}

func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &Staging{dir: dir}, nil
}

// Stage writes one photo under <dir>/<userKey>/photo_<index><ext> and
// returns its path. The user key is flattened so transport-scoped keys
// like "telegram:123" stay a single path element.
func (s *Staging) Stage(userKey string, index int, data []byte, ext string) (string, error) {
	if ext == "" {
		ext = ".jpg"
	}

	userDir := filepath.Join(s.dir, sanitize(userKey))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(userDir, fmt.Sprintf("photo_%d%s", index, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}

	return path, nil
}

// Cleanup removes staged files and prunes their user directory once it
// is empty. Best effort: a failed remove is not worth failing a cycle.
func (s *Staging) Cleanup(paths []string) {
	dirs := make(map[string]bool)
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove staged photo", "path", path, "error", err)
		}
		dirs[filepath.Dir(path)] = true
	}

	for dir := range dirs {
		if dir == s.dir {
			continue
		}
		// fails while non-empty, which is what we want
		os.Remove(dir)
	}
}

// Sweep removes staged files older than maxAge and any directories left
// empty by doing so.
func (s *Staging) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logger.Warn("sweep failed to read staging dir", "dir", s.dir, "error", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		userDir := filepath.Join(s.dir, entry.Name())
		files, err := os.ReadDir(userDir)
		if err != nil {
			continue
		}
		for _, file := range files {
			info, err := file.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(userDir, file.Name())); err == nil {
					removed++
				}
			}
		}
		os.Remove(userDir)
	}

	if removed > 0 {
		logger.Info("swept stale staged photos", "count", removed)
	}
}

// StartJanitor schedules an hourly sweep and returns the running cron
// so the caller can stop it on shutdown.
func (s *Staging) StartJanitor(maxAge time.Duration) *cron.Cron {
	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() { s.Sweep(maxAge) }); err != nil {
		logger.Warn("failed to schedule staging sweep", "error", err)
	}
	c.Start()

	return c
}

func sanitize(userKey string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\':
			return '_'
		}
		return r
	}, userKey)
}
