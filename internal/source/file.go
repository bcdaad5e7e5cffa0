// Package source provides schedule sources that are not backed by the store.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/natsbeat/internal/model"
	"github.com/t77yq/natsbeat/internal/scheduler"
)

// ErrNoPath is returned when a file source is created without a path.
var ErrNoPath = errors.New("schedule file path is required")

const (
	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// fileDocument is the layout of a schedule file:
//
//	schedules:
//	  cleanup:
//	    task: maintenance.cleanup
//	    type: crontab
//	    schedule: "0 4 * * *"
type fileDocument struct {
	Schedules map[string]model.PeriodicTask `yaml:"schedules"`
}

// FileSource reads dynamic schedules from a YAML file. Edits are detected
// through fsnotify while Watch runs, and by modification time otherwise.
type FileSource struct {
	path   string
	logger *zap.Logger

	changed atomic.Bool

	mu      sync.Mutex
	modTime time.Time
}

// NewFileSource creates a source for the YAML file at path.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	s := &FileSource{path: path, logger: logger.Named("file-source")}
	s.changed.Store(true)
	return s, nil
}

// Hooks exposes the file as a scheduler schedule source.
func (s *FileSource) Hooks() scheduler.SourceHooks {
	return scheduler.SourceHooks{
		Fetch:      s.Fetch,
		HasChanged: s.HasChanged,
	}
}

// Fetch parses the file. Every definition is stamped with the file's
// modification time as its last update.
func (s *FileSource) Fetch(ctx context.Context) (map[string]model.PeriodicTask, error) {
	s.changed.Store(false)

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat schedule file: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schedule file %s: %w", s.path, err)
	}

	modTime := info.ModTime()
	defs := make(map[string]model.PeriodicTask, len(doc.Schedules))
	for name, def := range doc.Schedules {
		def.Name = name
		if def.LastUpdated == nil {
			def.LastUpdated = &modTime
		}
		defs[name] = def
	}

	s.mu.Lock()
	s.modTime = modTime
	s.mu.Unlock()

	s.logger.Debug("Loaded schedule file", zap.String("path", s.path), zap.Int("entries", len(defs)))
	return defs, nil
}

// HasChanged reports whether the file may differ from the last Fetch.
func (s *FileSource) HasChanged(ctx context.Context) (bool, error) {
	if s.changed.Load() {
		return true, nil
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat schedule file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !info.ModTime().Equal(s.modTime), nil
}

// Watch marks the source changed whenever the file is written, replaced or
// removed. It blocks until ctx is done and recreates the watcher if it breaks.
func (s *FileSource) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)
	backoff := watchRetryBase

	for {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.logger.Warn("Failed to watch schedule file, retrying",
				zap.String("dir", dir),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, watchRetryMax)
			continue
		}

		backoff = watchRetryBase
		s.logger.Debug("Watching schedule file", zap.String("path", s.path))

		broken := s.watchLoop(ctx, w, file)
		_ = w.Close()
		if !broken {
			return nil
		}
		s.logger.Warn("Schedule file watcher stopped, restarting", zap.String("path", s.path))
	}
}

// watchLoop returns true when the watcher broke and should be recreated.
func (s *FileSource) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.changed.Store(true)
				s.logger.Debug("Schedule file changed", zap.String("op", ev.Op.String()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			// Overflow means events were lost.
			if errors.Is(err, fsnotify.ErrEventOverflow) || strings.Contains(strings.ToLower(err.Error()), "overflow") {
				s.changed.Store(true)
				continue
			}
			s.logger.Warn("Schedule file watch error", zap.Error(err))
		}
	}
}
