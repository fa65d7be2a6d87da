// ABOUTME: Worker tag set shared between config, the heartbeat and the queue pull.
// ABOUTME: Optionally backed by a YAML file that is reloaded when it changes on disk.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TagSource holds the current worker tags. Readers always get a copy.
type TagSource struct {
	mu   sync.RWMutex
	tags []string
}

// NewTagSource returns a TagSource seeded with tags.
func NewTagSource(tags []string) *TagSource {
	s := &TagSource{}
	s.Set(tags)
	return s
}

// Tags returns the current tag set.
func (s *TagSource) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tags)
}

// Set replaces the tag set. Blank and duplicate entries are dropped; order is kept.
func (s *TagSource) Set(tags []string) {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(clean, t) {
			continue
		}
		clean = append(clean, t)
	}
	s.mu.Lock()
	s.tags = clean
	s.mu.Unlock()
}

type tagsFile struct {
	WorkerTags []string `yaml:"worker_tags"`
}

// LoadTagsFile reads the worker_tags list from a YAML file.
func LoadTagsFile(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	var tf tagsFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return tf.WorkerTags, nil
}

// WatchTagsFile reloads path into src whenever it is written or replaced,
// until ctx is cancelled. The parent directory is watched so editors that
// rename-over the file are picked up. A file that fails to parse leaves the
// previous tags in place.
func WatchTagsFile(ctx context.Context, path string, src *TagSource, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close() //nolint:errcheck
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				tags, err := LoadTagsFile(path)
				if err != nil {
					log.Warn("worker tags reload failed", "path", path, "error", err)
					continue
				}
				src.Set(tags)
				log.Info("worker tags reloaded", "path", path, "tags", src.Tags())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("worker tags watcher error", "error", err)
			}
		}
	}()
	return nil
}
