package cache

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the images directory and drops entries whose backing file
// is removed or renamed behind the store's back (a user tidying the cache
// directory by hand, for example). It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.imagesDir); err != nil {
		return err
	}
	s.log.Debug("watching cache images directory", "dir", s.imagesDir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			key := keyFromImageName(event.Name)
			if key == "" {
				continue
			}
			removed, err := s.Remove(Key(key))
			if err != nil {
				s.log.Warn("failed to drop entry for removed image", "key", key, "error", err)
				continue
			}
			if removed {
				s.log.Info("cache image removed externally, entry dropped", "key", key)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("cache watcher error", "error", err)
		}
	}
}

// keyFromImageName maps an images/ file name back to its entry key. Temp
// files from in-progress atomic copies are ignored.
func keyFromImageName(path string) string {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
