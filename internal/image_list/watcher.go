package image_list

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const rescanDelay = 500 * time.Millisecond

// Watch rescans the data directory whenever image files appear, disappear or
// change, and calls onChange after each rescan. Bursts of events are coalesced.
// It blocks until ctx is done.
func (s *Scanner) Watch(ctx context.Context, onChange func()) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(s.dataDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dataDir, err)
	}

	timer := time.NewTimer(rescanDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			timer.Reset(rescanDelay)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Data directory watch error", zap.Error(err))

		case <-timer.C:
			if err := s.Scan(); err != nil {
				s.logger.Warn("Rescan failed", zap.Error(err))
				continue
			}
			if onChange != nil {
				onChange()
			}
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return IsImageFile(name)
}
