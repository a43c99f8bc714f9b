// Package signals lets operators steer a running supervisor by creating
// and removing files in a signal directory.
//
//	pause   present: cycles are paused. Removing it resumes them.
//	wake    created: the supervisor runs a cycle now. The file is consumed.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// PauseFile pauses supervisor cycles while it exists.
	PauseFile = "pause"
	// WakeFile requests an immediate cycle.
	WakeFile = "wake"
)

// Controller is what signals act on.
type Controller interface {
	Pause()
	Resume()
	Wake()
}

// Watcher turns signal files into Controller calls.
type Watcher struct {
	dir    string
	ctrl   Controller
	logger *slog.Logger
}

// NewWatcher creates a watcher for dir, creating the directory if needed.
func NewWatcher(dir string, ctrl Controller, logger *slog.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, ctrl: ctrl, logger: logger.With("component", "signals")}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run applies signals already present, then watches for changes until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if exists(filepath.Join(w.dir, PauseFile)) {
		w.ctrl.Pause()
	}
	if exists(filepath.Join(w.dir, WakeFile)) {
		w.consumeWake()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch filepath.Base(event.Name) {
	case PauseFile:
		switch {
		case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
			w.logger.Info("pause signal received")
			w.ctrl.Pause()
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			w.logger.Info("pause signal cleared")
			w.ctrl.Resume()
		}
	case WakeFile:
		if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
			w.consumeWake()
		}
	}
}

func (w *Watcher) consumeWake() {
	w.logger.Info("wake signal received")
	if err := os.Remove(filepath.Join(w.dir, WakeFile)); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to consume wake signal", "error", err)
	}
	w.ctrl.Wake()
}

// SendPause creates the pause file in dir.
func SendPause(dir string) error {
	return touch(dir, PauseFile)
}

// ClearPause removes the pause file from dir.
func ClearPause(dir string) error {
	err := os.Remove(filepath.Join(dir, PauseFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SendWake creates the wake file in dir.
func SendWake(dir string) error {
	return touch(dir, WakeFile)
}

func touch(dir, name string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
