// Package intake watches drop directories and reports disk images once they
// have stopped changing.
package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is a file that has settled.
type Event struct {
	Path      string
	Size      int64
	ModTime   time.Time
	Timestamp time.Time
}

// Config controls a Watcher.
type Config struct {
	Dirs     []string
	Patterns []string
	// Settle is how long size and mtime must stay unchanged.
	Settle time.Duration
	// Existing reports files already present at Start.
	Existing bool
}

type fileState struct {
	size       int64
	modTime    time.Time
	lastChange time.Time
}

// Watcher monitors drop directories.
type Watcher struct {
	cfg       Config
	fsWatcher *fsnotify.Watcher

	state   map[string]*fileState
	stateMu sync.Mutex

	events chan Event
	errors chan error

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a watcher. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Dirs) == 0 {
		return nil, errors.New("intake: no directories")
	}
	if cfg.Settle <= 0 {
		return nil, errors.New("intake: settle interval must be positive")
	}
	for _, p := range cfg.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("intake: bad pattern %q: %w", p, err)
		}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		cfg:       cfg,
		fsWatcher: fsWatcher,
		state:     make(map[string]*fileState),
		events:    make(chan Event, 64),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Events returns settled files.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns watch errors. Errors are dropped when nobody reads them.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.cfg.Dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("intake: %s is not a directory", abs)
		}
		if err := w.fsWatcher.Add(abs); err != nil {
			return fmt.Errorf("watch %s: %w", abs, err)
		}

		if !w.cfg.Existing {
			continue
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.touch(filepath.Join(abs, e.Name()))
			}
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop()
	return nil
}

// Stop shuts the watcher down and closes Events and Errors.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
		close(w.events)
		close(w.errors)
	})
	return err
}

// Matches reports whether name is an image the watcher should pick up.
func (w *Watcher) Matches(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	if len(w.cfg.Patterns) == 0 {
		return true
	}
	for _, p := range w.cfg.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Pending returns the number of files waiting to settle.
func (w *Watcher) Pending() int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return len(w.state)
}

// touch records a change to path.
func (w *Watcher) touch(path string) {
	if !w.Matches(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.stateMu.Lock()
	w.state[path] = &fileState{size: info.Size(), modTime: info.ModTime(), lastChange: w.now()}
	w.stateMu.Unlock()
}

func (w *Watcher) sendErr(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0:
				w.touch(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.stateMu.Lock()
				delete(w.state, event.Name)
				w.stateMu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendErr(err)
		}
	}
}

func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	tick := w.cfg.Settle / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkSettled(w.now())
		}
	}
}

// checkSettled stats every tracked file outside the lock and emits those
// unchanged for the settle interval.
func (w *Watcher) checkSettled(now time.Time) {
	w.stateMu.Lock()
	paths := make([]string, 0, len(w.state))
	for p := range w.state {
		paths = append(paths, p)
	}
	w.stateMu.Unlock()

	for _, path := range paths {
		info, statErr := os.Stat(path)

		w.stateMu.Lock()
		st, ok := w.state[path]
		if !ok {
			w.stateMu.Unlock()
			continue
		}
		if statErr != nil {
			delete(w.state, path)
			w.stateMu.Unlock()
			continue
		}
		if info.Size() != st.size || !info.ModTime().Equal(st.modTime) {
			st.size, st.modTime, st.lastChange = info.Size(), info.ModTime(), now
			w.stateMu.Unlock()
			continue
		}
		if now.Sub(st.lastChange) < w.cfg.Settle {
			w.stateMu.Unlock()
			continue
		}

		ev := Event{Path: path, Size: st.size, ModTime: st.modTime, Timestamp: now}
		select {
		case w.events <- ev:
			// Re-reported only after the next modification.
			delete(w.state, path)
		default:
			// Consumer is behind; retry next tick.
		}
		w.stateMu.Unlock()
	}
}

// Handler processes one settled file.
type Handler func(ctx context.Context, ev Event) error

// Run starts the watcher and calls h for each settled file, one at a time,
// until ctx is done. Handler and watch errors go to onErr when it is set.
func (w *Watcher) Run(ctx context.Context, h Handler, onErr func(error)) error {
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			if err := h(ctx, ev); err != nil && onErr != nil {
				onErr(fmt.Errorf("%s: %w", ev.Path, err))
			}
		case err, ok := <-w.errors:
			if ok && onErr != nil {
				onErr(err)
			}
		}
	}
}
