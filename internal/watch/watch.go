// Package watch turns --watchfiles glob patterns into a debounced reload
// edge that feeds the same rolling-restart path as SIGHUP (spec section 4.5,
// "reload edge (from file-watcher) | Equivalent to SIGHUP").
package watch

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events (a save that
// produces several write events in quick succession) into one reload edge.
const DefaultDebounce = 300 * time.Millisecond

// Watcher observes the directories containing the configured glob patterns
// and emits a debounced signal on Events() whenever a matching file changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	patterns []string
	debounce time.Duration
	events   chan struct{}
	stop     chan struct{}
}

// New builds a Watcher over patterns, each a glob such as "*.py" or
// "config/*.yaml". Patterns with no directory component are matched
// against the current working directory.
func New(patterns []string, debounce time.Duration) (*Watcher, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("watch: no patterns given")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for _, p := range patterns {
		dir := filepath.Dir(p)
		if dir == "" {
			dir = "."
		}
		dirs[dir] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: watching %q: %w", dir, err)
		}
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		fsw:      fsw,
		patterns: patterns,
		debounce: debounce,
		events:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}, nil
}

// Events returns the channel reload edges are delivered on. Sends are
// non-blocking and coalesce: a consumer that is briefly busy sees at most
// one more edge once it catches up, not one per matched change.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Run pumps fsnotify events into debounced reload edges until Close is
// called. It blocks; call it from its own goroutine.
func (w *Watcher) Run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev.Name) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			select {
			case w.events <- struct{}{}:
			default:
			}

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) matches(name string) bool {
	base := filepath.Base(name)
	for _, p := range w.patterns {
		if ok, _ := filepath.Match(filepath.Base(p), base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Close stops Run and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.fsw.Close()
}
