package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/choobs96/token-overlay/internal/logger"
)

// Watcher reports edits to the config file. Consumers reload on the next
// scheduled cycle rather than mid-cycle.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	events  chan struct{}
	stop    chan struct{}
}

// debounceWindow coalesces the write bursts editors produce on save.
const debounceWindow = 250 * time.Millisecond

// Watch starts watching the config file's directory for changes to the
// file. Watching the directory rather than the file survives the
// rename-and-replace save strategy most editors use.
func Watch(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fsw,
		path:    path,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns a channel that receives after the config file changes.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

func (w *Watcher) run() {
	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			select {
			case w.events <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)

		case <-w.stop:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
