package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers a callback whenever the conf file is written, in
// addition to the operator's signal-driven rehash path.
type Watcher struct {
	fsw  *fsnotify.Watcher
	path string
}

// WatchFile starts watching path; onChange is invoked (on the watcher's own
// goroutine) for every write/create event. Callers are expected to funnel
// onChange into the same single-threaded event loop that drives everything
// else (e.g. by sending on a channel the loop selects on), never to mutate
// shared state directly from this goroutine.
func WatchFile(path string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	w := &Watcher{fsw: fsw, path: path}
	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange()
				}
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
