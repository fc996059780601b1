package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals when the config file on disk changes. The controller
// does not hot-apply changes; it logs that a restart is needed.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	Changed chan string
	done    chan struct{}
	log     *slog.Logger
}

// NewWatcher watches the directory containing path for changes to it.
// Watching the directory rather than the file survives editors that
// replace the file on save.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		path:    filepath.Clean(path),
		Changed: make(chan string, 4),
		done:    make(chan struct{}),
		log:     log,
	}

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Info("config file changed on disk", "path", w.path, "op", event.Op.String())
			select {
			case w.Changed <- w.path:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}
