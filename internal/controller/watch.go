package controller

import (
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher flags writes to the configuration file. The directory is watched
// rather than the file so editors that save by rename are still seen.
type watcher struct {
	fs      *fsnotify.Watcher
	path    string
	logger  *zap.Logger
	changed atomic.Bool
	done    chan struct{}
}

func newWatcher(path string, logger *zap.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &watcher{fs: fw, path: filepath.Clean(path), logger: logger.Named("watch"), done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if filepath.Clean(ev.Name) == w.path {
				w.logger.Debug("Config file event", zap.String("op", ev.Op.String()))
				w.changed.Store(true)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// Changed reports whether the file was touched since the last call.
func (w *watcher) Changed() bool {
	return w.changed.Swap(false)
}

func (w *watcher) Close() {
	close(w.done)
	w.fs.Close()
}
