package session

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher flags external edits to a session's notebook. It is only a hint:
// the authoritative staleness answer always comes from the content
// fingerprint, since editors may write through paths fsnotify cannot see.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	logger *zap.Logger
	done   chan struct{}
}

// newWatcher watches the notebook's directory (editors typically replace
// the file by rename, which a file-level watch would lose).
func newWatcher(s *Session) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(s.Path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		fsw:    fsw,
		path:   s.Path,
		logger: s.logger.Named("watch"),
		done:   make(chan struct{}),
	}
	go w.loop(s)
	return w, nil
}

func (w *Watcher) loop(s *Session) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if !s.dirty.Swap(true) {
					w.logger.Debug("notebook changed on disk", zap.String("op", ev.Op.String()))
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() {
	w.fsw.Close()
	<-w.done
}

// PossiblyStale reports the watcher's disk-change hint.
func (s *Session) PossiblyStale() bool {
	return s.dirty.Load()
}
