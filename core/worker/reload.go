package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader watches files and reports the first change of any of them.
type Reloader struct {
	fsWatcher *fsnotify.Watcher
	logger    *zap.Logger

	// files holds the cleaned absolute paths being watched.
	files map[string]struct{}

	events chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReloader watches paths. An empty list watches the running executable.
func NewReloader(paths []string, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(paths) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		paths = []string{exe}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	r := &Reloader{
		fsWatcher: fsWatcher,
		logger:    logger,
		files:     make(map[string]struct{}, len(paths)),
		events:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	// Directories are watched so that files replaced by rename are still seen.
	dirs := make(map[string]struct{})
	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
		}
		r.files[absPath] = struct{}{}

		dir := filepath.Dir(absPath)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to watch path %s: %w", dir, err)
		}
		dirs[dir] = struct{}{}
		logger.Debug("Watching for changes", zap.String("dir", dir))
	}

	r.wg.Add(1)
	go r.processEvents()
	return r, nil
}

// Events receives a value once a watched file changed.
func (r *Reloader) Events() <-chan struct{} { return r.events }

func (r *Reloader) processEvents() {
	defer r.wg.Done()

	for {
		select {
		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, watched := r.files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			r.logger.Info("Detected change, reloading", zap.String("file", event.Name), zap.Stringer("op", event.Op))
			select {
			case r.events <- struct{}{}:
			default:
			}

		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("File watcher error", zap.Error(err))

		case <-r.done:
			return
		}
	}
}

// Close stops watching. It waits for the event loop to exit.
func (r *Reloader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.fsWatcher.Close()
	})
	return err
}
