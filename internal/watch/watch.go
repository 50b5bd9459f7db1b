// Package watch reloads the engine when configuration files change on disk.
// Events are debounced so editors that write multiple times per save trigger
// a single reload; a failed reload keeps the previous snapshot serving.
package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period after the last change before reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes a set of files and calls Reload after changes settle.
type Watcher struct {
	logger   zerolog.Logger
	reload   func() error
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

type Options struct {
	// Paths lists the files to observe. Directories are watched as a whole
	// so atomic rename-into-place saves are seen.
	Paths []string

	// Reload is invoked after changes settle. An error is logged and the
	// previous configuration keeps serving.
	Reload func() error

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	Logger zerolog.Logger
}

func New(opts Options) (*Watcher, error) {
	if opts.Reload == nil {
		return nil, fmt.Errorf("watch: Reload callback is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	for _, p := range opts.Paths {
		if err := fsw.Add(p); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		logger:   opts.Logger.With().Str("component", "watch").Logger(),
		reload:   opts.Reload,
		debounce: debounce,
		watcher:  fsw,
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("configuration file changed")
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.reload(); err != nil {
			w.logger.Error().Err(err).Msg("reload failed, keeping previous configuration")
			return
		}
		w.logger.Info().Msg("configuration reloaded")
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
