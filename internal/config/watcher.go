package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when the config file changes on disk.
type Watcher struct {
	loader   *Loader
	onReload func(*Config)
	logger   zerolog.Logger
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a config file watcher. onReload is called with the
// freshly loaded config after each change.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		loader:   loader,
		onReload: onReload,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory.
func (w *Watcher) Start() error {
	configPath, err := w.loader.Path()
	if err != nil {
		return err
	}
	if err := w.fsw.Add(filepath.Dir(configPath)); err != nil {
		return err
	}

	go w.run(configPath)
	return nil
}

func (w *Watcher) run(configPath string) {
	// Debounce editor write bursts before reloading.
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := w.loader.Load()
				if err != nil {
					w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
					return
				}
				w.logger.Info().Str("path", configPath).Msg("Config reloaded")
				w.onReload(cfg)
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// Stop stops watching and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}
