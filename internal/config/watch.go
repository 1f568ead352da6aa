package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher re-reads the allowlist from the config file whenever it changes
// and hands the new set to the callback. Only the allowlist is live; every
// other setting requires a restart.
type Watcher struct {
	watcher   *fsnotify.Watcher
	cfg       *Config
	onReload  func([]string)
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher starts watching the config file's directory. Watching the
// directory rather than the file survives editors that replace-on-save.
func NewWatcher(cfg *Config, onReload func([]string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(cfg.ConfigFile)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		cfg:      cfg,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()

	log.Info().Str("file", cfg.ConfigFile).Msg("Watching config file for allowlist changes")
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.cfg.ConfigFile)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			domains, err := w.cfg.ReloadAllowedDomains()
			if err != nil {
				log.Warn().Err(err).Msg("Allowlist reload failed, keeping previous set")
				continue
			}
			w.onReload(domains)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		w.wg.Wait()
	})
}
