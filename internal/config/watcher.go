package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a single config file and atomically swaps a shared
// *Config on every write, debounced against rapid successive writes from
// editors that truncate-then-rewrite. Grounded on
// stlalpha-vision3/cmd/vision3's ConfigWatcher (fsnotify.Watcher plus a
// debounce timer), generalized from a fixed set of named JSON files to a
// single INI file feeding one atomic swap target.
type Watcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}

	path    string
	target  *Config
	targetMu *sync.RWMutex
	onReload func(*Config, error)
}

// NewWatcher starts watching path for writes. target is swapped in place
// (under targetMu) each time path is successfully reparsed; onReload, if
// non-nil, is called after every reload attempt (success or failure) for
// logging/metrics.
func NewWatcher(path string, target *Config, targetMu *sync.RWMutex, onReload func(*Config, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		watcher:  fsw,
		done:     make(chan struct{}),
		path:     path,
		target:   target,
		targetMu: targetMu,
		onReload: onReload,
	}
	go w.loop()
	log.Printf("INFO: watching %s for config changes", path)
	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.watcher.Close()
	w.watcher = nil
}

func (w *Watcher) loop() {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR: config watcher: %v", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	newCfg, err := Load(w.path)
	if err != nil {
		log.Printf("ERROR: reload %s failed, keeping prior configuration: %v", w.path, err)
		if w.onReload != nil {
			w.onReload(nil, err)
		}
		return
	}

	w.targetMu.Lock()
	*w.target = *newCfg
	w.targetMu.Unlock()

	log.Printf("INFO: reloaded configuration from %s", w.path)
	if w.onReload != nil {
		w.onReload(newCfg, nil)
	}
}
