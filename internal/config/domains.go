package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DomainRules holds the fetch allow/block lists. An empty Allowed list means
// every domain not blocked is fetchable.
type DomainRules struct {
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
}

// DomainWatcher serves DomainRules snapshots and hot-reloads them when the
// backing yaml file changes. Without a file it just serves the seed rules.
type DomainWatcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu    sync.RWMutex
	rules DomainRules
}

// NewDomainWatcher builds a watcher seeded with the static config lists.
// path may be empty; Start is then a no-op and Rules always returns the seed.
func NewDomainWatcher(path string, seed DomainRules, logger *zap.Logger) *DomainWatcher {
	return &DomainWatcher{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
		rules:  normalizeRules(seed),
	}
}

// Start loads the file (if configured) and begins watching its directory.
func (w *DomainWatcher) Start() error {
	if w.path == "" {
		return nil
	}
	if err := w.reload(); err != nil {
		w.logger.Warn("Domain rules file not loaded, keeping seed rules",
			zap.String("path", w.path),
			zap.Error(err),
		)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	go w.watchLoop()
	return nil
}

// Stop terminates the watch loop.
func (w *DomainWatcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

// Rules returns a snapshot of the current rules.
func (w *DomainWatcher) Rules() DomainRules {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := DomainRules{
		Allowed: make([]string, len(w.rules.Allowed)),
		Blocked: make([]string, len(w.rules.Blocked)),
	}
	copy(out.Allowed, w.rules.Allowed)
	copy(out.Blocked, w.rules.Blocked)
	return out
}

func (w *DomainWatcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("Domain rules reload failed, keeping previous rules",
					zap.String("path", w.path),
					zap.Error(err),
				)
				continue
			}
			w.logger.Info("Domain rules reloaded", zap.String("path", w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Domain rules watcher error", zap.Error(err))
		}
	}
}

// reload parses and validates the file, then swaps the snapshot.
func (w *DomainWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var rules DomainRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse domain rules: %w", err)
	}
	rules = normalizeRules(rules)

	w.mu.Lock()
	w.rules = rules
	w.mu.Unlock()
	return nil
}

func normalizeRules(r DomainRules) DomainRules {
	out := DomainRules{}
	for _, d := range r.Allowed {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out.Allowed = append(out.Allowed, d)
		}
	}
	for _, d := range r.Blocked {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out.Blocked = append(out.Blocked, d)
		}
	}
	return out
}
