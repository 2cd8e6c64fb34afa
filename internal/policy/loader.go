package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads ODRL policy documents from a directory into the Store
// and optionally watches the directory for hot reloads. One document
// per file; YAML and JSON are both accepted (YAML is a superset here).
type Loader struct {
	store  *Store
	logger *slog.Logger

	// watcher state
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a policy Loader backed by the given store.
func NewLoader(store *Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:  store,
		logger: logger.With("component", "policy.Loader"),
	}
}

// LoadDir parses every .yaml/.yml/.json file in dir and replaces the
// store's policy set with the result in one version bump. A document
// that fails to parse or validate rejects the whole reload and the
// previous snapshot stays active.
func (l *Loader) LoadDir(dir string) error {
	policies, err := l.parseDir(dir)
	if err != nil {
		return err
	}
	if err := l.store.ReplaceAll(policies); err != nil {
		return fmt.Errorf("failed to activate policy set from %s: %w", dir, err)
	}
	l.logger.Info("policies loaded", "dir", dir, "count", len(policies), "version", l.store.Version())
	return nil
}

func (l *Loader) parseDir(dir string) ([]*Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	policies := make([]*Policy, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		p, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.UID]; dup {
			return nil, fmt.Errorf("duplicate policy uid %q in %s (already defined in %s)", p.UID, name, prev)
		}
		seen[p.UID] = name
		policies = append(policies, p)
	}
	return policies, nil
}

// ParseFile reads one policy document. yaml.v3 parses JSON documents
// too, so both formats go through the same path.
func ParseFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy in %s: %w", path, err)
	}
	return &p, nil
}

// debounceWindow coalesces the event bursts editors produce on save.
const debounceWindow = 300 * time.Millisecond

// Watch starts an fsnotify watcher on the policy directory. Any
// write/create/remove/rename of a policy file schedules a reload after
// a short debounce; a failed reload keeps the previous snapshot and is
// logged. Call StopWatch to clean up.
func (l *Loader) Watch(dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve policy directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(absDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", absDir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})

	go l.watchLoop(absDir)

	l.logger.Info("watching policy directory", "dir", absDir)
	return nil
}

func (l *Loader) watchLoop(dir string) {
	defer close(l.watchDone)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			l.logger.Debug("policy file changed", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.AfterFunc(debounceWindow, func() {
					if err := l.LoadDir(dir); err != nil {
						l.logger.Error("policy reload failed, keeping previous set", "error", err)
					}
				})
			} else {
				timer.Reset(debounceWindow)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

func isPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// StopWatch stops the directory watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
