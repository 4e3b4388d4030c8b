// Package configwatch loads the YAML deployment list and optionally watches
// it for changes, publishing a DeploymentSetChange notification a caller can
// act on (spec.md §9.2, supplemented feature beyond the distilled spec). The
// watcher itself does not rebuild a live Switchboard's deployment set; it
// only detects and reports the change.
package configwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DeploymentEntry is the YAML shape of one deployment list entry.
type DeploymentEntry struct {
	Name                string `yaml:"name"`
	APIBase             string `yaml:"api_base"`
	APIKey              string `yaml:"api_key"`
	APIVersion          string `yaml:"api_version"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	TPMRatelimit        int64  `yaml:"tpm_ratelimit"`
	RPMRatelimit        int64  `yaml:"rpm_ratelimit"`
	HealthcheckInterval int    `yaml:"healthcheck_interval_seconds"`
	CooldownPeriod      int    `yaml:"cooldown_period_seconds"`
}

// File is the top-level YAML document shape.
type File struct {
	Deployments []DeploymentEntry `yaml:"deployments"`
}

// Load reads and parses the deployment list at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("configwatch: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("configwatch: parse %s: %w", path, err)
	}
	return f, nil
}

// DeploymentSetChange is published when the watched file changes and its
// parsed content differs from what was last seen.
type DeploymentSetChange struct {
	Deployments []DeploymentEntry
	ChangedAt   time.Time
}

// Watcher watches one deployment-list file for writes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	watching  bool
}

// NewWatcher constructs a Watcher for the deployment file at path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configwatch: create watcher: %w", err)
	}
	return &Watcher{path: path, watcher: fw}, nil
}

// Watch streams a DeploymentSetChange every time the file's content changes
// (content-equality, not mtime, to avoid spurious reloads on touch).
func (w *Watcher) Watch(ctx context.Context) (<-chan DeploymentSetChange, <-chan error) {
	changes := make(chan DeploymentSetChange, 4)
	errs := make(chan error, 4)

	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("configwatch: watch dir %s: %w", dir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.watching = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		var lastHash string
		if f, err := Load(w.path); err == nil {
			lastHash = fmt.Sprintf("%v", f.Deployments)
		}
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				f, err := Load(w.path)
				if err != nil {
					errs <- err
					continue
				}
				hash := fmt.Sprintf("%v", f.Deployments)
				if hash == lastHash {
					continue
				}
				lastHash = hash
				changes <- DeploymentSetChange{Deployments: f.Deployments, ChangedAt: time.Now()}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	return w.watcher.Close()
}
