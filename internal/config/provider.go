package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Provider hands out the current configuration snapshot. Handlers read the
// snapshot once at the start of a request and keep it for the whole request,
// so a reload never changes credentials mid-flow.
type Provider struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewProvider wraps an already-loaded configuration.
func NewProvider(path string, cfg *Config) *Provider {
	return &Provider{path: path, cfg: cfg}
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func (p *Provider) Snapshot() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Provider) swap(cfg *Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Watch reloads the config file whenever it changes on disk, until ctx is
// cancelled. Editors often replace files via rename, so the parent directory
// is watched rather than the file itself.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(p.path)
				if err != nil {
					log.WithError(err).Warn("config reload failed, keeping previous snapshot")
					continue
				}
				p.swap(cfg)
				log.WithField("path", p.path).Info("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}
