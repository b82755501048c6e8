// Package persistence implements the configuration persistence store: the
// concrete collaborator behind spec.md §6's get()/register(listener)
// contract. It loads the desired Deployment from a YAML file and reloads
// it whenever the file changes on disk, the way the teacher's
// pkg/config/watcher.go hot-reloads its gateway configuration.
package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/pkg/clustermodel"
)

// Store loads and reloads the cluster's desired Deployment and notifies a
// single registered listener after every committed change. It accepts
// exactly one listener, matching spec.md §5's "single-writer, single
// listener" contract for the control service's broadcast trigger.
type Store struct {
	path string
	log  *logrus.Entry

	mu       sync.RWMutex
	current  clustermodel.Deployment
	listener func()

	watcher *fsnotify.Watcher
}

// Open loads path's initial configuration and starts watching it for
// changes. Call Run to begin delivering reload notifications.
func Open(path string, log *logrus.Entry) (*Store, error) {
	deployment, err := loadDeployment(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("persistence: creating watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("persistence: watching %s: %w", path, err)
	}
	return &Store{path: path, log: log, current: deployment, watcher: w}, nil
}

// Get returns the current desired Deployment.
func (s *Store) Get() clustermodel.Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Register installs listener, invoked (with no arguments) after every
// committed configuration change. It is an error to register a second
// listener before Deregister is called.
func (s *Store) Register(listener func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("persistence: a listener is already registered")
	}
	s.listener = listener
	return nil
}

// Deregister removes the registered listener. The control service calls
// this during shutdown so no broadcast can be triggered after stop.
func (s *Store) Deregister() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = nil
}

// Run watches the configuration file until ctx is cancelled, reloading
// and notifying the registered listener on every write or create event.
// A malformed reload is logged and skipped — the store keeps serving the
// last-good Deployment.
func (s *Store) Run(ctx context.Context) error {
	defer s.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("configuration watcher error")
		}
	}
}

func (s *Store) reload() {
	deployment, err := loadDeployment(s.path)
	if err != nil {
		s.log.WithError(err).Warn("failed to reload configuration, keeping previous version")
		return
	}

	s.mu.Lock()
	s.current = deployment
	listener := s.listener
	s.mu.Unlock()

	s.log.WithField("version", deployment.Version).Info("configuration reloaded")
	if listener != nil {
		listener()
	}
}
