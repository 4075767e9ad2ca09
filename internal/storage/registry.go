package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/logging"
)

// Registry resolves backends and data stores by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	data     map[string]DataStore
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		data:     make(map[string]DataStore),
	}
}

// Register adds a complete backend. Names are unique across backends and
// data stores.
func (r *Registry) Register(name string, b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkFree(name); err != nil {
		return err
	}
	r.backends[name] = b
	return nil
}

// RegisterDataStore adds a blob-only store.
func (r *Registry) RegisterDataStore(name string, d DataStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkFree(name); err != nil {
		return err
	}
	r.data[name] = d
	return nil
}

func (r *Registry) checkFree(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty backend name", ErrInvalidArgument)
	}
	_, b := r.backends[name]
	_, d := r.data[name]
	if b || d {
		return fmt.Errorf("%w: backend %q already registered", ErrConflict, name)
	}
	return nil
}

// Backend returns the backend registered under name.
func (r *Registry) Backend(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: no backend named %q", ErrNotFound, name)
}

// NodeStore returns the node store registered under name.
func (r *Registry) NodeStore(name string) (NodeStore, error) {
	return r.Backend(name)
}

// DataStore returns the data store registered under name, or the detached
// blob storage of a complete backend. A backend that only stores blobs for
// its own nodes cannot serve another tree and yields ErrUnavailable.
func (r *Registry) DataStore(name string) (DataStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.data[name]; ok {
		return d, nil
	}
	if b, ok := r.backends[name]; ok {
		if p, ok := b.(BlobProvider); ok {
			return p.Blobs(), nil
		}
		return nil, fmt.Errorf("%w: backend %q cannot store data for nodes it does not hold", ErrUnavailable, name)
	}
	return nil, fmt.Errorf("%w: no data store named %q", ErrNotFound, name)
}

// Names returns the sorted names of complete backends.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered store once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := make(map[any]bool)
	var errs []error
	closeOnce := func(name string, c interface{ Close() error }) {
		if closed[c] {
			return
		}
		closed[c] = true
		if err := c.Close(); err != nil {
			logging.Error("failed to close backend", zap.String("backend", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	for name, b := range r.backends {
		closeOnce(name, b)
	}
	for name, d := range r.data {
		closeOnce(name, d)
	}
	r.backends = make(map[string]Backend)
	r.data = make(map[string]DataStore)
	return errors.Join(errs...)
}
