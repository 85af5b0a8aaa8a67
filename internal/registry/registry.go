// Package registry holds the set of hosts grove can reach.
//
// A Registry is safe for concurrent use. Hosts are immutable once added: to
// change one, remove it and add it again.
package registry

import (
	"sync"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
	"github.com/jbweber/grove/internal/validate"
)

// Registry maps host names to host records, keeping insertion order.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]v1alpha1.Host
	order []string
}

// New creates a Registry holding hosts. Every host is validated and names
// must be unique.
func New(hosts ...v1alpha1.Host) (*Registry, error) {
	r := &Registry{hosts: make(map[string]v1alpha1.Host, len(hosts))}
	for _, h := range hosts {
		if err := r.Add(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Validate checks a host record on its own.
func Validate(h v1alpha1.Host) error {
	return validate.Struct("validate host", h)
}

// Add registers h. It fails with faults.ErrInvalidRequest when h is invalid
// or its name is taken.
func (r *Registry) Add(h v1alpha1.Host) error {
	if err := Validate(h); err != nil {
		return faults.Bind(err, h.Name, "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hosts[h.Name]; exists {
		return faults.Newf(faults.ErrInvalidRequest, "add host", "host %q is already registered", h.Name).WithTarget(h.Name, "")
	}
	r.hosts[h.Name] = h
	r.order = append(r.order, h.Name)
	return nil
}

// Remove unregisters the host called name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[name]; !ok {
		return notFound(name)
	}
	delete(r.hosts, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the host called name, or faults.ErrHostNotFound.
func (r *Registry) Get(name string) (v1alpha1.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	if !ok {
		return v1alpha1.Host{}, notFound(name)
	}
	return h, nil
}

// List returns every host in the order they were added.
func (r *Registry) List() []v1alpha1.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1alpha1.Host, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.hosts[n])
	}
	return out
}

// Names returns every host name in the order they were added.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func notFound(name string) error {
	return faults.Newf(faults.ErrHostNotFound, "lookup", "no host named %q", name).WithTarget(name, "")
}
