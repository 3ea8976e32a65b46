package cage

import (
	"sync"
	"sync/atomic"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/internal/ports"
)

// Registry is the set of live cages of a runtime. Cages find each other
// through the registry to deliver signals, and share its port reservations.
type Registry struct {
	config Config
	ports  *ports.Manager
	locks  lockTable

	mutex  sync.RWMutex
	cages  map[uint64]*Cage
	nextID atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config) *Registry {
	config.setDefaults()
	return &Registry{
		config: config,
		ports:  ports.NewManager(),
		cages:  make(map[uint64]*Cage),
	}
}

// Config returns the configuration of the registry.
func (r *Registry) Config() Config { return r.config }

// Ports returns the port reservations of the registry.
func (r *Registry) Ports() *ports.Manager { return r.ports }

// NewCage creates and registers a cage with no parent and an empty
// descriptor table, working in the root directory. The cage is the root of
// a new fork tree.
func (r *Registry) NewCage() *Cage {
	id := r.allocID()
	c := newCage(r, id, 0, id)
	r.register(c)
	return c
}

// Lookup returns the cage registered with id.
func (r *Registry) Lookup(id uint64) (*Cage, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, ok := r.cages[id]
	return c, ok
}

// Len returns the number of live cages.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.cages)
}

// Signal delivers sig to the cage registered with id.
func (r *Registry) Signal(id uint64, sig Signal) microvisor.Errno {
	c, ok := r.Lookup(id)
	if !ok {
		return microvisor.ESRCH
	}
	return c.raise(sig)
}

// Close exits every live cage.
func (r *Registry) Close() {
	r.mutex.RLock()
	cages := make([]*Cage, 0, len(r.cages))
	for _, c := range r.cages {
		cages = append(cages, c)
	}
	r.mutex.RUnlock()

	for _, c := range cages {
		c.Exit(0)
	}
}

func (r *Registry) allocID() uint64 {
	for {
		id := r.nextID.Add(1)
		if _, exists := r.Lookup(id); !exists {
			return id
		}
	}
}

func (r *Registry) register(c *Cage) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.cages[c.id]; exists {
		return false
	}
	r.cages[c.id] = c
	return true
}

func (r *Registry) unregister(c *Cage) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.cages[c.id] == c {
		delete(r.cages, c.id)
	}
}
