package shadow

import (
	"sync"

	"github.com/nhilabs/nhi/pkg/types"
)

// Permits is the per-instance single-flight token shared by the sync
// engine and the migration coordinator: whoever holds an instance's
// permit owns its images directory until release.
type Permits struct {
	mu   sync.Mutex
	held map[types.InstanceID]bool
}

// NewPermits creates an empty permit table.
func NewPermits() *Permits {
	return &Permits{held: make(map[types.InstanceID]bool)}
}

// TryAcquire takes the instance's permit if free. It never blocks;
// contenders are expected to skip or surface Busy.
func (p *Permits) TryAcquire(id types.InstanceID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held[id] {
		return false
	}
	p.held[id] = true
	return true
}

// Release returns the instance's permit.
func (p *Permits) Release(id types.InstanceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, id)
}

// Held reports whether the permit is currently taken.
func (p *Permits) Held(id types.InstanceID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[id]
}
