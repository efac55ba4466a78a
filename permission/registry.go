package permission

import (
	"errors"
	"sort"
	"sync"
)

const maxActions = 64

var (
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("registry frozen")
	// ErrActionExists is returned when an action name is registered twice.
	ErrActionExists = errors.New("action already registered")
	// ErrActionLimit is returned once all 64 bits are assigned.
	ErrActionLimit = errors.New("action limit exceeded")
)

// Registry maps action names to bit positions within a [Mask64].
type Registry struct {
	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

// NewRegistry creates an empty action [Registry].
func NewRegistry() *Registry {
	return &Registry{
		nameToBit: make(map[string]int),
		bitToName: make(map[int]string),
	}
}

// Register assigns the next available bit to the named action and returns it.
// Must be called before [Registry.Freeze].
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, ErrRegistryFrozen
	}
	if name == "" {
		return -1, errors.New("action name cannot be empty")
	}
	if _, exists := r.nameToBit[name]; exists {
		return -1, ErrActionExists
	}

	next := len(r.nameToBit)
	if next >= maxActions {
		return -1, ErrActionLimit
	}

	r.nameToBit[name] = next
	r.bitToName[next] = name
	return next, nil
}

// Ensure returns the bit of name, registering it if needed.
func (r *Registry) Ensure(name string) (int, error) {
	if bit, ok := r.Bit(name); ok {
		return bit, nil
	}
	return r.Register(name)
}

// Bit returns the bit index for the named action, or false if not registered.
func (r *Registry) Bit(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[name]
	return bit, ok
}

// Name returns the action name for the given bit index, or false if unassigned.
func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.bitToName[bit]
	return name, ok
}

// Names expands a mask into its sorted action names.
func (r *Registry) Names(mask Mask64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, mask.Count())
	for bit, name := range r.bitToName {
		if mask.Has(bit) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}
