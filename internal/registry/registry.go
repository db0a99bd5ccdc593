package registry

import (
	"fmt"

	"github.com/loykin/provand/internal/supverrors"
)

// Registry is the authoritative in-memory map of id -> *Entry plus a
// secondary name -> id lookup (spec.md §4.1). It performs no locking of
// its own: callers serialize access (the Supervisor holds its own mutex
// around every call it makes here).
type Registry struct {
	byID   map[string]*Entry
	byName map[string]string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]*Entry),
		byName: make(map[string]string),
	}
}

// Add inserts e, enforcing Invariant 3: names are unique across entries
// whose state != stopped.
func (r *Registry) Add(e *Entry) error {
	if existingID, ok := r.byName[e.Name]; ok {
		if existing, ok2 := r.byID[existingID]; ok2 && existing.State != StateStopped {
			return fmt.Errorf("name %q already in use by entry %s: %w", e.Name, existingID, supverrors.ErrInvalidConfig)
		}
	}
	r.byID[e.ID] = e
	r.byName[e.Name] = e.ID
	return nil
}

// Remove deletes the entry with id from the Registry. It is a no-op if
// the id is unknown.
func (r *Registry) Remove(id string) {
	e, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	// Only clear the name lookup if it still points at this id (a newer
	// entry may have reused the name after this one stopped).
	if r.byName[e.Name] == id {
		delete(r.byName, e.Name)
	}
}

// GetByID returns the entry with the given id, or nil.
func (r *Registry) GetByID(id string) *Entry {
	return r.byID[id]
}

// GetByName returns the entry with the given name, or nil.
func (r *Registry) GetByName(name string) *Entry {
	id, ok := r.byName[name]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// Resolve looks up target first as an id, then as a name, matching
// spec.md §4.10 ("lookup tries id then name").
func (r *Registry) Resolve(target string) *Entry {
	if e := r.GetByID(target); e != nil {
		return e
	}
	return r.GetByName(target)
}

// List returns all entries in unspecified order.
func (r *Registry) List() []*Entry {
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}

// GenerateID returns a fresh 10-character alphanumeric id guaranteed not
// to collide with an existing entry.
func (r *Registry) GenerateID() string {
	for {
		id := NewID()
		if _, exists := r.byID[id]; !exists {
			return id
		}
	}
}

// Len reports the number of entries currently tracked.
func (r *Registry) Len() int { return len(r.byID) }
