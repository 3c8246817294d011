package connector

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned for unknown connector IDs.
var ErrNotFound = errors.New("connector not found")

// EventType is the kind of registry change.
type EventType int

const (
	Added EventType = iota
	Updated
	Removed
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event describes a change to the registry.
type Event struct {
	Type      EventType
	Connector Connector
}

// Listener receives registry events.
type Listener func(Event)

// Registry is the live set of configured connectors.
type Registry struct {
	// wmu orders changes together with their notifications, so listeners
	// see events in the order the changes were made.
	wmu        sync.Mutex
	mu         sync.RWMutex
	connectors map[string]Connector

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewRegistry creates a registry holding the given connectors.
func NewRegistry(connectors ...Connector) (*Registry, error) {
	r := &Registry{
		connectors: make(map[string]Connector),
		listeners:  make(map[int]Listener),
	}
	for _, c := range connectors {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		r.connectors[c.ID] = c
	}
	return r, nil
}

// Subscribe registers l for future events and returns a function that
// removes it. Listeners run synchronously on the goroutine making the change
// and must not change the registry.
func (r *Registry) Subscribe(l Listener) func() {
	r.lmu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.lmu.Unlock()

	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		r.lmu.Unlock()
	}
}

func (r *Registry) notify(e Event) {
	r.lmu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	r.lmu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// Put adds or replaces a connector.
func (r *Registry) Put(c Connector) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	_, exists := r.connectors[c.ID]
	r.connectors[c.ID] = c
	r.mu.Unlock()

	typ := Added
	if exists {
		typ = Updated
	}
	r.notify(Event{Type: typ, Connector: c})
	return nil
}

// Remove deletes a connector.
func (r *Registry) Remove(id string) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	c, ok := r.connectors[id]
	delete(r.connectors, id)
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	r.notify(Event{Type: Removed, Connector: c})
	return nil
}

// Get returns a connector by ID.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// List returns all connectors sorted by ID.
func (r *Registry) List() []Connector {
	r.mu.RLock()
	result := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		result = append(result, c)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// SetSuspended changes the suspended flag, the only field that may change
// while messages are being delivered.
func (r *Registry) SetSuspended(id string, suspended bool) (Connector, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	c, ok := r.connectors[id]
	if !ok {
		r.mu.Unlock()
		return Connector{}, ErrNotFound
	}
	changed := c.Suspended != suspended
	c.Suspended = suspended
	r.connectors[id] = c
	r.mu.Unlock()

	if changed {
		r.notify(Event{Type: Updated, Connector: c})
	}
	return c, nil
}
