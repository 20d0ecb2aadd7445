package realtime

import (
	"encoding/json"
	"sync"

	"github.com/deskforge/plugkit/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventSource = (*Emitter)(nil)

// Emitter is an in-process plugin.EventSource. It backs tests and
// deployments where the runtime is embedded in the backend process and
// events never cross a socket.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]listenerEntry
	nextID    uint64
}

// NewEmitter creates an empty in-process event source.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]listenerEntry)}
}

// AddEventListener registers a listener for an event name and returns an
// unsubscribe function.
func (e *Emitter) AddEventListener(event string, fn func(payload []byte)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[event] = append(e.listeners[event], listenerEntry{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.listeners[event]
		for i, entry := range entries {
			if entry.id == id {
				e.listeners[event] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers a payload to all listeners of the event, synchronously,
// in registration order.
func (e *Emitter) Emit(event string, payload []byte) {
	e.mu.RLock()
	entries := make([]listenerEntry, len(e.listeners[event]))
	copy(entries, e.listeners[event])
	e.mu.RUnlock()

	for _, entry := range entries {
		entry.fn(payload)
	}
}

// EmitJSON marshals v into the standard event envelope and emits it.
func (e *Emitter) EmitJSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	e.Emit(event, payload)
	return nil
}

// ListenerCount returns the number of live listeners for an event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}
