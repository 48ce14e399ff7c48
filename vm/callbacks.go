package vm

import (
	"sync"

	"github.com/containerd/log"
)

// StateCallback receives state transition notifications. Callbacks run on
// whichever goroutine performed the transition; they must not block.
type StateCallback func(State)

// CallbackRegistry is a per-instance list of state observers. Removal during
// notification is safe: Notify iterates over a snapshot taken under the lock.
type CallbackRegistry struct {
	mu   sync.Mutex
	next int
	cbs  map[int]StateCallback
}

// NewCallbackRegistry returns an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{cbs: make(map[int]StateCallback)}
}

// Add registers a callback and returns a token for Remove.
func (r *CallbackRegistry) Add(cb StateCallback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.cbs[id] = cb
	return id
}

// Remove unregisters the callback identified by token. Unknown tokens are
// ignored.
func (r *CallbackRegistry) Remove(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cbs, token)
}

// Clear drops all registered callbacks.
func (r *CallbackRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cbs = make(map[int]StateCallback)
}

// Notify invokes every registered callback with the new state. A panicking
// observer is recovered and logged so it cannot break the producer.
func (r *CallbackRegistry) Notify(s State) {
	r.mu.Lock()
	snapshot := make([]StateCallback, 0, len(r.cbs))
	for _, cb := range r.cbs {
		snapshot = append(snapshot, cb)
	}
	r.mu.Unlock()

	for _, cb := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.L.WithField("panic", rec).Warn("vm: state callback panicked")
				}
			}()
			cb(s)
		}()
	}
}
