package emulator

import (
	"fmt"
	"sync"

	"github.com/containerd/log"
)

// State is the orchestrator lifecycle state. It extends the VM process
// states with Paused, which exists only at this layer.
type State uint32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// StateCallback observes orchestrator state transitions. Callbacks run on
// the transitioning goroutine and must not block.
type StateCallback func(State)

// stateRegistry is the per-instance observer list, safe for removal
// during notification.
type stateRegistry struct {
	mu   sync.Mutex
	next int
	cbs  map[int]StateCallback
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{cbs: make(map[int]StateCallback)}
}

func (r *stateRegistry) add(cb StateCallback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.cbs[id] = cb
	return id
}

func (r *stateRegistry) remove(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cbs, token)
}

func (r *stateRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cbs = make(map[int]StateCallback)
}

func (r *stateRegistry) notify(s State) {
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
					log.L.WithField("panic", rec).Warn("emulator: state callback panicked")
				}
			}()
			cb(s)
		}()
	}
}
