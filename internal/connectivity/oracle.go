package connectivity

import (
	"sync"

	"github.com/familysync/familysync/internal/fanout"
)

// Oracle reports whether the remote is reachable and notifies subscribers
// on every online/offline edge.
type Oracle interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is an Oracle whose state is set by its owner. Listeners only fire
// when the state actually changes.
type Manual struct {
	mu        sync.Mutex
	online    bool
	listeners fanout.Set[bool]
}

func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	return m.listeners.Subscribe(fn)
}

// SetOnline records the new state and reports whether it was an edge.
func (m *Manual) SetOnline(online bool) bool {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.listeners.Emit(online)
	}
	return changed
}
