package observer

import (
	"sync"

	"go.uber.org/zap"
)

// Hub is an Observer that fans events out to a dynamic set of sinks.
// Sinks can be added and removed concurrently with Observe.
// With no sinks attached, events are dropped.
// A sink that fails to accept an event is removed.
type Hub struct {
	name string
	log  *zap.SugaredLogger

	m     sync.Mutex
	sinks []Observer
}

func NewHub(log *zap.SugaredLogger, name string) *Hub {
	return &Hub{name: name, log: log.Named("observer_hub")}
}

func (h *Hub) Name() string { return h.name }

// Add attaches a sink and returns a function that detaches it again.
func (h *Hub) Add(o Observer) (remove func()) {
	h.m.Lock()
	defer h.m.Unlock()
	h.sinks = append(h.sinks, o)
	return func() { h.Remove(o) }
}

func (h *Hub) Remove(o Observer) {
	h.m.Lock()
	defer h.m.Unlock()

	for i := 0; i < len(h.sinks); i++ {
		if h.sinks[i] == o {
			h.sinks = append(h.sinks[:i], h.sinks[i+1:]...)
			i--
		}
	}
}

// Len returns the number of attached sinks.
func (h *Hub) Len() int {
	h.m.Lock()
	defer h.m.Unlock()
	return len(h.sinks)
}

func (h *Hub) Observe(ev Event) error {
	h.m.Lock()
	sinks := make([]Observer, len(h.sinks))
	copy(sinks, h.sinks)
	h.m.Unlock()

	for _, s := range sinks {
		sev := ev
		sev.Name = s.Name()
		if err := s.Observe(sev); err != nil {
			h.log.Debugf("removing observer %q after error: %s", s.Name(), err)
			h.Remove(s)
		}
	}
	return nil
}
