package sandbox

// EventError is dispatched for errors the worker reports without a
// request. The detail is the reconstructed error.
const EventError = "error"

// Event is a local notification
type Event struct {
	Type   string
	Detail any
}

// Listener handles events. Listeners are compared by pointer, so the same
// *Listener must be passed to RemoveEventListener.
type Listener struct {
	Handle func(Event)
}

// NewListener wraps fn in a Listener
func NewListener(fn func(Event)) *Listener {
	return &Listener{Handle: fn}
}

// AddEventListener registers l for events of eventType. Adding the same
// listener twice has no effect.
func (s *Sandbox) AddEventListener(eventType string, l *Listener) error {
	if err := s.check("add event listener"); err != nil {
		return err
	}
	if l == nil || l.Handle == nil {
		return nil
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, existing := range s.listeners[eventType] {
		if existing == l {
			return nil
		}
	}
	s.listeners[eventType] = append(s.listeners[eventType], l)
	return nil
}

// RemoveEventListener unregisters l for events of eventType
func (s *Sandbox) RemoveEventListener(eventType string, l *Listener) error {
	if err := s.check("remove event listener"); err != nil {
		return err
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	list := s.listeners[eventType]
	for i, existing := range list {
		if existing == l {
			s.listeners[eventType] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// DispatchEvent calls every listener registered for e.Type in order of
// registration. It reports whether any listener was called.
func (s *Sandbox) DispatchEvent(e Event) (bool, error) {
	if err := s.check("dispatch event"); err != nil {
		return false, err
	}
	return s.dispatch(e), nil
}

func (s *Sandbox) dispatch(e Event) bool {
	s.listenersMu.RLock()
	list := append([]*Listener(nil), s.listeners[e.Type]...)
	s.listenersMu.RUnlock()

	for _, l := range list {
		l.Handle(e)
	}
	return len(list) > 0
}

// dropListeners forgets every listener once the sandbox is destroyed
func (s *Sandbox) dropListeners() {
	s.listenersMu.Lock()
	s.listeners = make(map[string][]*Listener)
	s.listenersMu.Unlock()
}
