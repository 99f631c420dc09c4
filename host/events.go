package host

import "fmt"

// EventType identifies a bus event.
type EventType uint8

// Bus events.
const (
	EventDeviceAttached EventType = iota
	EventDeviceConfigured
	EventDeviceRemoved
	EventEnumerationFailed
	EventDriverBound
	EventDriverUnbound
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventDeviceAttached:
		return "attached"
	case EventDeviceConfigured:
		return "configured"
	case EventDeviceRemoved:
		return "removed"
	case EventEnumerationFailed:
		return "enumeration-failed"
	case EventDriverBound:
		return "driver-bound"
	case EventDriverUnbound:
		return "driver-unbound"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event describes a change on the bus. Driver and Interface are set for
// bind events; Err is set for EventEnumerationFailed.
type Event struct {
	Type      EventType
	Port      int
	Device    *Device
	Driver    *Driver
	Interface *Interface
	Err       error
}

// Listener receives bus events. Listeners are called without host locks
// held, in the goroutine that caused the event.
type Listener func(Event)

// ListenerID identifies a registered listener.
type ListenerID uint64

// Listen registers fn for every subsequent bus event.
func (h *Host) Listen(fn Listener) ListenerID {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.nextListener++
	id := h.nextListener
	h.listeners[id] = fn
	return id
}

// Unlisten removes a listener. It reports whether id was registered.
func (h *Host) Unlisten(id ListenerID) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.listeners[id]; !ok {
		return false
	}
	delete(h.listeners, id)
	return true
}

// emit delivers ev to a snapshot of the registered listeners.
func (h *Host) emit(ev Event) {
	h.mutex.RLock()
	fns := make([]Listener, 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mutex.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
