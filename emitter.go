package tether

import "sync"

// EventHandler receives store events.
type EventHandler func(event string, payload any)

// emitter is the reactive surface the stores expose to the UI layer.
//
// Events:
//
//	directory.updated  — directory order or rows changed
//	thread.updated     — a thread's message list changed (payload: conversation id)
//	message.local      — optimistic entry created (payload: *Message)
//	message.confirmed  — optimistic entry confirmed (payload: *Message)
//	message.failed     — send failed, entry marked failed (payload: *Message)
//	typing             — typing flag received (payload: TypingEvent)
type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for the named event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
