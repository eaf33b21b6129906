package tether

import "testing"

func TestEmitter(t *testing.T) {
	t.Run("handlers receive matching events only", func(t *testing.T) {
		var e emitter
		var got []string
		e.On("a", func(event string, payload any) {
			got = append(got, payload.(string))
		})
		e.emit("a", "one")
		e.emit("b", "ignored")
		e.emit("a", "two")
		if len(got) != 2 || got[0] != "one" || got[1] != "two" {
			t.Errorf("unexpected deliveries: %v", got)
		}
	})

	t.Run("panicking handler does not block the rest", func(t *testing.T) {
		var e emitter
		delivered := false
		e.On("a", func(event string, payload any) { panic("listener bug") })
		e.On("a", func(event string, payload any) { delivered = true })
		e.emit("a", nil)
		if !delivered {
			t.Error("second handler starved by panicking first")
		}
	})

	t.Run("removeAll detaches everything", func(t *testing.T) {
		var e emitter
		calls := 0
		e.On("a", func(event string, payload any) { calls++ })
		e.removeAll()
		e.emit("a", nil)
		if calls != 0 {
			t.Errorf("handler survived removeAll: %d calls", calls)
		}
	})
}
