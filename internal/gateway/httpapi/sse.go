package httpapi

import (
	"github.com/jkaninda/kazi/internal/stream"
	"github.com/jkaninda/okapi"
)

// streamEvents writes every event of a turn as a server-sent event named
// after its type. The channel is drained even after the client goes away
// so the producing turn can finish.
func (g *Gateway) streamEvents(c *okapi.Context, events <-chan stream.Event) {
	relay(events, func(name string, data any) {
		c.SSEvent(name, data)
	})
}

// relay forwards events to send until the channel closes and returns the
// terminal event when one was seen.
func relay(events <-chan stream.Event, send func(name string, data any)) (stream.Event, bool) {
	var last stream.Event
	terminal := false
	for ev := range events {
		send(string(ev.Type), ev)
		if ev.Type.Terminal() {
			last, terminal = ev, true
		}
	}
	return last, terminal
}
