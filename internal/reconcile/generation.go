package reconcile

import "sync/atomic"

// Generation counts UI navigations. Fetches capture a ticket when they are
// dispatched; a ticket that went stale must not update visible state,
// although its result may still be stored.
type Generation struct {
	n atomic.Uint64
}

// Bump advances the generation and returns the new value.
func (g *Generation) Bump() uint64 {
	return g.n.Add(1)
}

func (g *Generation) Current() uint64 {
	return g.n.Load()
}

// Capture returns a ticket for the current generation.
func (g *Generation) Capture() Ticket {
	return Ticket{gen: g, value: g.n.Load()}
}

type Ticket struct {
	gen   *Generation
	value uint64
}

func (t Ticket) Value() uint64 {
	return t.value
}

// Stale reports whether the generation moved on since the ticket was taken.
func (t Ticket) Stale() bool {
	return t.gen == nil || t.gen.Current() != t.value
}
