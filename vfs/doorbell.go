package vfs

// Doorbell is a wake-on-event primitive associated with one worker's event
// loop (spec.md §5 Glossary). Ringing it more than once before it is
// drained is coalesced into a single wake-up, matching the source's
// edge-triggered semantics: the receiver always drains the whole queue
// behind it on wake, so redundant rings are harmless.
type Doorbell struct {
	ch chan struct{}
}

// NewDoorbell returns a doorbell ready to ring.
func NewDoorbell() *Doorbell {
	return &Doorbell{ch: make(chan struct{}, 1)}
}

// Ring schedules a wake-up of whoever is waiting on Chan(). Non-blocking:
// if a ring is already pending, this is a no-op.
func (d *Doorbell) Ring() {
	select {
	case d.ch <- struct{}{}:
	default:
	}
}

// Chan returns the channel an event loop selects on to learn the doorbell
// rang.
func (d *Doorbell) Chan() <-chan struct{} {
	return d.ch
}
