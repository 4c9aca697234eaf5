package events

import "time"

// Bus is a multi-producer, single-consumer queue of Envelopes. Producers
// (handlers) must never block the relay on a full queue: Send degrades to
// dropping the event rather than blocking or failing the caller.
type Bus struct {
	ch chan Envelope
}

// NewBus creates a bus with the given channel capacity. A capacity of 0
// yields an unbuffered channel, in which case Send still never blocks:
// it drops the event if the consumer isn't immediately ready.
func NewBus(capacity int) *Bus {
	return &Bus{ch: make(chan Envelope, capacity)}
}

// Send enqueues an envelope, dropping it silently if the queue is full.
func (b *Bus) Send(id uint64, group int, e Event) {
	env := Envelope{ID: id, Group: group, Event: e}
	select {
	case b.ch <- env:
	default:
	}
}

// Recv exposes the receive-only channel for consumers.
func (b *Bus) Recv() <-chan Envelope {
	return b.ch
}

// StartTicker sends a tick envelope on id 0 at the given interval until
// stop is closed. It runs in the caller's goroutine; callers spawn it with
// `go bus.StartTicker(...)`.
func (b *Bus) StartTicker(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.Send(0, 0, DoneEvent())
		}
	}
}
