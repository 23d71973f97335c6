// Package signals is a small in-process wake-up bus. Services that would
// otherwise only notice new work on their next tick can listen for a broadcast
// and re-check early.
package signals

import (
	"context"
	"sync"
)

type Signal string

const (
	// MailingQueued fires when the API accepts a mailing, waking the scheduler.
	MailingQueued Signal = "mailing-queued"
	// TrackingCreated fires when a follow-up tracking row is inserted, waking the pinger.
	TrackingCreated Signal = "tracking-created"
)

var mu sync.Mutex
var listeners = map[Signal][]chan struct{}{}

// Listen returns a channel that receives a tick on every broadcast of sig,
// and a cancel func that unregisters it.
func Listen(sig Signal) (<-chan struct{}, func()) {
	mu.Lock()
	defer mu.Unlock()

	c := make(chan struct{}, 1)
	listeners[sig] = append(listeners[sig], c)

	cancel := func() {
		mu.Lock()
		defer mu.Unlock()
		chans := listeners[sig]
		for i, cc := range chans {
			if cc == c {
				listeners[sig] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}
	return c, cancel
}

// Broadcast notifies all listeners without blocking. A listener that has not
// drained its previous tick simply keeps the one it has.
func Broadcast(sig Signal) {
	mu.Lock()
	defer mu.Unlock()
	for _, c := range listeners[sig] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

// Await blocks until sig is broadcast or ctx is done.
func Await(ctx context.Context, sig Signal) error {
	c, cancel := Listen(sig)
	defer cancel()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
