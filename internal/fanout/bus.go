// Package fanout delivers policy updates, alerts and event batches to
// connected WebSocket sessions, grouped into per-team rooms. An optional
// bus relays frames between hub instances so a team's sessions can land
// on any replica.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
)

// Frame is one fan-out message crossing the bus. Origin identifies the
// publishing hub so it can skip frames it already delivered locally.
type Frame struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Bus relays frames between hub instances. Every subscriber sees every
// published frame, the publisher's own included.
type Bus interface {
	Publish(ctx context.Context, frame Frame) error
	Subscribe(handler func(Frame))
	Close() error
}

type localSub struct {
	frames chan Frame
	done   chan struct{}
}

// LocalBus is the in-process Bus used when no external broker is
// configured. Slow handlers drop frames rather than stall publishers.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[*localSub]struct{}
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*localSub]struct{})}
}

// Publish hands the frame to every subscriber (non-blocking).
func (b *LocalBus) Publish(_ context.Context, frame Frame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.frames <- frame:
		default:
		}
	}
	return nil
}

// Subscribe registers a handler, invoked from its own goroutine.
func (b *LocalBus) Subscribe(handler func(Frame)) {
	s := &localSub{
		frames: make(chan Frame, 256),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go func() {
		for {
			select {
			case f := <-s.frames:
				handler(f)
			case <-s.done:
				return
			}
		}
	}()
}

// Close stops all subscriber goroutines.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		close(s.done)
	}
	b.subs = make(map[*localSub]struct{})
	return nil
}
