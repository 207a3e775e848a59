package server

import (
	"sync"

	"github.com/droverhq/drover/internal/events"
)

// DefaultPusherBuffer is the pusher's channel capacity between the bus
// and the hub.
const DefaultPusherBuffer = 1000

// Pusher forwards bus events into the SSE hub through a buffered
// channel, keeping the bus contract: emitters never block on slow
// stream consumers, the live view is best-effort.
type Pusher struct {
	bus *events.Bus
	hub *Hub

	eventCh chan events.Event
	done    chan struct{}
	wg      sync.WaitGroup
	sub     int
}

// NewPusher creates a pusher between bus and hub. buffer <= 0 uses
// DefaultPusherBuffer. Call Start to begin forwarding.
func NewPusher(bus *events.Bus, hub *Hub, buffer int) *Pusher {
	if buffer <= 0 {
		buffer = DefaultPusherBuffer
	}
	return &Pusher{
		bus:     bus,
		hub:     hub,
		eventCh: make(chan events.Event, buffer),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the bus and runs the forwarding loop in a
// goroutine.
func (p *Pusher) Start() {
	p.sub = p.bus.Subscribe(func(e events.Event) {
		select {
		case p.eventCh <- e:
		default:
			// Channel full, drop.
		}
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pushLoop()
	}()
}

// Close detaches from the bus and waits for the loop to exit. Stop the
// hub only after Close returns, or the final broadcast could hang.
func (p *Pusher) Close() {
	p.bus.Unsubscribe(p.sub)
	close(p.done)
	p.wg.Wait()
}

func (p *Pusher) pushLoop() {
	for {
		select {
		case <-p.done:
			return
		case e := <-p.eventCh:
			p.hub.Broadcast(e)
		}
	}
}
