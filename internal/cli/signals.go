package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// SignalHandler turns the first SIGINT or SIGTERM into a context
// cancel followed by an ordered list of shutdown callbacks. Wait
// blocks until a signal has been fully handled.
type SignalHandler struct {
	signals    chan os.Signal
	shutdown   chan struct{}
	stopCh     chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	cancel     context.CancelFunc
	onShutdown []func()
	mu         sync.Mutex
}

// NewSignalHandler creates a handler that cancels the given context
// when a signal arrives.
func NewSignalHandler(cancel context.CancelFunc) *SignalHandler {
	return &SignalHandler{
		signals:  make(chan os.Signal, 1),
		shutdown: make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
}

// Start begins listening for SIGINT and SIGTERM.
func (h *SignalHandler) Start() {
	h.StartWithNotify(true)
}

// StartWithNotify starts the handler loop. Tests pass notify=false and
// write to h.signals directly, keeping global signal state untouched.
func (h *SignalHandler) StartWithNotify(notify bool) {
	if notify {
		signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM)
	}

	started := make(chan struct{})
	go func() {
		defer close(h.done)
		close(started)

		select {
		case sig := <-h.signals:
			fmt.Fprintf(os.Stderr, "\nreceived %v, shutting down\n", sig)
			if h.cancel != nil {
				h.cancel()
			}

			h.mu.Lock()
			callbacks := make([]func(), len(h.onShutdown))
			copy(callbacks, h.onShutdown)
			h.mu.Unlock()

			// Registration order.
			for _, fn := range callbacks {
				fn()
			}
			close(h.shutdown)
		case <-h.stopCh:
		}
	}()
	<-started
}

// OnShutdown registers a callback to run after the context cancel.
func (h *SignalHandler) OnShutdown(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onShutdown = append(h.onShutdown, fn)
}

// Wait blocks until a signal has been handled.
func (h *SignalHandler) Wait() {
	<-h.shutdown
}

// Stop detaches from OS signals and stops the handler loop. It waits
// briefly for the loop to exit; a loop mid-shutdown keeps going.
func (h *SignalHandler) Stop() {
	signal.Stop(h.signals)
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	select {
	case <-h.done:
	case <-time.After(100 * time.Millisecond):
	}
}
