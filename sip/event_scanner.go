package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ghettovoice/sipcore/log"
)

// EventScanner serializes event delivery: producers append events under
// a mutex, a single worker goroutine drains the whole queue into a
// local batch and dispatches it to the listener. The listener therefore
// observes a single-threaded view of the protocol even though ingestion
// is parallel.
type EventScanner struct {
	log      *slog.Logger
	listener Listener

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*PendingEvent
	stopped bool

	done chan struct{}
}

// EventScannerOptions contains options for an event scanner.
type EventScannerOptions struct {
	// Log is the logger that will be used with the scanner.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *EventScannerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewEventScanner creates a scanner dispatching to the listener and
// starts its worker goroutine.
func NewEventScanner(listener Listener, opts *EventScannerOptions) (*EventScanner, error) {
	if listener == nil {
		return nil, NewInvalidArgumentError("invalid listener")
	}

	sc := &EventScanner{
		log:      opts.log(),
		listener: listener,
		done:     make(chan struct{}),
	}
	sc.cond = sync.NewCond(&sc.mu)

	go sc.loop()
	return sc, nil
}

// AddEvent appends an event to the queue and wakes the worker. It never
// blocks beyond the queue critical section and stays safe to call after
// [EventScanner.Stop]: late events are queued but never drained.
func (sc *EventScanner) AddEvent(evt *PendingEvent) {
	if evt == nil || evt.Event == nil {
		return
	}

	sc.mu.Lock()
	sc.queue = append(sc.queue, evt)
	sc.mu.Unlock()
	sc.cond.Signal()
}

// Stop stops the worker after the in-flight batch completes and waits
// for it to exit.
func (sc *EventScanner) Stop() {
	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		<-sc.done
		return
	}
	sc.stopped = true
	sc.mu.Unlock()
	sc.cond.Signal()

	<-sc.done
}

func (sc *EventScanner) loop() {
	defer close(sc.done)

	for {
		sc.mu.Lock()
		for len(sc.queue) == 0 && !sc.stopped {
			sc.cond.Wait()
		}
		// Atomic drain: the whole queue moves into a local batch and
		// the lock is released before any listener code runs.
		batch := sc.queue
		sc.queue = nil
		stopped := sc.stopped
		sc.mu.Unlock()

		for _, evt := range batch {
			sc.deliver(evt)
		}

		if stopped {
			return
		}
	}
}

func (sc *EventScanner) deliver(evt *PendingEvent) {
	defer func() {
		if r := recover(); r != nil {
			sc.log.LogAttrs(context.Background(), slog.LevelError,
				"listener panic recovered",
				slog.Any("error", fmt.Errorf("%v", r)),
			)
		}
	}()

	switch e := evt.Event.(type) {
	case *RequestEvent:
		sc.listener.ProcessRequest(context.Background(), e)

	case *ResponseEvent:
		sc.listener.ProcessResponse(context.Background(), e)
		if e.Transaction != nil {
			e.Transaction.ClearEventPending()
		}

	case *TimeoutEvent:
		sc.listener.ProcessTimeout(context.Background(), e)
		// Only client transactions gate duplicate timeout delivery on
		// the pending flag.
		if !e.IsServer && e.Transaction != nil {
			e.Transaction.ClearEventPending()
		}

	default:
		sc.log.LogAttrs(context.Background(), slog.LevelWarn,
			"unknown event type dropped",
			slog.String("type", fmt.Sprintf("%T", e)),
		)
	}
}
