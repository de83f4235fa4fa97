package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

// stubListener is a test stub implementing sip.Listener.
// Delivered events are pushed to a channel in dispatch order.
type stubListener struct {
	mu      sync.Mutex
	panicOn *sip.RequestEvent

	evtCh chan sip.SipEvent
}

func newStubListener() *stubListener {
	return &stubListener{evtCh: make(chan sip.SipEvent, 32)}
}

func (l *stubListener) ProcessRequest(_ context.Context, evt *sip.RequestEvent) {
	l.mu.Lock()
	panicOn := l.panicOn
	l.mu.Unlock()
	if panicOn == evt {
		panic("listener failure")
	}
	l.evtCh <- evt
}

func (l *stubListener) ProcessResponse(_ context.Context, evt *sip.ResponseEvent) {
	l.evtCh <- evt
}

func (l *stubListener) ProcessTimeout(_ context.Context, evt *sip.TimeoutEvent) {
	l.evtCh <- evt
}

func (l *stubListener) panicOnEvent(evt *sip.RequestEvent) {
	l.mu.Lock()
	l.panicOn = evt
	l.mu.Unlock()
}

func (l *stubListener) waitEvent(tb testing.TB, timeout time.Duration) sip.SipEvent {
	tb.Helper()

	select {
	case evt := <-l.evtCh:
		return evt
	case <-time.After(timeout):
		tb.Fatalf("expected an event within %v", timeout)
		return nil
	}
}

func (l *stubListener) ensureNoEvent(tb testing.TB, timeout time.Duration) {
	tb.Helper()

	select {
	case evt := <-l.evtCh:
		tb.Fatalf("unexpected event delivery: %v", evt)
	case <-time.After(timeout):
	}
}

func TestEventScanner_DeliversInOrder(t *testing.T) {
	t.Parallel()

	listener := newStubListener()
	sc, err := sip.NewEventScanner(listener, nil)
	if err != nil {
		t.Fatalf("sip.NewEventScanner() error = %v, want nil", err)
	}
	defer sc.Stop()

	req1 := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".sc-1")
	req2 := newNonInviteReq(t, sip.TransportUDP, sip.RequestMethodOptions, sip.MagicCookie+".sc-2")
	res := newRes(t, req1, sip.StatusRinging, "to-5678")

	sc.AddEvent(&sip.PendingEvent{Event: &sip.RequestEvent{Request: req1}})
	sc.AddEvent(&sip.PendingEvent{Event: &sip.RequestEvent{Request: req2}})
	sc.AddEvent(&sip.PendingEvent{Event: &sip.ResponseEvent{Response: res}})

	evt1, ok := listener.waitEvent(t, time.Second).(*sip.RequestEvent)
	if !ok || evt1.Request != req1 {
		t.Fatalf("first event = %v, want the first request event", evt1)
	}
	evt2, ok := listener.waitEvent(t, time.Second).(*sip.RequestEvent)
	if !ok || evt2.Request != req2 {
		t.Fatalf("second event = %v, want the second request event", evt2)
	}
	evt3, ok := listener.waitEvent(t, time.Second).(*sip.ResponseEvent)
	if !ok || evt3.Response != res {
		t.Fatalf("third event = %v, want the response event", evt3)
	}
}

func TestEventScanner_RecoversListenerPanic(t *testing.T) {
	t.Parallel()

	listener := newStubListener()
	sc, err := sip.NewEventScanner(listener, nil)
	if err != nil {
		t.Fatalf("sip.NewEventScanner() error = %v, want nil", err)
	}
	defer sc.Stop()

	bad := &sip.RequestEvent{Request: newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".sc-panic")}
	listener.panicOnEvent(bad)

	good := newNonInviteReq(t, sip.TransportUDP, sip.RequestMethodOptions, sip.MagicCookie+".sc-good")
	sc.AddEvent(&sip.PendingEvent{Event: bad})
	sc.AddEvent(&sip.PendingEvent{Event: &sip.RequestEvent{Request: good}})

	// The panic is contained to the failing delivery, the next event
	// still arrives.
	evt, ok := listener.waitEvent(t, time.Second).(*sip.RequestEvent)
	if !ok || evt.Request != good {
		t.Fatalf("delivered event = %v, want the event after the panic", evt)
	}
}

func TestEventScanner_ClearsResponsePending(t *testing.T) {
	t.Parallel()

	listener := newStubListener()
	sc, err := sip.NewEventScanner(listener, nil)
	if err != nil {
		t.Fatalf("sip.NewEventScanner() error = %v, want nil", err)
	}
	defer sc.Stop()

	req := newInviteReq(t, sip.TransportTCP, sip.MagicCookie+".sc-pending")
	ch := newStubChannel(sip.TransportTCP, 5070)
	tx, err := sip.NewInviteClientTransaction(req, ch, &sip.ClientTransactionOptions{Timings: testTimings(t)})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	defer func() {
		tx.Terminate(context.Background()) //nolint:errcheck
	}()

	if !tx.SetEventPending() {
		t.Fatal("tx.SetEventPending() = false, want true on first set")
	}
	if tx.SetEventPending() {
		t.Fatal("tx.SetEventPending() = true, want false while pending")
	}

	res := newRes(t, req, sip.StatusRinging, "to-5678")
	sc.AddEvent(&sip.PendingEvent{
		Event:       &sip.ResponseEvent{Transaction: tx, Response: res},
		Transaction: tx,
	})
	listener.waitEvent(t, time.Second)

	// The pending flag is cleared after delivery, the next response can
	// be queued again.
	deadline := time.Now().Add(time.Second)
	for tx.IsEventPending() {
		if time.Now().After(deadline) {
			t.Fatal("pending flag was not cleared after delivery")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !tx.SetEventPending() {
		t.Fatal("tx.SetEventPending() = false after delivery, want true")
	}
}

func TestEventScanner_Stop(t *testing.T) {
	t.Parallel()

	listener := newStubListener()
	sc, err := sip.NewEventScanner(listener, nil)
	if err != nil {
		t.Fatalf("sip.NewEventScanner() error = %v, want nil", err)
	}

	sc.Stop()
	// Stop is idempotent.
	sc.Stop()

	// Events added after stop are queued but never drained.
	req := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".sc-stopped")
	sc.AddEvent(&sip.PendingEvent{Event: &sip.RequestEvent{Request: req}})
	listener.ensureNoEvent(t, 50*time.Millisecond)
}
