package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/sip"
)

// stubChannel is a test stub implementing sip.MessageChannel.
// Sent messages are recorded and exposed through channels so tests can
// wait for them without sleeping.
type stubChannel struct {
	lp sip.ListeningPoint

	mu      sync.Mutex
	sendErr error

	reqCh chan *sip.Request
	resCh chan *sip.Response
}

func newStubChannel(transport sip.TransportProto, port uint16) *stubChannel {
	return &stubChannel{
		lp: sip.ListeningPoint{
			Addr:      header.HostPort{Host: "127.0.0.1", Port: port},
			Transport: transport,
		},
		reqCh: make(chan *sip.Request, 16),
		resCh: make(chan *sip.Response, 16),
	}
}

func (ch *stubChannel) SendRequest(_ context.Context, req *sip.Request) error {
	ch.mu.Lock()
	err := ch.sendErr
	ch.mu.Unlock()
	if err != nil {
		return err
	}
	ch.reqCh <- req
	return nil
}

func (ch *stubChannel) SendResponse(_ context.Context, res *sip.Response) error {
	ch.mu.Lock()
	err := ch.sendErr
	ch.mu.Unlock()
	if err != nil {
		return err
	}
	ch.resCh <- res
	return nil
}

func (ch *stubChannel) ListeningPoint() sip.ListeningPoint { return ch.lp }

func (ch *stubChannel) failSends(err error) {
	ch.mu.Lock()
	ch.sendErr = err
	ch.mu.Unlock()
}

func (ch *stubChannel) waitSendReq(tb testing.TB, timeout time.Duration) *sip.Request {
	tb.Helper()

	select {
	case req := <-ch.reqCh:
		return req
	case <-time.After(timeout):
		tb.Fatalf("expected a request send within %v", timeout)
		return nil
	}
}

func (ch *stubChannel) waitSendRes(tb testing.TB, timeout time.Duration) *sip.Response {
	tb.Helper()

	select {
	case res := <-ch.resCh:
		return res
	case <-time.After(timeout):
		tb.Fatalf("expected a response send within %v", timeout)
		return nil
	}
}

func (ch *stubChannel) ensureNoSendReq(tb testing.TB, timeout time.Duration) {
	tb.Helper()

	select {
	case req := <-ch.reqCh:
		tb.Fatalf("unexpected request send: %v", req)
	case <-time.After(timeout):
	}
}

func (ch *stubChannel) ensureNoSendRes(tb testing.TB, timeout time.Duration) {
	tb.Helper()

	select {
	case res := <-ch.resCh:
		tb.Fatalf("unexpected response send: %v", res)
	case <-time.After(timeout):
	}
}

func (ch *stubChannel) drainSendReqs() {
	for {
		select {
		case <-ch.reqCh:
		default:
			return
		}
	}
}

// stubFactory is a test stub implementing sip.ChannelFactory.
// Every open goes to the same stub channel; requested hops are recorded.
type stubFactory struct {
	ch *stubChannel

	mu      sync.Mutex
	openErr error
	hops    []sip.Hop
}

func newStubFactory(ch *stubChannel) *stubFactory {
	return &stubFactory{ch: ch}
}

func (f *stubFactory) CreateMessageChannel(_ context.Context, hop sip.Hop) (sip.MessageChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.hops = append(f.hops, hop)
	return f.ch, nil
}

func (f *stubFactory) failOpens(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *stubFactory) openedHops() []sip.Hop {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sip.Hop, len(f.hops))
	copy(out, f.hops)
	return out
}

// stubRouter is a test stub implementing sip.Router with fixed hops.
type stubRouter struct {
	hops []sip.Hop
	err  error
}

func (r *stubRouter) GetNextHops(_ context.Context, _ *sip.Request, _ bool) ([]sip.Hop, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.hops, nil
}

func (r *stubRouter) GetOutboundProxy() header.URI { return header.URI{} }
