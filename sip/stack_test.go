package sip_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ghettovoice/sipcore/sip"
)

func newTestStack(tb testing.TB, opts *sip.StackOptions) (*sip.Stack, *stubFactory) {
	tb.Helper()

	ch := newStubChannel(sip.TransportUDP, 5060)
	factory := newStubFactory(ch)
	if opts == nil {
		opts = &sip.StackOptions{Timings: testTimings(tb)}
	}
	stack, err := sip.NewStack(factory, opts)
	if err != nil {
		tb.Fatalf("sip.NewStack() error = %v, want nil", err)
	}
	tb.Cleanup(func() { stack.Stop(context.Background()) })
	return stack, factory
}

func TestStack_Defaults(t *testing.T) {
	t.Parallel()

	stack, _ := newTestStack(t, nil)

	if got := stack.Name(); got != "sipcore" {
		t.Fatalf("stack.Name() = %q, want %q", got, "sipcore")
	}
	if got := stack.IPAddr(); got != "127.0.0.1" {
		t.Fatalf("stack.IPAddr() = %q, want %q", got, "127.0.0.1")
	}
	if stack.Table() == nil || stack.Router() == nil {
		t.Fatal("stack must expose its table and router")
	}
	if stack.MaxConnections() != 0 {
		t.Fatalf("stack.MaxConnections() = %d, want 0", stack.MaxConnections())
	}
}

func TestStack_RejectsNilFactory(t *testing.T) {
	t.Parallel()

	if _, err := sip.NewStack(nil, nil); err == nil {
		t.Fatal("sip.NewStack(nil factory) error = nil, want an error")
	}
}

func TestStack_NegativeLimitsNonFatal(t *testing.T) {
	t.Parallel()

	stack, _ := newTestStack(t, &sip.StackOptions{
		Timings:               testTimings(t),
		MaxConnections:        -1,
		MaxServerTransactions: -5,
	})

	// Out-of-range limits are replaced by the unlimited default.
	if stack.MaxConnections() != 0 {
		t.Fatalf("stack.MaxConnections() = %d, want 0", stack.MaxConnections())
	}
}

func TestStack_CreateListeningPoint(t *testing.T) {
	t.Parallel()

	stack, _ := newTestStack(t, &sip.StackOptions{IPAddr: "10.0.0.2", Timings: testTimings(t)})

	lp, err := stack.CreateListeningPoint(5080, sip.TransportTCP)
	if err != nil {
		t.Fatalf("stack.CreateListeningPoint() error = %v, want nil", err)
	}
	if lp.Addr.Host != "10.0.0.2" || lp.Addr.Port != 5080 || !lp.Transport.Equal(sip.TransportTCP) {
		t.Fatalf("listening point = %v, want 10.0.0.2:5080/TCP", lp)
	}

	// A zero port falls back to the transport default.
	lp, err = stack.CreateListeningPoint(0, sip.TransportTLS)
	if err != nil {
		t.Fatalf("stack.CreateListeningPoint(0) error = %v, want nil", err)
	}
	if lp.Addr.Port != sip.TransportTLS.DefaultPort() {
		t.Fatalf("listening point port = %d, want %d", lp.Addr.Port, sip.TransportTLS.DefaultPort())
	}

	if _, err = stack.CreateListeningPoint(5060, sip.TransportProto("SCTP")); err == nil {
		t.Fatal("stack.CreateListeningPoint(SCTP) error = nil, want an error")
	}
}

func TestStack_IsMethodAllowed(t *testing.T) {
	t.Parallel()

	stack, _ := newTestStack(t, &sip.StackOptions{
		Timings:          testTimings(t),
		ExtensionMethods: []sip.RequestMethod{"PUBLISH"},
	})

	for _, m := range []sip.RequestMethod{
		sip.RequestMethodInvite, sip.RequestMethodAck, sip.RequestMethodBye,
		sip.RequestMethodCancel, sip.RequestMethodRegister, sip.RequestMethodOptions,
		sip.RequestMethodSubscribe, sip.RequestMethodNotify, sip.RequestMethodRefer,
		sip.RequestMethodInfo, sip.RequestMethodMessage, sip.RequestMethodUpdate,
		sip.RequestMethodPrack,
	} {
		if !stack.IsMethodAllowed(m) {
			t.Fatalf("stack.IsMethodAllowed(%q) = false, want true", m)
		}
	}

	if !stack.IsMethodAllowed("PUBLISH") {
		t.Fatal(`stack.IsMethodAllowed("PUBLISH") = false, want the extension accepted`)
	}
	if stack.IsMethodAllowed("FOO") {
		t.Fatal(`stack.IsMethodAllowed("FOO") = true, want false`)
	}
}

func TestStack_Providers(t *testing.T) {
	t.Parallel()

	stack, _ := newTestStack(t, nil)
	ctx := t.Context()

	lp, err := stack.CreateListeningPoint(5060, sip.TransportUDP)
	if err != nil {
		t.Fatalf("stack.CreateListeningPoint() error = %v, want nil", err)
	}

	prov, err := stack.CreateProvider(lp)
	if err != nil {
		t.Fatalf("stack.CreateProvider() error = %v, want nil", err)
	}
	if got, ok := stack.Provider(lp); !ok || got != prov {
		t.Fatalf("stack.Provider() = (%v, %t), want the created provider", got, ok)
	}

	// Each listening point carries at most one provider.
	if _, err = stack.CreateProvider(lp); err == nil {
		t.Fatal("stack.CreateProvider(same lp) error = nil, want an error")
	}

	stack.DeleteProvider(ctx, prov)
	if _, ok := stack.Provider(lp); ok {
		t.Fatal("provider still attached after delete")
	}

	// The slot is free again.
	prov2, err := stack.CreateProvider(lp)
	if err != nil {
		t.Fatalf("stack.CreateProvider() after delete error = %v, want nil", err)
	}
	stack.DeleteProvider(ctx, prov2)
}

func TestStack_Stop(t *testing.T) {
	t.Parallel()

	stack, _ := newTestStack(t, nil)
	ctx := t.Context()

	lp, err := stack.CreateListeningPoint(5060, sip.TransportUDP)
	if err != nil {
		t.Fatalf("stack.CreateListeningPoint() error = %v, want nil", err)
	}
	prov, err := stack.CreateProvider(lp)
	if err != nil {
		t.Fatalf("stack.CreateProvider() error = %v, want nil", err)
	}

	stack.Stop(ctx)
	// Stop is idempotent.
	stack.Stop(ctx)

	// Stopped providers reject new work and the stack rejects new
	// providers.
	if err = prov.AddListener(newStubListener()); !errors.Is(err, sip.ErrProviderClosed) {
		t.Fatalf("prov.AddListener() error = %v, want %v", err, sip.ErrProviderClosed)
	}
	if _, err = stack.CreateProvider(lp); !errors.Is(err, sip.ErrStackClosed) {
		t.Fatalf("stack.CreateProvider() error = %v, want %v", err, sip.ErrStackClosed)
	}
}

func TestStack_NewCallID(t *testing.T) {
	t.Parallel()

	stack, _ := newTestStack(t, nil)

	id1, id2 := stack.NewCallID(), stack.NewCallID()
	if id1 == "" || id1 == id2 {
		t.Fatalf("stack.NewCallID() = %q, %q, want distinct non-empty values", id1, id2)
	}
}
