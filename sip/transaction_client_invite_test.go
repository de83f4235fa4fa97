package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	timings := testTimings(t)
	ch := newStubChannel(sip.TransportUDP, 5070)
	req := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".client-accepted")

	tx, err := sip.NewInviteClientTransaction(req, ch, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	sent := ch.waitSendReq(t, 100*time.Millisecond)
	if sent.Method != sip.RequestMethodInvite {
		t.Fatalf("initial send method = %q, want %q", sent.Method, sip.RequestMethodInvite)
	}
	if got, want := tx.State(), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ctx := t.Context()

	resCh := make(chan *sip.Response, 4)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	if err := tx.RecvResponse(ctx, newRes(t, req, sip.StatusRinging, "to-5678")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.StatusRinging)
	ch.drainSendReqs()

	ok := newRes(t, req, sip.StatusOK, "to-5678")
	if err := tx.RecvResponse(ctx, ok); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.StatusOK)

	// A 2xx from another branch of a forked INVITE keeps the transaction
	// accepted and reaches the TU.
	if err := tx.RecvResponse(ctx, ok.Clone()); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200 repeat) error = %v, want nil", err)
	}
	assertResponseStatus(t, resCh, sip.StatusOK)

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeM()+200*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	ch.ensureNoSendReq(t, 50*time.Millisecond)
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	timings := testTimings(t)
	ch := newStubChannel(sip.TransportUDP, 5070)
	req := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".client-rejected")

	tx, err := sip.NewInviteClientTransaction(req, ch, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ch.drainSendReqs()

	ctx := t.Context()

	resCh := make(chan *sip.Response, 2)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})

	busy := newRes(t, req, sip.StatusBusyHere, "to-5678")
	if err := tx.RecvResponse(ctx, busy); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, resCh, sip.StatusBusyHere)

	// The transaction generates the ACK for the non-2xx final itself.
	ack := ch.waitSendReq(t, 100*time.Millisecond)
	if ack.Method != sip.RequestMethodAck {
		t.Fatalf("ack.Method = %q, want %q", ack.Method, sip.RequestMethodAck)
	}
	ackBranch, _ := ack.Branch()
	reqBranch, _ := req.Branch()
	if ackBranch != reqBranch {
		t.Fatalf("ack branch = %q, want the INVITE branch %q", ackBranch, reqBranch)
	}
	ackToTag, _ := ack.Headers.To.Tag()
	if ackToTag != "to-5678" {
		t.Fatalf("ack To tag = %q, want %q", ackToTag, "to-5678")
	}

	// A retransmitted final triggers an ACK resend but no TU delivery.
	if err := tx.RecvResponse(ctx, busy.Clone()); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 486 retransmit) error = %v, want nil", err)
	}
	resend := ch.waitSendReq(t, 100*time.Millisecond)
	if resend.Method != sip.RequestMethodAck {
		t.Fatalf("resend.Method = %q, want %q", resend.Method, sip.RequestMethodAck)
	}
	select {
	case res := <-resCh:
		t.Fatalf("unexpected TU delivery of retransmitted final: %v", res)
	default:
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeD()+200*time.Millisecond)
	if err := tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
}

func TestInviteClientTransaction_Retransmits(t *testing.T) {
	t.Parallel()

	timings := testTimings(t)
	ch := newStubChannel(sip.TransportUDP, 5070)
	req := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".client-retransmit")

	tx, err := sip.NewInviteClientTransaction(req, ch, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	defer func() {
		tx.Terminate(context.Background()) //nolint:errcheck
	}()

	// Initial send plus at least one timer A retransmission.
	first := ch.waitSendReq(t, 100*time.Millisecond)
	second := ch.waitSendReq(t, timings.TimeA()+100*time.Millisecond)
	if first.Method != sip.RequestMethodInvite || second.Method != sip.RequestMethodInvite {
		t.Fatalf("retransmitted methods = %q, %q, want both %q", first.Method, second.Method, sip.RequestMethodInvite)
	}

	// 1xx stops timer A.
	if err := tx.RecvResponse(t.Context(), newRes(t, req, sip.StatusRinging, "")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	ch.drainSendReqs()
	ch.ensureNoSendReq(t, 3*timings.TimeA())
}

func TestInviteClientTransaction_TimedOut(t *testing.T) {
	t.Parallel()

	t1 := 10 * time.Millisecond
	// Reliable transport keeps timer A out of the way, timer B stays short.
	timings := sip.NewTimings(t1, 4*t1, 5*t1, 32*t1, time.Minute)
	ch := newStubChannel(sip.TransportTCP, 5070)
	req := newInviteReq(t, sip.TransportTCP, sip.MagicCookie+".client-timeout")

	tx, err := sip.NewInviteClientTransaction(req, ch, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ch.drainSendReqs()

	waitForTransactState(t, tx, sip.TransactionStateTerminated, timings.TimeB()+200*time.Millisecond)
	if !errors.Is(tx.Err(), sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransactionTimedOut)
	}

	select {
	case <-tx.Done():
	default:
		t.Fatal("tx.Done() is not closed after termination")
	}
}

func TestInviteClientTransaction_TransportError(t *testing.T) {
	t.Parallel()

	ch := newStubChannel(sip.TransportUDP, 5070)
	ch.failSends(sip.ErrTransportFailure)
	req := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".client-transport-err")

	tx, err := sip.NewInviteClientTransaction(req, ch, &sip.ClientTransactionOptions{Timings: testTimings(t)})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	waitForTransactState(t, tx, sip.TransactionStateTerminated, 200*time.Millisecond)
	if !errors.Is(tx.Err(), sip.ErrTransportFailure) {
		t.Fatalf("tx.Err() = %v, want %v", tx.Err(), sip.ErrTransportFailure)
	}
}

func TestInviteClientTransaction_BufferedResponses(t *testing.T) {
	t.Parallel()

	timings := testTimings(t)
	ch := newStubChannel(sip.TransportUDP, 5070)
	req := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".client-buffered")

	tx, err := sip.NewInviteClientTransaction(req, ch, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	ch.drainSendReqs()

	ctx := t.Context()
	if err := tx.RecvResponse(ctx, newRes(t, req, sip.StatusRinging, "to-5678")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 180) error = %v, want nil", err)
	}
	if err := tx.RecvResponse(ctx, newRes(t, req, sip.StatusOK, "to-5678")); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 200) error = %v, want nil", err)
	}

	// Responses received before the callback registration are buffered
	// and replayed in order on registration.
	resCh := make(chan *sip.Response, 2)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.Response) {
		resCh <- res
	})
	assertResponseStatus(t, resCh, sip.StatusRinging)
	assertResponseStatus(t, resCh, sip.StatusOK)

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func assertResponseStatus(tb testing.TB, resCh <-chan *sip.Response, want sip.ResponseStatus) {
	tb.Helper()

	select {
	case res := <-resCh:
		if res.Status != want {
			tb.Fatalf("response status = %v, want %v", res.Status, want)
		}
	case <-time.After(100 * time.Millisecond):
		tb.Fatalf("expected response with status %v", want)
	}
}
