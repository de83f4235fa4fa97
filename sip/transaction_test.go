package sip_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/sip"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testTimings returns a timing config scaled down so timer-driven
// transitions complete within a test run. Time100 stays long to keep the
// automatic 100 Trying out of tests that do not expect it.
func testTimings(tb testing.TB) sip.TimingConfig {
	tb.Helper()

	t1 := 20 * time.Millisecond
	return sip.NewTimings(t1, 4*t1, 5*t1, 32*t1, time.Minute)
}

func newInviteReq(tb testing.TB, transport sip.TransportProto, branch string) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = sip.MagicCookie + ".stub-branch"
	}
	return &sip.Request{
		Method: sip.RequestMethodInvite,
		URI: header.URI{
			Scheme: "sip",
			User:   "alice",
			Addr:   header.HostPort{Host: "alice.voip.com"},
		},
		Headers: sip.Headers{
			Via: header.Via{{
				Transport: string(transport),
				Addr:      header.HostPort{Host: "bob.voip.com", Port: 5060},
				Params:    header.Values{"branch": branch},
			}},
			From: header.Address{
				URI:    header.URI{Scheme: "sip", User: "bob", Addr: header.HostPort{Host: "bob.voip.com"}},
				Params: header.Values{"tag": "from-1234"},
			},
			To: header.Address{
				URI: header.URI{Scheme: "sip", User: "alice", Addr: header.HostPort{Host: "alice.voip.com"}},
			},
			CallID:      "call-1234@bob.voip.com",
			CSeq:        header.CSeq{SeqNum: 1, Method: string(sip.RequestMethodInvite)},
			MaxForwards: 70,
			Contact: []header.Address{{
				URI: header.URI{Scheme: "sip", User: "bob", Addr: header.HostPort{Host: "10.0.0.2", Port: 5060}},
			}},
		},
		Transport: transport,
		Source:    header.HostPort{Host: "10.0.0.2", Port: 5060},
	}
}

func newNonInviteReq(tb testing.TB, transport sip.TransportProto, method sip.RequestMethod, branch string) *sip.Request {
	tb.Helper()

	req := newInviteReq(tb, transport, branch)
	req.Method = method
	req.Headers.CSeq.Method = string(method)
	req.Headers.Contact = nil
	return req
}

// newAckReq builds the ACK for a final response: the non-2xx ACK keeps
// the INVITE branch so it matches the server transaction, the 2xx ACK
// carries its own branch per RFC 3261 section 13.2.2.4.
func newAckReq(tb testing.TB, invite *sip.Request, res *sip.Response) *sip.Request {
	tb.Helper()

	ack := invite.Clone()
	ack.Method = sip.RequestMethodAck
	ack.Body = nil
	ack.Headers.Contact = nil
	ack.Headers.CSeq.Method = string(sip.RequestMethodAck)
	ack.Headers.To = res.Headers.To.Clone()

	if res.Status.IsSuccessful() {
		branch, _ := invite.Branch()
		ack.Headers.Via[0].Params = ack.Headers.Via[0].Params.Clone().Set("branch", branch+".ack")
	}
	return ack
}

func newCancelReq(tb testing.TB, invite *sip.Request) *sip.Request {
	tb.Helper()

	cancel := invite.Clone()
	cancel.Method = sip.RequestMethodCancel
	cancel.Body = nil
	cancel.Headers.Contact = nil
	cancel.Headers.CSeq.Method = string(sip.RequestMethodCancel)
	return cancel
}

// newRes builds a response to the request. A non-zero toTag tags the To
// header the way a responding UAS would.
func newRes(tb testing.TB, req *sip.Request, sts sip.ResponseStatus, toTag string) *sip.Response {
	tb.Helper()

	res, err := req.NewResponse(sts, "")
	if err != nil {
		tb.Fatalf("req.NewResponse(%d) error = %v, want nil", sts, err)
	}
	if toTag != "" {
		res.Headers.To = res.Headers.To.WithTag(toTag)
	}
	return res
}

//nolint:unparam
func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("transaction state did not reach %q, got %q", want, tx.State())
}

func waitForDialogState(tb testing.TB, dlg *sip.Dialog, want sip.DialogState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if dlg.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("dialog state did not reach %q, got %q", want, dlg.State())
}

func TestClientTransactionKey_FillFromMessage(t *testing.T) {
	t.Parallel()

	req := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".key")

	var key sip.ClientTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		t.Fatalf("key.FillFromMessage() error = %v, want nil", err)
	}
	if key.Branch != sip.MagicCookie+".key" {
		t.Fatalf("key.Branch = %q, want %q", key.Branch, sip.MagicCookie+".key")
	}
	if key.Method != string(sip.RequestMethodInvite) {
		t.Fatalf("key.Method = %q, want %q", key.Method, sip.RequestMethodInvite)
	}

	// CANCEL shares the branch but keeps its own method.
	cancel := newCancelReq(t, req)
	var cancelKey sip.ClientTransactionKey
	if err := cancelKey.FillFromMessage(cancel); err != nil {
		t.Fatalf("cancelKey.FillFromMessage() error = %v, want nil", err)
	}
	if cancelKey.Equal(key) {
		t.Fatalf("CANCEL key %v must not match INVITE key %v", cancelKey, key)
	}
}

func TestServerTransactionKey_AckMatchesInvite(t *testing.T) {
	t.Parallel()

	invite := newInviteReq(t, sip.TransportUDP, sip.MagicCookie+".srv-key")
	res := newRes(t, invite, sip.StatusBusyHere, "to-5678")
	ack := newAckReq(t, invite, res)

	var invKey, ackKey sip.ServerTransactionKey
	if err := invKey.FillFromMessage(invite); err != nil {
		t.Fatalf("invKey.FillFromMessage() error = %v, want nil", err)
	}
	if err := ackKey.FillFromMessage(ack); err != nil {
		t.Fatalf("ackKey.FillFromMessage() error = %v, want nil", err)
	}
	if !invKey.Equal(ackKey) {
		t.Fatalf("ACK key %v does not match INVITE key %v", ackKey, invKey)
	}
}

func TestServerTransactionKey_RFC2543Fallback(t *testing.T) {
	t.Parallel()

	req := newNonInviteReq(t, sip.TransportUDP, sip.RequestMethodInfo, "old-branch")
	req.Headers.To = req.Headers.To.WithTag("to-2543")

	var key sip.ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		t.Fatalf("key.FillFromMessage() error = %v, want nil", err)
	}
	if key.Branch != "" {
		t.Fatalf("key.Branch = %q, want empty for a non-RFC 3261 branch", key.Branch)
	}
	if key.CallID != string(req.Headers.CallID) || key.CSeqNum != req.Headers.CSeq.SeqNum {
		t.Fatalf("fallback key = %v, want Call-ID and CSeq of the request", key)
	}
	if !key.IsValid() {
		t.Fatalf("fallback key %v is not valid", key)
	}

	retransmit := req.Clone()
	var key2 sip.ServerTransactionKey
	if err := key2.FillFromMessage(retransmit); err != nil {
		t.Fatalf("key2.FillFromMessage() error = %v, want nil", err)
	}
	if !key.Equal(key2) {
		t.Fatalf("retransmission key %v does not match %v", key2, key)
	}
}
