package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/log"
)

// RouterHost is the surface the message router reports into. The
// provider implements it: events flow into the provider's scanner and
// the retransmission filter flag controls duplicate suppression.
type RouterHost interface {
	// HandleEvent enqueues an engine event for delivery to the listener.
	HandleEvent(ctx context.Context, evt *PendingEvent)
	// RetransmissionFilter reports whether retransmitted messages are
	// absorbed by the engine instead of being passed to the listener.
	RetransmissionFilter() bool
}

// MessageRouter is the single funnel between the transport layer and
// the transaction core. Every inbound message goes through it exactly
// once: retransmissions are fed to their transactions, in-dialog
// ordering is enforced and everything that survives becomes an event
// for the listener.
//
// New requests get a provisional server transaction that is held
// outside the transaction table until the listener claims it through
// the provider; retransmissions arriving before the claim are matched
// against the provisional set.
type MessageRouter struct {
	log     *slog.Logger
	table   *TransactionTable
	host    RouterHost
	timings TimingConfig
	metrics *Metrics

	mu      sync.Mutex
	pending map[ServerTransactionKey]ServerTransaction
}

// MessageRouterOptions contains options for a message router.
type MessageRouterOptions struct {
	// Timings is the SIP timing config that will be used with the
	// provisional transactions created by the router.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Metrics is the metrics sink. Nil disables instrumentation.
	Metrics *Metrics
	// Log is the logger that will be used with the router.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *MessageRouterOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *MessageRouterOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *MessageRouterOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewMessageRouter creates a message router over the transaction table
// reporting into the host.
func NewMessageRouter(table *TransactionTable, host RouterHost, opts *MessageRouterOptions) (*MessageRouter, error) {
	if table == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction table"))
	}
	if host == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid router host"))
	}

	return &MessageRouter{
		log:     opts.log(),
		table:   table,
		host:    host,
		timings: opts.timings(),
		metrics: opts.metrics(),
		pending: make(map[ServerTransactionKey]ServerTransaction),
	}, nil
}

// ProcessRequest routes one inbound request arrived on the channel.
//
// ACK and CANCEL follow their own matching rules. Any other request
// matching a live server transaction is a retransmission and feeds that
// transaction. New requests are checked against the dialog CSeq
// watermark, get a provisional server transaction and are delivered to
// the listener without a transaction attached: the listener claims the
// transaction through the provider when it wants stateful handling.
func (mr *MessageRouter) ProcessRequest(ctx context.Context, req *Request, ch MessageChannel) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if ch == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message channel"))
	}

	mr.log.LogAttrs(ctx, slog.LevelDebug, "process request", slog.Any("request", req))
	mr.metrics.requestIn(req)

	switch {
	case req.Method.Equal(RequestMethodAck):
		return errtrace.Wrap(mr.processAck(ctx, req))
	case req.Method.Equal(RequestMethodCancel):
		return errtrace.Wrap(mr.processCancel(ctx, req, ch))
	}

	if tx, ok := mr.table.FindServerTransaction(req); ok {
		return errtrace.Wrap(tx.RecvRequest(ctx, req))
	}
	if tx, ok := mr.findPending(req); ok {
		// Retransmission of a request whose transaction the listener
		// has not claimed yet.
		return errtrace.Wrap(tx.RecvRequest(ctx, req))
	}

	var dlgID DialogID
	dlgID.FillFromMessage(req, true) //nolint:errcheck // the request is validated
	dlg, hasDlg := mr.table.FindDialog(dlgID)

	// An orphan NOTIFY may still belong to a subscription whose
	// SUBSCRIBE dialog is not established yet.
	if !hasDlg && req.Method.Equal(RequestMethodNotify) {
		if subTx, ok := mr.table.FindSubscribeTransaction(req); ok {
			var subID DialogID
			if err := subID.FillFromMessage(subTx.Request(), false); err == nil {
				dlg, hasDlg = mr.table.FindDialog(subID)
			}
		}
	}

	if hasDlg {
		if !dlg.ObserveSeqNum(req.Headers.CSeq.SeqNum) {
			mr.log.LogAttrs(ctx, slog.LevelWarn,
				"out-of-order in-dialog request dropped",
				slog.Any("request", req),
				slog.Any("dialog", dlg),
			)
			return nil
		}
		dlg.AddRoute(req)
	}

	tx, err := mr.provision(req, ch)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if hasDlg {
		dlg.AddTransaction(tx)
	}

	mr.host.HandleEvent(ctx, &PendingEvent{
		Event:       &RequestEvent{Request: req, Dialog: dlg},
		Transaction: tx,
	})
	return nil
}

// processAck dispatches an ACK. Without a dialog the ACK answers a
// non-2xx final response and belongs to the INVITE server transaction.
// With a dialog it either duplicates the stored last ACK or confirms
// the 2xx of the most recent INVITE server transaction bound to the
// dialog.
func (mr *MessageRouter) processAck(ctx context.Context, ack *Request) error {
	var dlgID DialogID
	dlgID.FillFromMessage(ack, true) //nolint:errcheck // the request is validated
	dlg, ok := mr.table.FindDialog(dlgID)
	if !ok {
		if tx, ok := mr.table.FindServerTransaction(ack); ok {
			return errtrace.Wrap(tx.RecvRequest(ctx, ack))
		}
		if tx, ok := mr.findPending(ack); ok {
			return errtrace.Wrap(tx.RecvRequest(ctx, ack))
		}

		mr.log.LogAttrs(ctx, slog.LevelDebug, "stray ACK dropped", slog.Any("request", ack))
		return nil
	}

	if dlg.IsDuplicateAck(ack) {
		if mr.host.RetransmissionFilter() {
			mr.log.LogAttrs(ctx, slog.LevelDebug, "duplicate ACK dropped", slog.Any("request", ack), slog.Any("dialog", dlg))
			return nil
		}
		mr.host.HandleEvent(ctx, &PendingEvent{
			Event: &RequestEvent{Request: ack, Dialog: dlg},
		})
		return nil
	}

	invTx, ok := dlg.LastTransaction().(*InviteServerTransaction)
	if !ok {
		if _, isClient := dlg.LastTransaction().(ClientTransaction); isClient {
			// ACK bounced back to our own request leg.
			return nil
		}
		mr.log.LogAttrs(ctx, slog.LevelWarn, "unexpected ACK dropped", slog.Any("request", ack), slog.Any("dialog", dlg))
		return nil
	}

	res := invTx.LastResponse()
	if res == nil || !res.Status.IsSuccessful() ||
		invTx.Request().Headers.CSeq.SeqNum != ack.Headers.CSeq.SeqNum {
		mr.log.LogAttrs(ctx, slog.LevelWarn,
			"ACK does not match the accepted INVITE, dropped",
			slog.Any("request", ack),
			slog.Any("transaction", invTx),
		)
		return nil
	}

	if mr.host.RetransmissionFilter() && invTx.IsAckSeen() {
		mr.log.LogAttrs(ctx, slog.LevelDebug, "repeated ACK dropped", slog.Any("request", ack), slog.Any("transaction", invTx))
		return nil
	}

	if err := dlg.AckReceived(ctx, ack); err != nil {
		mr.log.LogAttrs(ctx, slog.LevelWarn, "dialog ACK handling failed", slog.Any("dialog", dlg), slog.Any("error", err))
	}
	if err := invTx.RecvAck(ctx, ack); err != nil {
		mr.log.LogAttrs(ctx, slog.LevelDebug, "transaction ACK handling failed", slog.Any("transaction", invTx), slog.Any("error", err))
	}

	mr.host.HandleEvent(ctx, &PendingEvent{
		Event:       &RequestEvent{Transaction: invTx, Request: ack, Dialog: dlg},
		Transaction: invTx,
	})
	return nil
}

// processCancel correlates a CANCEL with the INVITE server transaction
// it refers to per RFC 3261 section 9.2. The CANCEL itself is answered
// by the engine; the listener is notified about the cancelled INVITE
// transaction, not the CANCEL. A CANCEL that arrives after the INVITE
// transaction terminated is answered with 200 and produces no event.
func (mr *MessageRouter) processCancel(ctx context.Context, cancel *Request, ch MessageChannel) error {
	target, ok := mr.table.FindCancelTarget(cancel)
	if !ok {
		target, ok = mr.findPendingCancelTarget(cancel)
	}
	if !ok {
		// Nothing to cancel: the listener decides, typically with 481.
		var dlgID DialogID
		dlgID.FillFromMessage(cancel, true) //nolint:errcheck // the request is validated
		dlg, _ := mr.table.FindDialog(dlgID)

		mr.host.HandleEvent(ctx, &PendingEvent{
			Event: &RequestEvent{Request: cancel, Dialog: dlg},
		})
		return nil
	}

	res, err := cancel.NewResponse(StatusOK, "")
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := ch.SendResponse(ctx, res); err != nil {
		mr.log.LogAttrs(ctx, slog.LevelWarn, "answer CANCEL failed", slog.Any("request", cancel), slog.Any("error", err))
	}

	if target.State() == TransactionStateTerminated {
		mr.log.LogAttrs(ctx, slog.LevelDebug, "late CANCEL absorbed", slog.Any("request", cancel), slog.Any("transaction", target))
		return nil
	}

	var dlgID DialogID
	dlgID.FillFromMessage(cancel, true) //nolint:errcheck // the request is validated
	dlg, _ := mr.table.FindDialog(dlgID)

	mr.host.HandleEvent(ctx, &PendingEvent{
		Event:       &RequestEvent{Transaction: target, Request: cancel, Dialog: dlg},
		Transaction: target,
	})
	return nil
}

// ProcessResponse routes one inbound response arrived on the channel.
//
// A response matching a live client transaction feeds that transaction;
// its state machine decides what reaches the listener. A response with
// no transaction is matched against the dialog store: a retransmitted
// 2xx triggers a resend of the stored ACK when the retransmission
// filter is active, a late non-2xx final is dropped, everything else is
// delivered to the listener without a transaction attached.
func (mr *MessageRouter) ProcessResponse(ctx context.Context, res *Response, ch MessageChannel) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if ch == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message channel"))
	}

	mr.log.LogAttrs(ctx, slog.LevelDebug, "process response", slog.Any("response", res))
	mr.metrics.responseIn(res)

	if tx, ok := mr.table.FindClientTransaction(res); ok {
		return errtrace.Wrap(tx.RecvResponse(ctx, res))
	}

	var dlgID DialogID
	dlgID.FillFromMessage(res, false) //nolint:errcheck // the response is validated
	dlg, hasDlg := mr.table.FindDialog(dlgID)
	if !hasDlg {
		mr.host.HandleEvent(ctx, &PendingEvent{
			Event: &ResponseEvent{Response: res},
		})
		return nil
	}

	switch {
	case res.Status.IsSuccessful():
		if mr.host.RetransmissionFilter() {
			if ack := dlg.LastAck(); ack != nil && ack.Headers.CSeq.SeqNum == res.Headers.CSeq.SeqNum {
				mr.log.LogAttrs(ctx, slog.LevelDebug,
					"2xx retransmission, re-send ACK",
					slog.Any("response", res),
					slog.Any("dialog", dlg),
				)
				return errtrace.Wrap(ch.SendRequest(ctx, ack))
			}
		}
	case res.Status.IsFinal():
		mr.log.LogAttrs(ctx, slog.LevelDebug, "late final response dropped", slog.Any("response", res), slog.Any("dialog", dlg))
		return nil
	}

	mr.host.HandleEvent(ctx, &PendingEvent{
		Event: &ResponseEvent{Response: res, Dialog: dlg},
	})
	return nil
}

// TakeServerTransaction removes and returns the provisional server
// transaction created when the request arrived. The provider claims
// transactions through it before mapping them into the table.
func (mr *MessageRouter) TakeServerTransaction(req *Request) (ServerTransaction, bool) {
	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, false
	}
	k := key.normalize()

	mr.mu.Lock()
	defer mr.mu.Unlock()
	tx, ok := mr.pending[k]
	if ok {
		delete(mr.pending, k)
	}
	return tx, ok
}

// Stop terminates every provisional transaction still held by the
// router.
func (mr *MessageRouter) Stop(ctx context.Context) {
	mr.mu.Lock()
	txs := make([]ServerTransaction, 0, len(mr.pending))
	for _, tx := range mr.pending {
		txs = append(txs, tx)
	}
	mr.pending = make(map[ServerTransactionKey]ServerTransaction)
	mr.mu.Unlock()

	for _, tx := range txs {
		tx.Terminate(ctx) //nolint:errcheck
	}
}

func (mr *MessageRouter) provision(req *Request, ch MessageChannel) (ServerTransaction, error) {
	tx, err := NewServerTransaction(req, ch, &ServerTransactionOptions{
		Timings: mr.timings,
		Log:     mr.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	key := tx.Key().normalize()
	mr.mu.Lock()
	mr.pending[key] = tx
	mr.mu.Unlock()

	tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			mr.mu.Lock()
			if cur, ok := mr.pending[key]; ok && cur == tx {
				delete(mr.pending, key)
			}
			mr.mu.Unlock()
		}
	})
	return tx, nil
}

func (mr *MessageRouter) findPending(req *Request) (ServerTransaction, bool) {
	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, false
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	tx, ok := mr.pending[key.normalize()]
	return tx, ok
}

func (mr *MessageRouter) findPendingCancelTarget(cancel *Request) (ServerTransaction, bool) {
	var key ServerTransactionKey
	if err := key.FillFromMessage(cancel); err != nil {
		return nil, false
	}
	key.Method = string(RequestMethodInvite)

	mr.mu.Lock()
	defer mr.mu.Unlock()
	tx, ok := mr.pending[key.normalize()]
	return tx, ok
}
