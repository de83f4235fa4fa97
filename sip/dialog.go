package sip

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/log"
)

// DialogState is a state of the dialog state machine.
type DialogState string

const (
	DialogStateInitial    DialogState = "initial"
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateCompleted  DialogState = "completed"
	DialogStateTerminated DialogState = "terminated"
)

// DialogID identifies a dialog by the Call-ID and the two tags.
// A half-formed ID with the remote tag still absent is used for early
// matching before the peer has tagged its side.
type DialogID struct {
	CallID    string `json:"call_id"`
	LocalTag  string `json:"local_tag,omitempty"`
	RemoteTag string `json:"remote_tag,omitempty"`
}

var zeroDialogID DialogID

// FillFromMessage populates the dialog ID from the message headers.
// For the server side of a dialog the local tag lives in To and the
// remote tag in From; the client side is mirrored.
func (id *DialogID) FillFromMessage(msg Message, isServer bool) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}

	hdrs := GetMessageHeaders(msg)
	if hdrs.CallID == "" {
		return errtrace.Wrap(NewInvalidArgumentError(errMissHdrs))
	}

	fromTag, _ := hdrs.From.Tag()
	toTag, _ := hdrs.To.Tag()

	id.CallID = string(hdrs.CallID)
	if isServer {
		id.LocalTag, id.RemoteTag = toTag, fromTag
	} else {
		id.LocalTag, id.RemoteTag = fromTag, toTag
	}
	return nil
}

// IsValid reports whether the ID can identify a dialog.
func (id DialogID) IsValid() bool { return id.CallID != "" && id.LocalTag != "" }

func (id DialogID) IsZero() bool { return id == zeroDialogID }

func (id DialogID) String() string {
	return id.CallID + "|" + id.LocalTag + "|" + id.RemoteTag
}

// LogValue implements [slog.LogValuer].
func (id DialogID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

// DialogOptions contains options for a dialog.
type DialogOptions struct {
	// LocalTag overrides the local tag derived from the request.
	// The server side of a dialog gets its local tag from the tagged
	// response, before the request's To header carries one.
	LocalTag string
	// Log is the logger that will be used with the dialog.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *DialogOptions) localTag() string {
	if o == nil {
		return ""
	}
	return o.LocalTag
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Dialog tracks one peer-to-peer call leg across its transactions:
// tags, route set, remote CSeq watermark and the last ACK stored for
// the retransmission filter.
type Dialog struct {
	fsm *stateless.StateMachine
	log *slog.Logger

	mu           sync.Mutex
	id           DialogID
	isServer     bool
	secure       bool
	localSeq     uint32
	remoteSeq    uint32
	routeSet     header.RouteSet
	routeFrozen  bool
	remoteTarget header.URI
	firstTx      Transaction
	lastTx       Transaction
	lastAck      *Request
}

const (
	dlgEvtEarly     = "early"
	dlgEvtConfirm   = "confirm"
	dlgEvtComplete  = "complete"
	dlgEvtTerminate = "terminate"
)

// NewDialog creates a dialog from the dialog-forming request.
// For the server side the request is the inbound INVITE-class request;
// for the client side it is the outbound one.
func NewDialog(req *Request, isServer bool, opts *DialogOptions) (*Dialog, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	var id DialogID
	if err := id.FillFromMessage(req, isServer); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if tag := opts.localTag(); tag != "" {
		id.LocalTag = tag
	}

	dlg := &Dialog{
		id:       id,
		isServer: isServer,
		secure:   util.EqFold(req.URI.Scheme, "sips"),
		log:      opts.log(),
	}
	if isServer {
		dlg.remoteSeq = req.Headers.CSeq.SeqNum
	} else {
		dlg.localSeq = req.Headers.CSeq.SeqNum
	}
	if contact, ok := req.Headers.FirstContact(); ok && isServer {
		dlg.remoteTarget = contact.URI.Clone()
	}

	dlg.initFSM(DialogStateInitial)
	return dlg, nil
}

func (dlg *Dialog) initFSM(start DialogState) {
	dlg.fsm = stateless.NewStateMachine(start)

	dlg.fsm.Configure(DialogStateInitial).
		Permit(dlgEvtEarly, DialogStateEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateConfirmed).
		OnEntry(dlg.actConfirmed).
		InternalTransition(dlgEvtConfirm, dlg.actNoop).
		InternalTransition(dlgEvtEarly, dlg.actNoop).
		Permit(dlgEvtComplete, DialogStateCompleted).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateCompleted).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	dlg.fsm.Configure(DialogStateTerminated).
		OnEntry(dlg.actTerminated)
}

func (dlg *Dialog) actNoop(context.Context, ...any) error { return nil }

func (dlg *Dialog) actConfirmed(ctx context.Context, _ ...any) error {
	dlg.log.LogAttrs(ctx, slog.LevelDebug, "dialog confirmed", slog.Any("dialog", dlg))

	dlg.mu.Lock()
	dlg.routeFrozen = true
	dlg.mu.Unlock()
	return nil
}

func (dlg *Dialog) actTerminated(ctx context.Context, _ ...any) error {
	dlg.log.LogAttrs(ctx, slog.LevelDebug, "dialog terminated", slog.Any("dialog", dlg))

	return nil
}

// ID returns the dialog ID. The remote tag may still be empty while the
// dialog is early.
func (dlg *Dialog) ID() DialogID {
	if dlg == nil {
		return zeroDialogID
	}
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.id
}

// State returns the current dialog state.
func (dlg *Dialog) State() DialogState {
	st, _ := dlg.fsm.MustState().(DialogState)
	return st
}

// IsServer reports whether this is the server side of the dialog.
func (dlg *Dialog) IsServer() bool {
	if dlg == nil {
		return false
	}
	return dlg.isServer
}

// IsSecure reports whether the dialog was established over a sips URI.
func (dlg *Dialog) IsSecure() bool {
	if dlg == nil {
		return false
	}
	return dlg.secure
}

// RouteSet returns the dialog route set.
func (dlg *Dialog) RouteSet() header.RouteSet {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.routeSet.Clone()
}

// RemoteTarget returns the remote target URI captured from Contact.
func (dlg *Dialog) RemoteTarget() header.URI {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.remoteTarget.Clone()
}

// RemoteSeqNum returns the remote CSeq watermark.
func (dlg *Dialog) RemoteSeqNum() uint32 {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.remoteSeq
}

// LocalSeqNum returns the local CSeq counter.
func (dlg *Dialog) LocalSeqNum() uint32 {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.localSeq
}

// NextLocalSeqNum increments and returns the local CSeq counter.
func (dlg *Dialog) NextLocalSeqNum() uint32 {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	dlg.localSeq++
	return dlg.localSeq
}

// ObserveSeqNum advances the remote CSeq watermark. It returns false
// when the number is at or below the watermark, which marks the request
// as an out-of-order or duplicate delivery that must be dropped. ACK,
// CANCEL and BYE bypass this check through their own matching rules.
func (dlg *Dialog) ObserveSeqNum(n uint32) bool {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if n <= dlg.remoteSeq {
		return false
	}
	dlg.remoteSeq = n
	return true
}

// SetRemoteTag fills the remote tag of a half-formed dialog ID.
func (dlg *Dialog) SetRemoteTag(tag string) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if dlg.id.RemoteTag == "" {
		dlg.id.RemoteTag = tag
	}
}

// AddRoute captures the route set from the request's Record-Route
// headers: the server side keeps document order, the client side uses
// the reversed order of RFC 3261 section 12.1.2. The call is a no-op
// once the dialog is confirmed and the route set frozen.
func (dlg *Dialog) AddRoute(req *Request) {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	if dlg.routeFrozen || len(req.Headers.RecordRoute) == 0 {
		return
	}

	if dlg.isServer {
		dlg.routeSet = req.Headers.RecordRoute.Clone()
	} else {
		dlg.routeSet = req.Headers.RecordRoute.Reversed()
	}
	if tag, ok := req.Headers.From.Tag(); ok && dlg.isServer {
		dlg.setRemoteTagLocked(tag)
	}
}

func (dlg *Dialog) setRemoteTagLocked(tag string) {
	if dlg.id.RemoteTag == "" {
		dlg.id.RemoteTag = tag
	}
}

// AckReceived stores the ACK as the dialog's last ACK and advances the
// dialog toward confirmed. The stored ACK answers duplicate ACKs while
// the retransmission filter is active.
func (dlg *Dialog) AckReceived(ctx context.Context, ack *Request) error {
	if !ack.Method.Equal(RequestMethodAck) {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	dlg.mu.Lock()
	dlg.lastAck = ack
	dlg.mu.Unlock()

	dlg.log.LogAttrs(ctx, slog.LevelDebug, "dialog ACK received", slog.Any("dialog", dlg), slog.Any("ack", ack))

	return errtrace.Wrap(dlg.Confirm(ctx))
}

// AckSent stores the ACK sent for a 2xx on the client side of the
// dialog and advances the dialog toward confirmed. The stored ACK is
// resent on 2xx retransmissions while the retransmission filter is
// active.
func (dlg *Dialog) AckSent(ctx context.Context, ack *Request) error {
	if !ack.Method.Equal(RequestMethodAck) {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	dlg.mu.Lock()
	dlg.lastAck = ack
	dlg.mu.Unlock()

	dlg.log.LogAttrs(ctx, slog.LevelDebug, "dialog ACK sent", slog.Any("dialog", dlg), slog.Any("ack", ack))

	return errtrace.Wrap(dlg.Confirm(ctx))
}

// LastAck returns the last ACK stored by [Dialog.AckReceived] or
// [Dialog.AckSent].
func (dlg *Dialog) LastAck() *Request {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.lastAck
}

// IsDuplicateAck reports whether the request equals the stored last ACK.
func (dlg *Dialog) IsDuplicateAck(ack *Request) bool {
	dlg.mu.Lock()
	last := dlg.lastAck
	dlg.mu.Unlock()
	if last == nil || ack == nil {
		return false
	}
	return last.Headers.CSeq.Equal(ack.Headers.CSeq) &&
		last.Headers.CallID == ack.Headers.CallID &&
		equalBranch(last, ack) &&
		bytes.Equal(last.Body, ack.Body)
}

func equalBranch(a, b *Request) bool {
	ab, _ := a.Branch()
	bb, _ := b.Branch()
	return ab == bb
}

// AddTransaction binds a transaction to this dialog. A BYE transaction
// bound this way terminates the dialog once the transaction terminates.
func (dlg *Dialog) AddTransaction(tx Transaction) {
	dlg.mu.Lock()
	if dlg.firstTx == nil {
		dlg.firstTx = tx
	}
	dlg.lastTx = tx
	dlg.mu.Unlock()

	req := transactionRequest(tx)
	if req != nil && req.Method.Equal(RequestMethodBye) {
		tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
			if to == TransactionStateTerminated {
				dlg.Terminate(ctx) //nolint:errcheck
			}
		})
	}
}

func transactionRequest(tx Transaction) *Request {
	if v, ok := tx.(interface{ Request() *Request }); ok {
		return v.Request()
	}
	return nil
}

// FirstTransaction returns the transaction that created the dialog.
func (dlg *Dialog) FirstTransaction() Transaction {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.firstTx
}

// LastTransaction returns the most recently bound transaction.
func (dlg *Dialog) LastTransaction() Transaction {
	dlg.mu.Lock()
	defer dlg.mu.Unlock()
	return dlg.lastTx
}

// OnResponse advances the client side of the dialog on responses to its
// dialog-forming request: a tagged 1xx makes the dialog early, a 2xx
// confirms it and captures the route set, a non-2xx final before
// confirmation terminates it.
func (dlg *Dialog) OnResponse(ctx context.Context, res *Response) error {
	if dlg.isServer {
		return errtrace.Wrap(ErrActionNotAllowed)
	}

	toTag, _ := res.Headers.To.Tag()

	switch {
	case res.Status.IsProvisional():
		if res.Status == StatusTrying || toTag == "" {
			return nil
		}
		dlg.SetRemoteTag(toTag)
		if dlg.State() == DialogStateInitial {
			return errtrace.Wrap(dlg.fsm.FireCtx(ctx, dlgEvtEarly))
		}
		return nil

	case res.Status.IsSuccessful():
		dlg.SetRemoteTag(toTag)

		dlg.mu.Lock()
		if !dlg.routeFrozen && len(res.Headers.RecordRoute) > 0 {
			dlg.routeSet = res.Headers.RecordRoute.Reversed()
		}
		if contact, ok := res.Headers.FirstContact(); ok {
			dlg.remoteTarget = contact.URI.Clone()
		}
		dlg.mu.Unlock()

		return errtrace.Wrap(dlg.Confirm(ctx))

	default:
		if dlg.State() == DialogStateConfirmed {
			return nil
		}
		return errtrace.Wrap(dlg.Terminate(ctx))
	}
}

// Confirm moves the dialog to the confirmed state and freezes the route
// set. Confirming an already confirmed dialog is a no-op.
func (dlg *Dialog) Confirm(ctx context.Context) error {
	switch dlg.State() {
	case DialogStateConfirmed:
		return nil
	case DialogStateCompleted, DialogStateTerminated:
		return errtrace.Wrap(ErrDialogTerminated)
	}
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, dlgEvtConfirm))
}

// Complete moves the dialog to the completed state.
func (dlg *Dialog) Complete(ctx context.Context) error {
	if dlg.State() != DialogStateConfirmed {
		return errtrace.Wrap(ErrActionNotAllowed)
	}
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, dlgEvtComplete))
}

// Terminate moves the dialog to the terminated state.
// Terminating an already terminated dialog is a no-op.
func (dlg *Dialog) Terminate(ctx context.Context) error {
	if dlg.State() == DialogStateTerminated {
		return nil
	}
	return errtrace.Wrap(dlg.fsm.FireCtx(ctx, dlgEvtTerminate))
}

func (dlg *Dialog) String() string {
	if dlg == nil {
		return "<nil>"
	}
	return fmt.Sprintf("dialog %s [%s]", dlg.ID(), dlg.State())
}

// LogValue implements [slog.LogValuer].
func (dlg *Dialog) LogValue() slog.Value {
	if dlg == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("id", dlg.ID()),
		slog.Any("state", dlg.State()),
		slog.Bool("is_server", dlg.isServer),
	)
}
