package sip

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/types"
)

// TransactionState is a state of the transaction state machine.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType identifies the transaction state machine variant.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// Transaction represents a SIP transaction.
type Transaction interface {
	// Type returns the transaction state machine variant.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Context returns the transaction context. It is canceled when the
	// transaction terminates.
	Context() context.Context
	// Terminate forces the transaction into the terminated state.
	Terminate(ctx context.Context) error
	// Done returns a channel closed when the transaction terminates.
	Done() <-chan struct{}
	// Err returns the terminal error of the transaction: nil on normal
	// completion, [ErrTransactionTimedOut] on timeout or the transport
	// error that killed it.
	Err() error
	// OnStateChanged registers a callback invoked on every state
	// transition.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// SetEventPending marks that an event for this transaction is
	// queued but not yet delivered. It reports false when an event is
	// already pending, which suppresses queuing a duplicate.
	SetEventPending() bool
	// ClearEventPending clears the pending-event mark.
	ClearEventPending()
	// IsEventPending reports whether an event is queued but not yet
	// delivered.
	IsEventPending() bool
}

type TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)

// RequestHandler handles a request passed up by a transaction.
type RequestHandler = func(ctx context.Context, req *Request)

const transactCtxKey types.ContextKey = "transaction"

// TransactionFromContext returns the transaction bound to the context.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactCtxKey).(Transaction)
	return tx, ok
}

// Events shared by all transaction state machines.
const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transport_err"
)

type transactImpl interface {
	Transaction
}

type baseTransact struct {
	typ  TransactionType
	impl transactImpl
	fsm  *stateless.StateMachine

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error

	eventPending atomic.Bool

	onState types.CallbackManager[TransactionStateHandler]
}

func newBaseTransact(
	ctx context.Context,
	typ TransactionType,
	impl transactImpl,
	logger *slog.Logger,
) *baseTransact {
	ctx = context.WithValue(ctx, transactCtxKey, impl)
	ctx, cancel := context.WithCancel(ctx)
	return &baseTransact{
		typ:    typ,
		impl:   impl,
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
		done:   make(chan struct{}),
	}
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	tx.fsm = stateless.NewStateMachine(start)
	tx.fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeFor[error]())
	tx.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}
		tx.onState.Range(func(fn TransactionStateHandler) {
			fn(ctx, tx.impl, from, to)
		})
	})
	return nil
}

// Type returns the transaction state machine variant.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	st, _ := tx.fsm.MustState().(TransactionState)
	return st
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Done returns a channel closed when the transaction terminates.
func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Err returns the terminal error of the transaction.
func (tx *baseTransact) Err() error {
	tx.errMu.Lock()
	defer tx.errMu.Unlock()
	return tx.err
}

func (tx *baseTransact) setErr(err error) {
	tx.errMu.Lock()
	defer tx.errMu.Unlock()
	if tx.err == nil {
		tx.err = err
	}
}

// Terminate forces the transaction into the terminated state.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

// OnStateChanged registers a callback invoked on every state transition.
// The callback can be canceled by calling the returned cancel function.
// Multiple callbacks can be registered.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// SetEventPending marks that an event for this transaction is queued.
// It reports false when an event is already pending.
func (tx *baseTransact) SetEventPending() bool {
	return tx.eventPending.CompareAndSwap(false, true)
}

// ClearEventPending clears the pending-event mark.
func (tx *baseTransact) ClearEventPending() {
	tx.eventPending.Store(false)
}

// IsEventPending reports whether an event is queued but not yet delivered.
func (tx *baseTransact) IsEventPending() bool {
	return tx.eventPending.Load()
}

func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.setErr(ErrTransactionTimedOut)
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)

	tx.setErr(err)
	return nil
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.doneOnce.Do(func() { close(tx.done) })
	tx.cancel()
	return nil
}
