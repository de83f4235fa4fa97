package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/log"
)

// TransactionTable owns the live client and server transactions and the
// dialog store. Matching, addition and removal all happen under one
// table-wide lock so the match-then-mutate sequence of the message
// router stays atomic with respect to concurrent readers.
type TransactionTable struct {
	log *slog.Logger

	mu        sync.Mutex
	clientTxs map[ClientTransactionKey]ClientTransaction
	serverTxs map[ServerTransactionKey]ServerTransaction
	dialogs   map[DialogID]*Dialog
}

// TransactionTableOptions contains options for a transaction table.
type TransactionTableOptions struct {
	// Log is the logger that will be used with the table.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *TransactionTableOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewTransactionTable creates an empty transaction table.
func NewTransactionTable(opts *TransactionTableOptions) *TransactionTable {
	return &TransactionTable{
		log:       opts.log(),
		clientTxs: make(map[ClientTransactionKey]ClientTransaction),
		serverTxs: make(map[ServerTransactionKey]ServerTransaction),
		dialogs:   make(map[DialogID]*Dialog),
	}
}

// AddClientTransaction adds a client transaction to the table.
// It fails with [ErrTransactionAlreadyExists] when the key is taken.
// The transaction is removed automatically once it terminates.
func (tbl *TransactionTable) AddClientTransaction(tx ClientTransaction) error {
	key := tx.Key().normalize()
	if !key.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transaction key"))
	}

	tbl.mu.Lock()
	if _, ok := tbl.clientTxs[key]; ok {
		tbl.mu.Unlock()
		return errtrace.Wrap(ErrTransactionAlreadyExists)
	}
	tbl.clientTxs[key] = tx
	tbl.mu.Unlock()

	tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			tbl.RemoveClientTransaction(tx)
		}
	})

	tbl.log.LogAttrs(context.Background(), slog.LevelDebug, "client transaction added", slog.Any("key", key))
	return nil
}

// RemoveClientTransaction removes a client transaction from the table.
func (tbl *TransactionTable) RemoveClientTransaction(tx ClientTransaction) {
	key := tx.Key().normalize()

	tbl.mu.Lock()
	if cur, ok := tbl.clientTxs[key]; ok && cur == tx {
		delete(tbl.clientTxs, key)
	}
	tbl.mu.Unlock()

	tbl.log.LogAttrs(context.Background(), slog.LevelDebug, "client transaction removed", slog.Any("key", key))
}

// AddServerTransaction adds a server transaction to the table.
// It fails with [ErrTransactionAlreadyExists] when the key is taken:
// at most one server transaction exists per branch and method.
// The transaction is removed automatically once it terminates.
func (tbl *TransactionTable) AddServerTransaction(tx ServerTransaction) error {
	key := tx.Key().normalize()
	if !key.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transaction key"))
	}

	tbl.mu.Lock()
	if _, ok := tbl.serverTxs[key]; ok {
		tbl.mu.Unlock()
		return errtrace.Wrap(ErrTransactionAlreadyExists)
	}
	tbl.serverTxs[key] = tx
	tbl.mu.Unlock()

	tx.OnStateChanged(func(ctx context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			tbl.RemoveServerTransaction(tx)
		}
	})

	tbl.log.LogAttrs(context.Background(), slog.LevelDebug, "server transaction added", slog.Any("key", key))
	return nil
}

// RemoveServerTransaction removes a server transaction from the table.
func (tbl *TransactionTable) RemoveServerTransaction(tx ServerTransaction) {
	key := tx.Key().normalize()

	tbl.mu.Lock()
	if cur, ok := tbl.serverTxs[key]; ok && cur == tx {
		delete(tbl.serverTxs, key)
	}
	tbl.mu.Unlock()

	tbl.log.LogAttrs(context.Background(), slog.LevelDebug, "server transaction removed", slog.Any("key", key))
}

// HasServerTransaction reports whether the table holds a server
// transaction matching the request.
func (tbl *TransactionTable) HasServerTransaction(req *Request) bool {
	_, ok := tbl.FindServerTransaction(req)
	return ok
}

// GetClientTransaction returns the client transaction stored under the
// key.
func (tbl *TransactionTable) GetClientTransaction(key ClientTransactionKey) (ClientTransaction, bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tx, ok := tbl.clientTxs[key.normalize()]
	return tx, ok
}

// FindClientTransaction matches a response to a client transaction per
// RFC 3261 section 17.1.3.
func (tbl *TransactionTable) FindClientTransaction(res *Response) (ClientTransaction, bool) {
	var key ClientTransactionKey
	if err := key.FillFromMessage(res); err != nil {
		return nil, false
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tx, ok := tbl.clientTxs[key.normalize()]
	return tx, ok
}

// FindServerTransaction matches a request to a server transaction per
// RFC 3261 section 17.2.3. ACK matches the INVITE transaction it
// acknowledges by key substitution.
func (tbl *TransactionTable) FindServerTransaction(req *Request) (ServerTransaction, bool) {
	var key ServerTransactionKey
	if err := key.FillFromMessage(req); err != nil {
		return nil, false
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tx, ok := tbl.serverTxs[key.normalize()]
	return tx, ok
}

// FindCancelTarget looks up the INVITE server transaction a CANCEL
// refers to: same branch and sent-by, method substituted per RFC 3261
// section 9.2.
func (tbl *TransactionTable) FindCancelTarget(cancel *Request) (ServerTransaction, bool) {
	if !cancel.Method.Equal(RequestMethodCancel) {
		return nil, false
	}

	var key ServerTransactionKey
	if err := key.FillFromMessage(cancel); err != nil {
		return nil, false
	}
	key.Method = string(RequestMethodInvite)

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tx, ok := tbl.serverTxs[key.normalize()]
	return tx, ok
}

// FindSubscribeTransaction correlates an in-dialog NOTIFY to the
// SUBSCRIBE client transaction that created the subscription: same
// Call-ID, the NOTIFY To tag equals the SUBSCRIBE From tag and the
// event identities match. Used when no dialog match exists.
func (tbl *TransactionTable) FindSubscribeTransaction(notify *Request) (ClientTransaction, bool) {
	if !notify.Method.Equal(RequestMethodNotify) {
		return nil, false
	}

	toTag, _ := notify.Headers.To.Tag()

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for _, tx := range tbl.clientTxs {
		req := tx.Request()
		if req == nil || !req.Method.Equal(RequestMethodSubscribe) {
			continue
		}
		if req.Headers.CallID != notify.Headers.CallID {
			continue
		}
		fromTag, _ := req.Headers.From.Tag()
		if fromTag == "" || fromTag != toTag {
			continue
		}
		if !req.Headers.Event.IsZero() && !req.Headers.Event.Equal(notify.Headers.Event) {
			continue
		}
		return tx, true
	}
	return nil, false
}

// PutDialog stores a dialog. It fails with [ErrDialogAlreadyExists]
// when a dialog with the same ID is present.
func (tbl *TransactionTable) PutDialog(dlg *Dialog) error {
	id := dlg.ID()
	if !id.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid dialog id"))
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if _, ok := tbl.dialogs[id]; ok {
		return errtrace.Wrap(ErrDialogAlreadyExists)
	}
	tbl.dialogs[id] = dlg

	tbl.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog added", slog.Any("id", id))
	return nil
}

// FindDialog looks up a dialog by ID. When the exact ID misses, a
// half-formed ID without the remote tag is tried so early dialogs still
// match before the peer has tagged its side.
func (tbl *TransactionTable) FindDialog(id DialogID) (*Dialog, bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	if dlg, ok := tbl.dialogs[id]; ok {
		return dlg, true
	}
	if id.RemoteTag != "" {
		half := id
		half.RemoteTag = ""
		if dlg, ok := tbl.dialogs[half]; ok {
			return dlg, true
		}
	}
	return nil, false
}

// RemoveDialog removes a dialog from the store.
func (tbl *TransactionTable) RemoveDialog(dlg *Dialog) {
	id := dlg.ID()

	tbl.mu.Lock()
	if cur, ok := tbl.dialogs[id]; ok && cur == dlg {
		delete(tbl.dialogs, id)
	}
	// The dialog may still be stored under its half-formed ID.
	half := id
	half.RemoteTag = ""
	if cur, ok := tbl.dialogs[half]; ok && cur == dlg {
		delete(tbl.dialogs, half)
	}
	tbl.mu.Unlock()

	tbl.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog removed", slog.Any("id", id))
}

// Len returns the numbers of live client transactions, server
// transactions and dialogs.
func (tbl *TransactionTable) Len() (clients, servers, dialogs int) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.clientTxs), len(tbl.serverTxs), len(tbl.dialogs)
}
