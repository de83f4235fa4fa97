package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/log"
)

// ChannelFactory opens message channels toward resolved hops.
// The transport layer implements it; channels may be pooled and reused
// behind this interface.
type ChannelFactory interface {
	CreateMessageChannel(ctx context.Context, hop Hop) (MessageChannel, error)
}

// Provider is the per-listening-point engine façade: it creates client
// and server transactions, sends stateless messages and owns the event
// scanner that feeds the single registered listener.
type Provider struct {
	log     *slog.Logger
	lp      ListeningPoint
	table   *TransactionTable
	router  Router
	chf     ChannelFactory
	timings TimingConfig
	metrics *Metrics
	filter  bool

	maxSrvTxs int

	mr *MessageRouter

	mu       sync.Mutex
	listener Listener
	scanner  *EventScanner
	closed   bool
}

// ProviderOptions contains options for a provider.
type ProviderOptions struct {
	// Table is the transaction table shared with the stack.
	// If nil, the provider gets its own table.
	Table *TransactionTable
	// Router resolves next hops for outbound requests.
	// If nil, a [DefaultRouter] without an outbound proxy is used.
	Router Router
	// Timings is the SIP timing config that will be used with the
	// provider's transactions.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// MaxServerTransactions caps the number of live server transactions
	// in the table. Zero means no limit.
	MaxServerTransactions int
	// Metrics is the metrics sink. Nil disables instrumentation.
	Metrics *Metrics
	// Log is the logger that will be used with the provider.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ProviderOptions) table(logger *slog.Logger) *TransactionTable {
	if o == nil || o.Table == nil {
		return NewTransactionTable(&TransactionTableOptions{Log: logger})
	}
	return o.Table
}

func (o *ProviderOptions) router(logger *slog.Logger) Router {
	if o == nil || o.Router == nil {
		return NewDefaultRouter(&DefaultRouterOptions{Log: logger})
	}
	return o.Router
}

func (o *ProviderOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ProviderOptions) maxServerTxs() int {
	if o == nil || o.MaxServerTransactions < 0 {
		return 0
	}
	return o.MaxServerTransactions
}

func (o *ProviderOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *ProviderOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewProvider creates a provider attached to the listening point.
// Inbound traffic for the listening point must be fed into the
// processor returned by [Provider.Processor].
func NewProvider(lp ListeningPoint, chf ChannelFactory, opts *ProviderOptions) (*Provider, error) {
	if lp.IsZero() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid listening point"))
	}
	if chf == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid channel factory"))
	}

	logger := opts.log()
	p := &Provider{
		log:     logger,
		lp:      lp,
		table:   opts.table(logger),
		router:  opts.router(logger),
		chf:     chf,
		timings: opts.timings(),
		metrics: opts.metrics(),
		// Retransmitted messages are absorbed by the engine. The
		// reference behavior is not configurable.
		filter:    true,
		maxSrvTxs: opts.maxServerTxs(),
	}

	mr, err := NewMessageRouter(p.table, p, &MessageRouterOptions{
		Timings: p.timings,
		Metrics: p.metrics,
		Log:     logger,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	p.mr = mr

	return p, nil
}

// ListeningPoint returns the listening point the provider is attached to.
func (p *Provider) ListeningPoint() ListeningPoint { return p.lp }

// Processor returns the inbound funnel the transport layer feeds parsed
// messages into.
func (p *Provider) Processor() MessageProcessor { return p.mr }

// Table returns the transaction table used by the provider.
func (p *Provider) Table() *TransactionTable { return p.table }

// RetransmissionFilter reports whether retransmitted messages are
// absorbed by the engine instead of being passed to the listener.
// Always true.
func (p *Provider) RetransmissionFilter() bool { return p.filter }

// AddListener registers the listener. A provider has exactly one
// listener: a second registration fails with [ErrTooManyListeners].
func (p *Provider) AddListener(l Listener) error {
	if l == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid listener"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errtrace.Wrap(ErrProviderClosed)
	}
	if p.listener != nil {
		return errtrace.Wrap(ErrTooManyListeners)
	}

	sc, err := NewEventScanner(l, &EventScannerOptions{Log: p.log})
	if err != nil {
		return errtrace.Wrap(err)
	}
	p.listener = l
	p.scanner = sc
	return nil
}

// RemoveListener unregisters the listener and stops its event scanner
// after the in-flight batch completes.
func (p *Provider) RemoveListener() {
	p.mu.Lock()
	sc := p.scanner
	p.listener = nil
	p.scanner = nil
	p.mu.Unlock()

	if sc != nil {
		sc.Stop()
	}
}

// HandleEvent is the sole producer into the event scanner. Without a
// registered listener events are dropped, not buffered. Response and
// timeout events are gated per transaction: a second one is suppressed
// while the first is still queued.
func (p *Provider) HandleEvent(ctx context.Context, evt *PendingEvent) {
	if evt == nil || evt.Event == nil {
		return
	}

	p.mu.Lock()
	sc := p.scanner
	p.mu.Unlock()
	if sc == nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "no listener registered, event dropped", slog.Any("event", evt.Event))
		p.metrics.eventDropped()
		return
	}

	switch evt.Event.(type) {
	case *ResponseEvent, *TimeoutEvent:
		if evt.Transaction != nil && !evt.Transaction.SetEventPending() {
			p.log.LogAttrs(ctx, slog.LevelDebug, "event already pending, dropped", slog.Any("event", evt.Event))
			p.metrics.eventDropped()
			return
		}
	}

	sc.AddEvent(evt)
	p.metrics.eventQueued(evt.Event)
}

// GetNewClientTransaction creates a client transaction for the request
// and sends it toward the first resolvable hop.
//
// The topmost Via gets a fresh RFC 3261 branch unless it already
// carries one. Dialog-creating requests attach to the matching dialog
// or create a new client-side one. CANCEL reuses the channel, branch
// and dialog of the INVITE client transaction it cancels.
func (p *Provider) GetNewClientTransaction(ctx context.Context, req *Request) (ClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if p.isClosed() {
		return nil, errtrace.Wrap(ErrProviderClosed)
	}

	var (
		ch  MessageChannel
		dlg *Dialog
	)

	if req.Method.Equal(RequestMethodCancel) {
		invCh, invReq, invDlg, err := p.cancelOrigin(req)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		ch = invCh
		dlg = invDlg
		req.Transport = invReq.Transport
		req.Destination = invReq.Destination
	} else {
		ensureBranch(req)

		c, hop, err := p.openChannel(ctx, req, false)
		if err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("%w: %w", ErrTransactionUnavailable, err))
		}
		ch = c
		req.Transport = hop.Transport
		req.Destination = hop.Addr

		if isDialogCreating(req.Method) {
			d, err := p.clientDialog(req)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			dlg = d
		}
	}

	tx, err := NewClientTransaction(req, ch, &ClientTransactionOptions{
		Timings: p.timings,
		Log:     p.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := p.table.AddClientTransaction(tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}

	if dlg != nil {
		dlg.AddTransaction(tx)
	}
	p.watchClientTransaction(tx, dlg)

	p.metrics.requestOut(req)
	return tx, nil
}

// cancelOrigin resolves the INVITE client transaction a CANCEL refers
// to by the shared branch, and returns the channel, original request
// and dialog the CANCEL inherits from it.
func (p *Provider) cancelOrigin(cancel *Request) (MessageChannel, *Request, *Dialog, error) {
	branch, ok := cancel.Branch()
	if !ok || branch == "" {
		return nil, nil, nil, errtrace.Wrap(NewInvalidArgumentError("CANCEL must carry the INVITE branch"))
	}

	invTx, ok := p.table.GetClientTransaction(ClientTransactionKey{
		Branch: branch,
		Method: string(RequestMethodInvite),
	})
	if !ok {
		return nil, nil, nil, errtrace.Wrap(ErrTransactionNotFound)
	}

	holder, ok := invTx.(interface{ channel() MessageChannel })
	if !ok || holder.channel() == nil {
		return nil, nil, nil, errtrace.Wrap(ErrTransportClosed)
	}

	var id DialogID
	var dlg *Dialog
	if err := id.FillFromMessage(invTx.Request(), false); err == nil {
		dlg, _ = p.table.FindDialog(id)
	}

	return holder.channel(), invTx.Request(), dlg, nil
}

func (p *Provider) clientDialog(req *Request) (*Dialog, error) {
	var id DialogID
	if err := id.FillFromMessage(req, false); err != nil {
		return nil, errtrace.Wrap(err)
	}

	if dlg, ok := p.table.FindDialog(id); ok {
		return dlg, nil
	}

	dlg, err := NewDialog(req, false, &DialogOptions{Log: p.log})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := p.table.PutDialog(dlg); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return dlg, nil
}

// watchClientTransaction wires the transaction's responses into the
// event path. A single callback advances the dialog before the listener
// sees the event, so buffered responses take the same route.
func (p *Provider) watchClientTransaction(tx ClientTransaction, dlg *Dialog) {
	tx.OnResponse(func(ctx context.Context, tx ClientTransaction, res *Response) {
		if dlg != nil {
			if err := dlg.OnResponse(ctx, res); err != nil {
				p.log.LogAttrs(ctx, slog.LevelDebug, "dialog response handling failed", slog.Any("dialog", dlg), slog.Any("error", err))
			}
		}
		p.HandleEvent(ctx, &PendingEvent{
			Event:       &ResponseEvent{Transaction: tx, Response: res, Dialog: dlg},
			Transaction: tx,
		})
	})
	p.watchTimeout(tx, false)
}

func (p *Provider) watchTimeout(tx Transaction, isServer bool) {
	tx.OnStateChanged(func(ctx context.Context, t Transaction, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		err := t.Err()
		if err == nil {
			return
		}

		kind := TimeoutKindTransport
		if errors.Is(err, ErrTransactionTimedOut) {
			kind = TimeoutKindTimer
		}
		p.HandleEvent(ctx, &PendingEvent{
			Event:       &TimeoutEvent{Transaction: t, IsServer: isServer, Kind: kind},
			Transaction: t,
		})
	})
}

// GetNewServerTransaction claims the provisional server transaction
// created when the request arrived and maps it into the transaction
// table. At most one server transaction exists per key: a duplicate
// claim fails with [ErrTransactionAlreadyExists].
func (p *Provider) GetNewServerTransaction(ctx context.Context, req *Request) (ServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if p.isClosed() {
		return nil, errtrace.Wrap(ErrProviderClosed)
	}

	if p.table.HasServerTransaction(req) {
		return nil, errtrace.Wrap(ErrTransactionAlreadyExists)
	}
	if p.maxSrvTxs > 0 {
		if _, servers, _ := p.table.Len(); servers >= p.maxSrvTxs {
			return nil, errtrace.Wrap(ErrTransactionUnavailable)
		}
	}

	tx, ok := p.mr.TakeServerTransaction(req)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}

	if err := p.table.AddServerTransaction(tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}

	var id DialogID
	if err := id.FillFromMessage(req, true); err == nil {
		if dlg, ok := p.table.FindDialog(id); ok {
			dlg.AddTransaction(tx)
		}
	}

	p.watchTimeout(tx, true)
	return tx, nil
}

// NewServerDialog creates the server side dialog for the transaction.
// The local tag comes from the tagged response the application is about
// to send, since the original request's To header has none.
func (p *Provider) NewServerDialog(tx ServerTransaction, res *Response) (*Dialog, error) {
	if tx == nil || tx.Request() == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction"))
	}

	localTag, _ := res.Headers.To.Tag()
	if localTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing To tag"))
	}

	req := tx.Request()
	dlg, err := NewDialog(req, true, &DialogOptions{
		LocalTag: localTag,
		Log:      p.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	dlg.AddRoute(req)

	if err := p.table.PutDialog(dlg); err != nil {
		return nil, errtrace.Wrap(err)
	}
	dlg.AddTransaction(tx)
	return dlg, nil
}

// SendRequest sends the request statelessly: no transaction is created
// and no retransmission or timeout handling applies. It fails with
// [ErrTransactionAlreadyExists] when a client transaction for the
// request's branch is live, to guard against accidental double-send.
//
// A strict-routing Route set is rewritten per RFC 3261 section 16.12:
// the Request-URI swaps with the first Route entry on a clone, the
// caller's request is left untouched. An in-dialog ACK sent this way is
// stored on the dialog so 2xx retransmissions can be answered.
func (p *Provider) SendRequest(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if p.isClosed() {
		return errtrace.Wrap(ErrProviderClosed)
	}

	var key ClientTransactionKey
	if err := key.FillFromMessage(req); err == nil && key.IsValid() {
		if _, ok := p.table.GetClientTransaction(key); ok {
			return errtrace.Wrap(ErrTransactionAlreadyExists)
		}
	}

	out := req.Clone()
	if first, rest, ok := out.Headers.Route.PopFirst(); ok && !first.URI.IsLooseRouter() {
		rest = append(rest, header.Address{URI: out.URI})
		out.URI = first.URI
		out.Headers.Route = rest
	}

	ch, hop, err := p.openChannel(ctx, out, false)
	if err != nil {
		return errtrace.Wrap(err)
	}
	out.Transport = hop.Transport
	out.Destination = hop.Addr

	if err := ch.SendRequest(ctx, out); err != nil {
		return errtrace.Wrap(err)
	}
	p.metrics.requestOut(out)

	if out.Method.Equal(RequestMethodAck) {
		var id DialogID
		if err := id.FillFromMessage(out, false); err == nil {
			if dlg, ok := p.table.FindDialog(id); ok {
				if err := dlg.AckSent(ctx, out); err != nil {
					p.log.LogAttrs(ctx, slog.LevelDebug, "store sent ACK failed", slog.Any("dialog", dlg), slog.Any("error", err))
				}
			}
		}
	}
	return nil
}

// SendResponse sends the response statelessly toward the sender
// recorded in the topmost Via.
func (p *Provider) SendResponse(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if p.isClosed() {
		return errtrace.Wrap(ErrProviderClosed)
	}

	via, _ := res.Headers.FirstVia()
	addr := via.Addr
	if recv, ok := via.Received(); ok && recv != "" {
		addr.Host = recv
	}

	transport := TransportProto(via.Transport)
	if addr.Port == 0 {
		addr.Port = transport.DefaultPort()
	}

	ch, err := p.chf.CreateMessageChannel(ctx, Hop{Transport: transport, Addr: addr})
	if err != nil {
		return errtrace.Wrap(err)
	}

	res.Transport = transport
	res.Destination = addr
	if err := ch.SendResponse(ctx, res); err != nil {
		return errtrace.Wrap(err)
	}
	p.metrics.responseOut(res)
	return nil
}

// Stop closes the provider: provisional transactions are terminated and
// the event scanner exits after the in-flight batch. Live transactions
// in the shared table are left to run out.
func (p *Provider) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sc := p.scanner
	p.listener = nil
	p.scanner = nil
	p.mu.Unlock()

	p.mr.Stop(ctx)
	if sc != nil {
		sc.Stop()
	}

	p.log.LogAttrs(ctx, slog.LevelDebug, "provider stopped", slog.Any("listening_point", p.lp))
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// openChannel resolves next hops for the request and opens a channel to
// the first reachable one.
func (p *Provider) openChannel(ctx context.Context, req *Request, inDialog bool) (MessageChannel, Hop, error) {
	hops, err := p.router.GetNextHops(ctx, req, inDialog)
	if err != nil {
		return nil, Hop{}, errtrace.Wrap(err)
	}

	for _, hop := range hops {
		ch, err := p.chf.CreateMessageChannel(ctx, hop)
		if err != nil {
			p.log.LogAttrs(ctx, slog.LevelDebug, "open channel failed", slog.Any("hop", hop), slog.Any("error", err))
			continue
		}
		return ch, hop, nil
	}
	return nil, Hop{}, errtrace.Wrap(ErrNoTarget)
}

// ensureBranch stamps a fresh RFC 3261 branch on the topmost Via unless
// one is already set.
func ensureBranch(req *Request) {
	if len(req.Headers.Via) == 0 {
		return
	}
	if branch, ok := req.Branch(); ok && IsRFC3261Branch(branch) {
		return
	}
	req.Headers.Via[0].Params = req.Headers.Via[0].Params.Set("branch", GenerateBranch())
}

// isDialogCreating reports whether the method establishes a dialog.
func isDialogCreating(m RequestMethod) bool {
	return m.Equal(RequestMethodInvite) ||
		m.Equal(RequestMethodSubscribe) ||
		m.Equal(RequestMethodRefer)
}
