package sip

import (
	"context"
	"log/slog"
)

// SipEvent is an event delivered to the application listener.
type SipEvent interface {
	isSipEvent()
}

// RequestEvent carries an inbound request. A nil Transaction signals
// stateless delivery: no server transaction was provisioned for the
// request and the listener may create one explicitly.
type RequestEvent struct {
	Transaction ServerTransaction
	Request     *Request
	Dialog      *Dialog
}

func (*RequestEvent) isSipEvent() {}

// LogValue implements [slog.LogValuer].
func (evt *RequestEvent) LogValue() slog.Value {
	if evt == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("request", evt.Request),
		slog.Bool("stateful", evt.Transaction != nil),
	)
}

// ResponseEvent carries an inbound response. A nil Transaction signals
// stateless delivery: the response matched no client transaction.
type ResponseEvent struct {
	Transaction ClientTransaction
	Response    *Response
	Dialog      *Dialog
}

func (*ResponseEvent) isSipEvent() {}

// LogValue implements [slog.LogValuer].
func (evt *ResponseEvent) LogValue() slog.Value {
	if evt == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("response", evt.Response),
		slog.Bool("stateful", evt.Transaction != nil),
	)
}

// TimeoutKind distinguishes a protocol timeout from a transport error.
// Both travel the same event path: from the application's perspective
// they are indistinguishable failures of the transaction.
type TimeoutKind string

const (
	TimeoutKindTimer     TimeoutKind = "timer"
	TimeoutKindTransport TimeoutKind = "transport"
)

// TimeoutEvent reports a timed-out or transport-failed transaction.
type TimeoutEvent struct {
	Transaction Transaction
	IsServer    bool
	Kind        TimeoutKind
}

func (*TimeoutEvent) isSipEvent() {}

// LogValue implements [slog.LogValuer].
func (evt *TimeoutEvent) LogValue() slog.Value {
	if evt == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("transaction", evt.Transaction),
		slog.Bool("is_server", evt.IsServer),
		slog.String("kind", string(evt.Kind)),
	)
}

// PendingEvent is the unit queued into the event scanner.
type PendingEvent struct {
	Event SipEvent
	// Transaction is the transaction the event belongs to, nil for
	// stateless deliveries.
	Transaction Transaction
}

// Listener receives the serialized event stream of a provider.
// Exactly one listener is registered per provider; all callbacks are
// invoked from the provider's single scanner goroutine.
type Listener interface {
	ProcessRequest(ctx context.Context, evt *RequestEvent)
	ProcessResponse(ctx context.Context, evt *ResponseEvent)
	ProcessTimeout(ctx context.Context, evt *TimeoutEvent)
}
