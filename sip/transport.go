package sip

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipcore/header"
)

// ListeningPoint describes a local transport endpoint a provider is
// attached to.
type ListeningPoint struct {
	Addr      header.HostPort `json:"addr"`
	Transport TransportProto  `json:"transport"`
}

// IsReliable reports whether the listening point transport guarantees
// delivery.
func (lp ListeningPoint) IsReliable() bool {
	return lp.Transport.IsReliable()
}

func (lp ListeningPoint) IsZero() bool {
	return lp.Addr.IsZero() && lp.Transport == ""
}

// Equal compares listening points.
func (lp ListeningPoint) Equal(other ListeningPoint) bool {
	return lp.Addr.Equal(other.Addr) && lp.Transport.Equal(other.Transport)
}

func (lp ListeningPoint) String() string {
	return string(lp.Transport) + "/" + lp.Addr.String()
}

// LogValue implements [slog.LogValuer].
func (lp ListeningPoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", lp.Addr.String()),
		slog.String("transport", string(lp.Transport)),
	)
}

// MessageChannel sends messages toward the network. Implementations
// wrap a socket bound to a listening point; the engine never touches
// the wire itself.
type MessageChannel interface {
	// SendRequest sends the request to its destination address.
	SendRequest(ctx context.Context, req *Request) error
	// SendResponse sends the response to its destination address.
	SendResponse(ctx context.Context, res *Response) error
	// ListeningPoint returns the local endpoint the channel is bound to.
	ListeningPoint() ListeningPoint
}

// IsReliableTransport reports whether the channel transport guarantees
// delivery. Unreliable transports enable the retransmission timers.
func IsReliableTransport(ch MessageChannel) bool {
	if ch == nil {
		return false
	}
	return ch.ListeningPoint().IsReliable()
}

// MessageProcessor receives parsed messages from the transport layer
// and feeds them into the engine. [MessageRouter] implements it.
type MessageProcessor interface {
	// ProcessRequest handles a single inbound request arrived on the channel.
	ProcessRequest(ctx context.Context, req *Request, ch MessageChannel) error
	// ProcessResponse handles a single inbound response arrived on the channel.
	ProcessResponse(ctx context.Context, res *Response, ch MessageChannel) error
}

// Hop is a resolved next-hop network target for an outbound request.
type Hop struct {
	Transport TransportProto  `json:"transport"`
	Addr      header.HostPort `json:"addr"`
}

func (h Hop) IsZero() bool { return h.Addr.IsZero() && h.Transport == "" }

// LogValue implements [slog.LogValuer].
func (h Hop) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("transport", string(h.Transport)),
		slog.String("addr", h.Addr.String()),
	)
}
