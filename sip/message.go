package sip

import (
	"fmt"
	"log/slog"
	"slices"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
)

// Message is a SIP request or response consumed by the engine.
// Messages arrive already parsed: wire encoding and decoding happen in
// the transport layer outside this package.
type Message interface {
	// Validate checks that the message carries the mandatory headers.
	Validate() error

	isMessage()
}

// GetMessageHeaders returns the header set of the message.
func GetMessageHeaders(msg Message) *Headers {
	switch m := msg.(type) {
	case *Request:
		return &m.Headers
	case *Response:
		return &m.Headers
	default:
		return nil
	}
}

// Headers is the set of header field values the engine reads.
type Headers struct {
	Via         header.Via         `json:"via,omitempty"`
	From        header.Address     `json:"from"`
	To          header.Address     `json:"to"`
	CallID      header.CallID      `json:"call_id"`
	CSeq        header.CSeq        `json:"cseq"`
	MaxForwards header.MaxForwards `json:"max_forwards,omitempty"`
	Contact     []header.Address   `json:"contact,omitempty"`
	Route       header.RouteSet    `json:"route,omitempty"`
	RecordRoute header.RouteSet    `json:"record_route,omitempty"`
	Event       header.Event       `json:"event,omitzero"`
	Expires     uint32             `json:"expires,omitempty"`

	WWWAuthenticate    header.Challenge   `json:"www_authenticate,omitzero"`
	ProxyAuthenticate  header.Challenge   `json:"proxy_authenticate,omitzero"`
	Authorization      header.Credentials `json:"authorization,omitzero"`
	ProxyAuthorization header.Credentials `json:"proxy_authorization,omitzero"`

	ContentType string `json:"content_type,omitempty"`
	// Extra holds header fields the engine passes through untouched.
	Extra header.Values `json:"extra,omitempty"`
}

// FirstVia returns the topmost Via hop.
func (h *Headers) FirstVia() (header.ViaHop, bool) {
	return h.Via.First()
}

// Branch returns the branch parameter of the topmost Via hop.
func (h *Headers) Branch() (string, bool) {
	via, ok := h.Via.First()
	if !ok {
		return "", false
	}
	return via.Branch()
}

// FirstContact returns the first Contact entry.
func (h *Headers) FirstContact() (header.Address, bool) {
	if len(h.Contact) == 0 {
		return header.Address{}, false
	}
	return h.Contact[0], true
}

// Clone returns a deep copy of the header set.
func (h *Headers) Clone() Headers {
	out := *h
	out.Via = h.Via.Clone()
	out.From = h.From.Clone()
	out.To = h.To.Clone()
	if h.Contact != nil {
		out.Contact = make([]header.Address, len(h.Contact))
		for i, c := range h.Contact {
			out.Contact[i] = c.Clone()
		}
	}
	out.Route = h.Route.Clone()
	out.RecordRoute = h.RecordRoute.Clone()
	out.WWWAuthenticate = h.WWWAuthenticate.Clone()
	out.ProxyAuthenticate = h.ProxyAuthenticate.Clone()
	out.Extra = h.Extra.Clone()
	return out
}

// Validate checks that the mandatory headers of RFC 3261 section 8.1.1
// are present.
func (h *Headers) Validate() error {
	switch {
	case len(h.Via) == 0,
		!h.Via[0].IsValid(),
		!h.From.IsValid(),
		!h.To.IsValid(),
		h.CallID == "",
		!h.CSeq.IsValid():
		return errtrace.Wrap(errMissHdrs)
	}
	return nil
}

// Request is an inbound or outbound SIP request.
type Request struct {
	Method  RequestMethod `json:"method"`
	URI     header.URI    `json:"uri"`
	Headers Headers       `json:"headers"`
	Body    []byte        `json:"body,omitempty"`

	// Transport is the transport the request arrived on or should leave by.
	Transport TransportProto `json:"transport,omitempty"`
	// Source is the remote address the request arrived from.
	Source header.HostPort `json:"source,omitzero"`
	// Destination is the remote address the request should be sent to.
	Destination header.HostPort `json:"destination,omitzero"`
}

func (req *Request) isMessage() {}

// Validate checks that the request is well formed.
func (req *Request) Validate() error {
	if req == nil {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	if !req.Method.IsValid() || !req.URI.IsValid() {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	if err := req.Headers.Validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if !req.Method.Equal(RequestMethod(req.Headers.CSeq.Method)) {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	return nil
}

// IsValid reports whether the request passes validation.
func (req *Request) IsValid() bool { return req.Validate() == nil }

// Branch returns the branch parameter of the topmost Via hop.
func (req *Request) Branch() (string, bool) {
	return req.Headers.Branch()
}

// Clone returns a deep copy of the request.
func (req *Request) Clone() *Request {
	if req == nil {
		return nil
	}
	out := *req
	out.URI = req.URI.Clone()
	out.Headers = req.Headers.Clone()
	out.Body = slices.Clone(req.Body)
	return &out
}

// NewResponse builds a response to the request per RFC 3261 section
// 8.2.6: Via, From, To, Call-ID and CSeq are copied from the request,
// Record-Route is mirrored on dialog-forming responses.
func (req *Request) NewResponse(sts ResponseStatus, reason string) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !sts.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid response status"))
	}
	if reason == "" {
		reason = sts.Reason()
	}

	res := &Response{
		Status:      sts,
		Reason:      reason,
		Transport:   req.Transport,
		Destination: req.Source,
		Headers: Headers{
			Via:         req.Headers.Via.Clone(),
			From:        req.Headers.From.Clone(),
			To:          req.Headers.To.Clone(),
			CallID:      req.Headers.CallID,
			CSeq:        req.Headers.CSeq,
			RecordRoute: req.Headers.RecordRoute.Clone(),
		},
	}
	return res, nil
}

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	branch, _ := req.Branch()
	return slog.GroupValue(
		slog.String("method", string(req.Method)),
		slog.String("uri", req.URI.String()),
		slog.String("call_id", string(req.Headers.CallID)),
		slog.String("branch", branch),
	)
}

func (req *Request) String() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s", req.Method, req.URI)
}

// Response is an inbound or outbound SIP response.
type Response struct {
	Status  ResponseStatus `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Headers Headers        `json:"headers"`
	Body    []byte         `json:"body,omitempty"`

	// Transport is the transport the response arrived on or should leave by.
	Transport TransportProto `json:"transport,omitempty"`
	// Source is the remote address the response arrived from.
	Source header.HostPort `json:"source,omitzero"`
	// Destination is the remote address the response should be sent to.
	Destination header.HostPort `json:"destination,omitzero"`
}

func (res *Response) isMessage() {}

// Validate checks that the response is well formed.
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	if !res.Status.IsValid() {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	return errtrace.Wrap(res.Headers.Validate())
}

// IsValid reports whether the response passes validation.
func (res *Response) IsValid() bool { return res.Validate() == nil }

// Branch returns the branch parameter of the topmost Via hop.
func (res *Response) Branch() (string, bool) {
	return res.Headers.Branch()
}

// Clone returns a deep copy of the response.
func (res *Response) Clone() *Response {
	if res == nil {
		return nil
	}
	out := *res
	out.Headers = res.Headers.Clone()
	out.Body = slices.Clone(res.Body)
	return &out
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	branch, _ := res.Branch()
	return slog.GroupValue(
		slog.Int("status", int(res.Status)),
		slog.String("call_id", string(res.Headers.CallID)),
		slog.String("cseq", res.Headers.CSeq.String()),
		slog.String("branch", branch),
	)
}

func (res *Response) String() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d %s", res.Status, res.Reason)
}
