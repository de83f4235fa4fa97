// Package sip implements the SIP transaction and dialog layer defined
// by RFC 3261: transaction matching, the client and server transaction
// state machines, dialog state tracking and event delivery to the
// application.
package sip

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ghettovoice/sipcore/internal/util"
)

// MagicCookie is the RFC 3261 branch prefix. A branch parameter
// starting with it marks the request as generated by an RFC 3261
// compliant element.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether the branch value carries the RFC 3261
// magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch returns a new unique branch parameter value prefixed
// with the magic cookie.
func GenerateBranch() string {
	return MagicCookie + util.RandStringLC(24)
}

// GenerateTag returns a new tag parameter value for From/To headers.
func GenerateTag() string {
	return util.RandStringLC(16)
}

// GenerateCallID returns a new globally unique Call-ID value.
func GenerateCallID() string {
	return uuid.NewString()
}

// RequestMethod is a SIP request method token.
type RequestMethod string

const (
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
	RequestMethodPrack     RequestMethod = "PRACK"
)

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return util.EqFold(m, other)
}

func (m RequestMethod) String() string { return string(m) }

// IsValid reports whether the method token is non-empty.
func (m RequestMethod) IsValid() bool { return m != "" }

// ResponseStatus is a SIP response status code.
type ResponseStatus int

// Common response status codes.
const (
	StatusTrying               ResponseStatus = 100
	StatusRinging              ResponseStatus = 180
	StatusSessionProgress      ResponseStatus = 183
	StatusOK                   ResponseStatus = 200
	StatusAccepted             ResponseStatus = 202
	StatusBadRequest           ResponseStatus = 400
	StatusUnauthorized         ResponseStatus = 401
	StatusForbidden            ResponseStatus = 403
	StatusNotFound             ResponseStatus = 404
	StatusProxyAuthRequired    ResponseStatus = 407
	StatusRequestTimeout       ResponseStatus = 408
	StatusBusyHere             ResponseStatus = 486
	StatusRequestTerminated    ResponseStatus = 487
	StatusInternalServerError  ResponseStatus = 500
	StatusNotImplemented       ResponseStatus = 501
	StatusServiceUnavailable   ResponseStatus = 503
	StatusServerTimeout        ResponseStatus = 504
	StatusBusyEverywhere       ResponseStatus = 600
	StatusDeclined             ResponseStatus = 603
)

// IsProvisional reports whether the status is in the 1xx class.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether the status is in the 2xx class.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsFinal reports whether the status is a final response.
func (s ResponseStatus) IsFinal() bool { return s >= 200 && s <= 699 }

// IsValid reports whether the status is within the SIP status range.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s <= 699 }

var statusReasons = map[ResponseStatus]string{
	StatusTrying:              "Trying",
	StatusRinging:             "Ringing",
	StatusSessionProgress:     "Session Progress",
	StatusOK:                  "OK",
	StatusAccepted:            "Accepted",
	StatusBadRequest:          "Bad Request",
	StatusUnauthorized:        "Unauthorized",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusProxyAuthRequired:   "Proxy Authentication Required",
	StatusRequestTimeout:      "Request Timeout",
	StatusBusyHere:            "Busy Here",
	StatusRequestTerminated:   "Request Terminated",
	StatusInternalServerError: "Server Internal Error",
	StatusNotImplemented:      "Not Implemented",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusServerTimeout:       "Server Time-out",
	StatusBusyEverywhere:      "Busy Everywhere",
	StatusDeclined:            "Decline",
}

// Reason returns the default reason phrase for the status.
func (s ResponseStatus) Reason() string {
	if r, ok := statusReasons[s]; ok {
		return r
	}
	switch {
	case s.IsProvisional():
		return "Provisional"
	case s.IsSuccessful():
		return "Success"
	case s < 400:
		return "Redirection"
	case s < 500:
		return "Client Error"
	case s < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

// TransportProto is a transport protocol token as it appears in Via.
type TransportProto string

const (
	TransportUDP TransportProto = "UDP"
	TransportTCP TransportProto = "TCP"
	TransportTLS TransportProto = "TLS"
	TransportWS  TransportProto = "WS"
	TransportWSS TransportProto = "WSS"
)

func (t TransportProto) String() string { return string(t) }

// Equal compares transports case-insensitively.
func (t TransportProto) Equal(other TransportProto) bool {
	return util.EqFold(t, other)
}

// IsReliable reports whether the transport guarantees delivery.
// Unreliable transports enable the retransmission timers of RFC 3261.
func (t TransportProto) IsReliable() bool {
	return !util.EqFold(t, TransportUDP)
}

// DefaultPort returns the default port for the transport.
func (t TransportProto) DefaultPort() uint16 {
	switch {
	case util.EqFold(t, TransportTLS), util.EqFold(t, TransportWSS):
		return 5061
	case util.EqFold(t, TransportWS):
		return 80
	default:
		return 5060
	}
}
