package header

import (
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Via represents the Via header field: the chain of hops a request has
// passed through, topmost entry first.
type Via []ViaHop

// First returns the topmost hop.
func (hdr Via) First() (ViaHop, bool) {
	if len(hdr) == 0 {
		return ViaHop{}, false
	}
	return hdr[0], true
}

// Clone returns a deep copy of the header.
func (hdr Via) Clone() Via {
	if hdr == nil {
		return nil
	}
	out := make(Via, len(hdr))
	for i, hop := range hdr {
		out[i] = hop.Clone()
	}
	return out
}

// Equal compares this header with another for equality.
func (hdr Via) Equal(val any) bool {
	var other Via
	switch v := val.(type) {
	case Via:
		other = v
	case *Via:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	if len(hdr) != len(other) {
		return false
	}
	for i := range hdr {
		if !hdr[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// ViaHop is a single entry of the Via header field.
type ViaHop struct {
	// Transport is the transport protocol token ("UDP", "TCP", ...).
	Transport string `json:"transport"`
	// Addr is the sent-by host and optional port.
	Addr HostPort `json:"addr"`
	// Params are the header field parameters (branch, received, rport, maddr).
	Params Values `json:"params,omitempty"`
}

// Branch returns the branch parameter value.
func (hop ViaHop) Branch() (string, bool) {
	if hop.Params == nil {
		return "", false
	}
	return hop.Params.Get("branch")
}

// Received returns the received parameter value.
func (hop ViaHop) Received() (string, bool) {
	if hop.Params == nil {
		return "", false
	}
	return hop.Params.Get("received")
}

// MAddr returns the maddr parameter value.
func (hop ViaHop) MAddr() (string, bool) {
	if hop.Params == nil {
		return "", false
	}
	return hop.Params.Get("maddr")
}

// String renders the hop in a canonical form: parameters are sorted so
// equal hops always render identically.
func (hop ViaHop) String() string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0/")
	sb.WriteString(util.UCase(hop.Transport))
	sb.WriteByte(' ')
	sb.WriteString(hop.Addr.String())
	for _, k := range slices.Sorted(maps.Keys(hop.Params)) {
		sb.WriteByte(';')
		sb.WriteString(k)
		if v := hop.Params[k]; v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// Clone returns a copy of the hop.
func (hop ViaHop) Clone() ViaHop {
	out := hop
	out.Params = hop.Params.Clone()
	return out
}

// Equal compares hops: transport and sent-by are case-insensitive,
// parameters must match exactly.
func (hop ViaHop) Equal(val any) bool {
	var other ViaHop
	switch v := val.(type) {
	case ViaHop:
		other = v
	case *ViaHop:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return util.EqFold(hop.Transport, other.Transport) &&
		hop.Addr.Equal(other.Addr) &&
		hop.Params.Equal(other.Params)
}

func (hop ViaHop) IsValid() bool {
	return hop.Transport != "" && hop.Addr.Host != ""
}

// LogValue implements [slog.LogValuer].
func (hop ViaHop) LogValue() slog.Value {
	branch, _ := hop.Branch()
	return slog.GroupValue(
		slog.String("transport", hop.Transport),
		slog.String("addr", hop.Addr.String()),
		slog.String("branch", branch),
	)
}
