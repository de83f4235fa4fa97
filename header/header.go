// Package header contains the SIP header field values the engine
// consumes. The types are plain value objects: wire-level parsing and
// encoding happen outside this module, the engine only reads and
// rewrites already-parsed values.
package header

import (
	"fmt"
	"maps"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Values is a set of header field parameters.
type Values map[string]string

func (v Values) Get(name string) (string, bool) {
	val, ok := v[util.LCase(name)]
	return val, ok
}

func (v Values) Set(name, val string) Values {
	v[util.LCase(name)] = val
	return v
}

func (v Values) Has(name string) bool {
	_, ok := v[util.LCase(name)]
	return ok
}

func (v Values) Del(name string) Values {
	delete(v, util.LCase(name))
	return v
}

// Clone returns a copy of the parameter set.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Equal compares parameter sets for equality.
func (v Values) Equal(val any) bool {
	var other Values
	switch o := val.(type) {
	case Values:
		other = o
	case *Values:
		if o == nil {
			return false
		}
		other = *o
	default:
		return false
	}
	return maps.Equal(v, other)
}

// HostPort is a network address in host[:port] form.
// A zero Port means the port is absent and transport defaults apply.
type HostPort struct {
	Host string `json:"host"`
	Port uint16 `json:"port,omitempty"`
}

func (hp HostPort) String() string {
	if hp.Port == 0 {
		return hp.Host
	}
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// Equal compares addresses under case-insensitive host matching.
func (hp HostPort) Equal(val any) bool {
	var other HostPort
	switch o := val.(type) {
	case HostPort:
		other = o
	case *HostPort:
		if o == nil {
			return false
		}
		other = *o
	default:
		return false
	}
	return util.EqFold(hp.Host, other.Host) && hp.Port == other.Port
}

func (hp HostPort) IsZero() bool { return hp.Host == "" && hp.Port == 0 }

// MaxForwards is the Max-Forwards header field value.
type MaxForwards uint32

// CallID is the Call-ID header field value.
type CallID string

func (id CallID) String() string { return string(id) }

// Event is the Event header field value (RFC 6665). The engine uses it
// only to correlate a NOTIFY with the SUBSCRIBE that created the
// subscription.
type Event struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func (e Event) String() string {
	if e.ID == "" {
		return e.Type
	}
	return e.Type + ";id=" + e.ID
}

// Equal compares event identities per RFC 6665: the event type is
// case-insensitive, the id token is not.
func (e Event) Equal(val any) bool {
	var other Event
	switch o := val.(type) {
	case Event:
		other = o
	case *Event:
		if o == nil {
			return false
		}
		other = *o
	default:
		return false
	}
	return util.EqFold(e.Type, other.Type) && e.ID == other.ID
}

func (e Event) IsZero() bool { return e.Type == "" && e.ID == "" }

func quoteJoin(vals []string) string {
	return strings.Join(vals, ",")
}
