package header

import (
	"fmt"
	"log/slog"

	"github.com/ghettovoice/sipcore/internal/util"
)

// URI is a SIP(S) URI stripped down to the parts the engine reads:
// scheme, user, host, port and URI parameters. The full URI grammar is
// handled by the parsing layer outside this module.
type URI struct {
	Scheme string   `json:"scheme"`
	User   string   `json:"user,omitempty"`
	Addr   HostPort `json:"addr"`
	Params Values   `json:"params,omitempty"`
}

func (u URI) String() string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	s := scheme + ":"
	if u.User != "" {
		s += u.User + "@"
	}
	s += u.Addr.String()
	for k, v := range u.Params {
		if v == "" {
			s += ";" + k
		} else {
			s += fmt.Sprintf(";%s=%s", k, v)
		}
	}
	return s
}

// IsLooseRouter reports whether the URI carries the "lr" parameter.
func (u URI) IsLooseRouter() bool {
	return u.Params.Has("lr")
}

// Clone returns a copy of the URI.
func (u URI) Clone() URI {
	out := u
	out.Params = u.Params.Clone()
	return out
}

// Equal compares URIs: scheme and host are case-insensitive, the user
// part is not.
func (u URI) Equal(val any) bool {
	var other URI
	switch v := val.(type) {
	case URI:
		other = v
	case *URI:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return util.EqFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		u.Addr.Equal(other.Addr) &&
		u.Params.Equal(other.Params)
}

func (u URI) IsValid() bool { return u.Addr.Host != "" }

// Address is a name-addr header field value: From, To, Contact, Route
// and Record-Route all share this shape.
type Address struct {
	DisplayName string `json:"display_name,omitempty"`
	URI         URI    `json:"uri"`
	Params      Values `json:"params,omitempty"`
}

// Tag returns the tag parameter value.
func (a Address) Tag() (string, bool) {
	if a.Params == nil {
		return "", false
	}
	return a.Params.Get("tag")
}

// WithTag returns a copy of the address with the tag parameter set.
func (a Address) WithTag(tag string) Address {
	out := a.Clone()
	if out.Params == nil {
		out.Params = make(Values)
	}
	out.Params.Set("tag", tag)
	return out
}

func (a Address) String() string {
	if a.DisplayName == "" {
		return "<" + a.URI.String() + ">"
	}
	return fmt.Sprintf("%q <%s>", a.DisplayName, a.URI.String())
}

// Clone returns a copy of the address.
func (a Address) Clone() Address {
	out := a
	out.URI = a.URI.Clone()
	out.Params = a.Params.Clone()
	return out
}

// Equal compares addresses; the display name is ignored per RFC 3261.
func (a Address) Equal(val any) bool {
	var other Address
	switch v := val.(type) {
	case Address:
		other = v
	case *Address:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return a.URI.Equal(other.URI) && a.Params.Equal(other.Params)
}

func (a Address) IsValid() bool { return a.URI.IsValid() }

// LogValue implements [slog.LogValuer].
func (a Address) LogValue() slog.Value {
	tag, _ := a.Tag()
	return slog.GroupValue(
		slog.String("uri", a.URI.String()),
		slog.String("tag", tag),
	)
}
