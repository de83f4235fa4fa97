package header

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Challenge is a WWW-Authenticate or Proxy-Authenticate header field
// value for the Digest scheme (RFC 2617).
type Challenge struct {
	Realm     string   `json:"realm"`
	Nonce     string   `json:"nonce"`
	Opaque    string   `json:"opaque,omitempty"`
	Algorithm string   `json:"algorithm,omitempty"`
	QOP       []string `json:"qop,omitempty"`
	Stale     bool     `json:"stale,omitempty"`
}

// SupportsQOP reports whether the challenge offers the given
// quality-of-protection token.
func (c Challenge) SupportsQOP(qop string) bool {
	for _, v := range c.QOP {
		if util.EqFold(v, qop) {
			return true
		}
	}
	return false
}

// Clone returns a copy of the challenge.
func (c Challenge) Clone() Challenge {
	out := c
	if c.QOP != nil {
		out.QOP = make([]string, len(c.QOP))
		copy(out.QOP, c.QOP)
	}
	return out
}

func (c Challenge) IsZero() bool { return c.Realm == "" && c.Nonce == "" }

func (c Challenge) String() string {
	var sb strings.Builder
	sb.WriteString("Digest ")
	fmt.Fprintf(&sb, "realm=%q,nonce=%q", c.Realm, c.Nonce)
	if c.Opaque != "" {
		fmt.Fprintf(&sb, ",opaque=%q", c.Opaque)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&sb, ",algorithm=%s", c.Algorithm)
	}
	if len(c.QOP) > 0 {
		fmt.Fprintf(&sb, ",qop=%q", quoteJoin(c.QOP))
	}
	if c.Stale {
		sb.WriteString(",stale=true")
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (c Challenge) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("realm", c.Realm),
		slog.String("qop", quoteJoin(c.QOP)),
		slog.Bool("stale", c.Stale),
	)
}

// Credentials is an Authorization or Proxy-Authorization header field
// value for the Digest scheme.
type Credentials struct {
	Username  string `json:"username"`
	Realm     string `json:"realm"`
	Nonce     string `json:"nonce"`
	URI       string `json:"uri"`
	Response  string `json:"response"`
	Opaque    string `json:"opaque,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	QOP       string `json:"qop,omitempty"`
	CNonce    string `json:"cnonce,omitempty"`
	NonceCnt  uint32 `json:"nc,omitempty"`
}

func (c Credentials) String() string {
	var sb strings.Builder
	sb.WriteString("Digest ")
	fmt.Fprintf(&sb, "username=%q,realm=%q,nonce=%q,uri=%q,response=%q",
		c.Username, c.Realm, c.Nonce, c.URI, c.Response)
	if c.Opaque != "" {
		fmt.Fprintf(&sb, ",opaque=%q", c.Opaque)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&sb, ",algorithm=%s", c.Algorithm)
	}
	if c.QOP != "" {
		fmt.Fprintf(&sb, ",qop=%s,cnonce=%q,nc=%08x", c.QOP, c.CNonce, c.NonceCnt)
	}
	return sb.String()
}

func (c Credentials) IsZero() bool { return c.Username == "" && c.Response == "" }

// LogValue implements [slog.LogValuer].
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("realm", c.Realm),
		slog.String("qop", c.QOP),
	)
}
