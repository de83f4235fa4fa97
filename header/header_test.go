package header_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/header"
)

func TestValues_CaseInsensitiveNames(t *testing.T) {
	t.Parallel()

	v := header.Values{}
	v.Set("Branch", "z9hG4bK.abc")

	if got, ok := v.Get("BRANCH"); !ok || got != "z9hG4bK.abc" {
		t.Fatalf(`v.Get("BRANCH") = (%q, %t), want the value set under "Branch"`, got, ok)
	}
	if !v.Has("branch") {
		t.Fatal(`v.Has("branch") = false, want true`)
	}

	v.Del("bRaNcH")
	if v.Has("branch") {
		t.Fatal(`v.Has("branch") = true after delete, want false`)
	}
}

func TestValues_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	v := header.Values{"lr": "", "transport": "tcp"}
	clone := v.Clone()
	clone.Set("transport", "udp")

	if got, _ := v.Get("transport"); got != "tcp" {
		t.Fatalf("original transport = %q after clone edit, want %q", got, "tcp")
	}
	if header.Values(nil).Clone() != nil {
		t.Fatal("Values(nil).Clone() != nil, want nil")
	}
}

func TestHostPort_String(t *testing.T) {
	t.Parallel()

	if got := (header.HostPort{Host: "voip.com"}).String(); got != "voip.com" {
		t.Fatalf("HostPort.String() = %q, want %q", got, "voip.com")
	}
	if got := (header.HostPort{Host: "voip.com", Port: 5060}).String(); got != "voip.com:5060" {
		t.Fatalf("HostPort.String() = %q, want %q", got, "voip.com:5060")
	}
}

func TestHostPort_Equal(t *testing.T) {
	t.Parallel()

	a := header.HostPort{Host: "VoIP.com", Port: 5060}
	b := header.HostPort{Host: "voip.com", Port: 5060}
	if !a.Equal(b) {
		t.Fatal("hosts differing only in case must compare equal")
	}
	if a.Equal(header.HostPort{Host: "voip.com", Port: 5061}) {
		t.Fatal("different ports must not compare equal")
	}
}

func TestURI_IsLooseRouter(t *testing.T) {
	t.Parallel()

	u := header.URI{Scheme: "sip", Addr: header.HostPort{Host: "proxy.voip.com"}}
	if u.IsLooseRouter() {
		t.Fatal("URI without lr param reported as loose router")
	}
	u.Params = header.Values{"lr": ""}
	if !u.IsLooseRouter() {
		t.Fatal("URI with lr param not reported as loose router")
	}
}

func TestURI_Equal(t *testing.T) {
	t.Parallel()

	a := header.URI{Scheme: "SIP", User: "bob", Addr: header.HostPort{Host: "VoIP.com", Port: 5060}}
	b := header.URI{Scheme: "sip", User: "bob", Addr: header.HostPort{Host: "voip.com", Port: 5060}}
	if !a.Equal(b) {
		t.Fatal("URIs differing only in scheme and host case must compare equal")
	}

	// The user part is case-sensitive.
	c := b
	c.User = "Bob"
	if a.Equal(c) {
		t.Fatal("URIs with different user case must not compare equal")
	}
}

func TestURI_String(t *testing.T) {
	t.Parallel()

	u := header.URI{
		Scheme: "sip",
		User:   "bob",
		Addr:   header.HostPort{Host: "voip.com", Port: 5060},
		Params: header.Values{"lr": ""},
	}
	if got, want := u.String(), "sip:bob@voip.com:5060;lr"; got != want {
		t.Fatalf("u.String() = %q, want %q", got, want)
	}
}

func TestEvent_Equal(t *testing.T) {
	t.Parallel()

	a := header.Event{Type: "Presence", ID: "a1"}
	b := header.Event{Type: "presence", ID: "a1"}
	if !a.Equal(b) {
		t.Fatal("event types differing only in case must compare equal")
	}

	// The id token is case-sensitive.
	c := header.Event{Type: "presence", ID: "A1"}
	if a.Equal(c) {
		t.Fatal("events with different id case must not compare equal")
	}
	if a.Equal(header.Event{Type: "dialog", ID: "a1"}) {
		t.Fatal("different event types must not compare equal")
	}
}

func TestCSeq_Equal(t *testing.T) {
	t.Parallel()

	a := header.CSeq{SeqNum: 1, Method: "INVITE"}
	if !a.Equal(header.CSeq{SeqNum: 1, Method: "invite"}) {
		t.Fatal("CSeq methods differing only in case must compare equal")
	}
	if a.Equal(header.CSeq{SeqNum: 2, Method: "INVITE"}) {
		t.Fatal("different sequence numbers must not compare equal")
	}
	if !a.IsValid() || (header.CSeq{}).IsValid() {
		t.Fatal("CSeq validity must require a positive number and a method")
	}
}

func TestAddress_Tags(t *testing.T) {
	t.Parallel()

	addr := header.Address{URI: header.URI{Scheme: "sip", User: "bob", Addr: header.HostPort{Host: "voip.com"}}}
	if _, ok := addr.Tag(); ok {
		t.Fatal("untagged address reported a tag")
	}

	tagged := addr.WithTag("from-1234")
	if tag, ok := tagged.Tag(); !ok || tag != "from-1234" {
		t.Fatalf("tagged.Tag() = (%q, %t), want the tag set", tag, ok)
	}
	// WithTag copies, the original stays untagged.
	if _, ok := addr.Tag(); ok {
		t.Fatal("WithTag modified the original address")
	}
}

func TestAddress_EqualIgnoresDisplayName(t *testing.T) {
	t.Parallel()

	uri := header.URI{Scheme: "sip", User: "bob", Addr: header.HostPort{Host: "voip.com"}}
	a := header.Address{DisplayName: "Bob", URI: uri}
	b := header.Address{URI: uri}
	if !a.Equal(b) {
		t.Fatal("addresses differing only in display name must compare equal")
	}
	if a.Equal(b.WithTag("from-1234")) {
		t.Fatal("addresses with different params must not compare equal")
	}
}

func TestViaHop_String(t *testing.T) {
	t.Parallel()

	hop := header.ViaHop{
		Transport: "udp",
		Addr:      header.HostPort{Host: "bob.voip.com", Port: 5060},
		Params: header.Values{
			"received": "192.0.2.7",
			"branch":   "z9hG4bK.abc",
			"rport":    "",
		},
	}

	// Parameters render sorted so equal hops always render identically.
	want := "SIP/2.0/UDP bob.voip.com:5060;branch=z9hG4bK.abc;received=192.0.2.7;rport"
	if got := hop.String(); got != want {
		t.Fatalf("hop.String() = %q, want %q", got, want)
	}
}

func TestViaHop_Accessors(t *testing.T) {
	t.Parallel()

	hop := header.ViaHop{
		Transport: "UDP",
		Addr:      header.HostPort{Host: "bob.voip.com"},
		Params:    header.Values{"branch": "z9hG4bK.abc", "received": "192.0.2.7"},
	}

	if branch, ok := hop.Branch(); !ok || branch != "z9hG4bK.abc" {
		t.Fatalf("hop.Branch() = (%q, %t), want the branch param", branch, ok)
	}
	if recv, ok := hop.Received(); !ok || recv != "192.0.2.7" {
		t.Fatalf("hop.Received() = (%q, %t), want the received param", recv, ok)
	}
	if _, ok := hop.MAddr(); ok {
		t.Fatal("hop.MAddr() reported a value on a hop without maddr")
	}
	if !hop.IsValid() || (header.ViaHop{}).IsValid() {
		t.Fatal("hop validity must require a transport and a host")
	}
}

func TestVia_First(t *testing.T) {
	t.Parallel()

	if _, ok := header.Via(nil).First(); ok {
		t.Fatal("empty Via reported a first hop")
	}

	via := header.Via{
		{Transport: "UDP", Addr: header.HostPort{Host: "p1.voip.com"}},
		{Transport: "UDP", Addr: header.HostPort{Host: "p2.voip.com"}},
	}
	first, ok := via.First()
	if !ok || first.Addr.Host != "p1.voip.com" {
		t.Fatalf("via.First() = (%v, %t), want the topmost hop", first, ok)
	}
}

func TestRouteSet_Reversed(t *testing.T) {
	t.Parallel()

	mkRoute := func(host string) header.Address {
		return header.Address{URI: header.URI{
			Scheme: "sip",
			Addr:   header.HostPort{Host: host},
			Params: header.Values{"lr": ""},
		}}
	}

	rs := header.RouteSet{mkRoute("p1.voip.com"), mkRoute("p2.voip.com"), mkRoute("p3.voip.com")}
	want := header.RouteSet{mkRoute("p3.voip.com"), mkRoute("p2.voip.com"), mkRoute("p1.voip.com")}
	if diff := cmp.Diff(want, rs.Reversed()); diff != "" {
		t.Fatalf("reversed set mismatch (-want +got):\n%s", diff)
	}
	// The original order is untouched.
	if rs[0].URI.Addr.Host != "p1.voip.com" {
		t.Fatal("Reversed modified the original set")
	}
	if header.RouteSet(nil).Reversed() != nil {
		t.Fatal("RouteSet(nil).Reversed() != nil, want nil")
	}
}

func TestRouteSet_PopFirst(t *testing.T) {
	t.Parallel()

	rs := header.RouteSet{
		{URI: header.URI{Scheme: "sip", Addr: header.HostPort{Host: "p1.voip.com"}}},
		{URI: header.URI{Scheme: "sip", Addr: header.HostPort{Host: "p2.voip.com"}}},
	}

	first, rest, ok := rs.PopFirst()
	if !ok || first.URI.Addr.Host != "p1.voip.com" {
		t.Fatalf("rs.PopFirst() first = (%v, %t), want the head entry", first, ok)
	}
	if len(rest) != 1 || rest[0].URI.Addr.Host != "p2.voip.com" {
		t.Fatalf("rs.PopFirst() rest = %v, want the tail", rest)
	}
	if _, _, ok = header.RouteSet(nil).PopFirst(); ok {
		t.Fatal("PopFirst on an empty set reported an entry")
	}
}

func TestChallenge_SupportsQOP(t *testing.T) {
	t.Parallel()

	c := header.Challenge{Realm: "voip.com", Nonce: "n1", QOP: []string{"auth", "AUTH-INT"}}
	if !c.SupportsQOP("auth") || !c.SupportsQOP("auth-int") {
		t.Fatal("offered qop tokens must match case-insensitively")
	}
	if c.SupportsQOP("other") {
		t.Fatal(`c.SupportsQOP("other") = true, want false`)
	}
	if c.IsZero() || !(header.Challenge{}).IsZero() {
		t.Fatal("challenge zero check must track realm and nonce")
	}
}

func TestCredentials_String(t *testing.T) {
	t.Parallel()

	c := header.Credentials{
		Username: "bob",
		Realm:    "voip.com",
		Nonce:    "n1",
		URI:      "sip:voip.com",
		Response: "abc",
		QOP:      "auth",
		CNonce:   "c1",
		NonceCnt: 1,
	}
	want := `Digest username="bob",realm="voip.com",nonce="n1",uri="sip:voip.com",response="abc",qop=auth,cnonce="c1",nc=00000001`
	if got := c.String(); got != want {
		t.Fatalf("c.String() = %q, want %q", got, want)
	}
}
