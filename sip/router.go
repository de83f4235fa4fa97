package sip

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/log"
)

// Router selects the next-hop network targets for outbound requests.
type Router interface {
	// GetNextHops resolves the targets the request should be sent to,
	// most preferred first. In-dialog requests are routed by their
	// Route set and never go through the outbound proxy.
	GetNextHops(ctx context.Context, req *Request, inDialog bool) ([]Hop, error)
	// GetOutboundProxy returns the configured outbound proxy URI.
	// A zero URI means requests are routed by the Request-URI.
	GetOutboundProxy() header.URI
}

// DefaultRouter resolves next hops per RFC 3263: the target URI comes
// from the topmost Route, the outbound proxy or the Request-URI, then
// NAPTR, SRV and address lookups narrow it down to network targets.
type DefaultRouter struct {
	proxy    header.URI
	resolver *dns.Resolver
	log      *slog.Logger
}

// DefaultRouterOptions contains options for a default router.
type DefaultRouterOptions struct {
	// OutboundProxy is the URI all out-of-dialog requests without a
	// Route set are sent through. Zero disables proxy routing.
	OutboundProxy header.URI
	// Resolver is the DNS resolver used for server location.
	// If nil, the [dns.DefaultResolver] will be used.
	Resolver *dns.Resolver
	// Log is the logger that will be used with the router.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *DefaultRouterOptions) proxy() header.URI {
	if o == nil {
		return header.URI{}
	}
	return o.OutboundProxy
}

func (o *DefaultRouterOptions) resolver() *dns.Resolver {
	if o == nil || o.Resolver == nil {
		return dns.DefaultResolver()
	}
	return o.Resolver
}

func (o *DefaultRouterOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewDefaultRouter creates a router with the given options.
func NewDefaultRouter(opts *DefaultRouterOptions) *DefaultRouter {
	return &DefaultRouter{
		proxy:    opts.proxy(),
		resolver: opts.resolver(),
		log:      opts.log(),
	}
}

// GetOutboundProxy returns the configured outbound proxy URI.
func (r *DefaultRouter) GetOutboundProxy() header.URI {
	if r == nil {
		return header.URI{}
	}
	return r.proxy
}

// GetNextHops resolves the request target per RFC 3263.
func (r *DefaultRouter) GetNextHops(ctx context.Context, req *Request, inDialog bool) ([]Hop, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	uri := req.URI
	switch {
	case len(req.Headers.Route) > 0:
		uri = req.Headers.Route[0].URI
	case !inDialog && r.proxy.IsValid():
		uri = r.proxy
	}

	hops, err := r.resolveURI(ctx, uri)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if len(hops) == 0 {
		return nil, errtrace.Wrap(ErrNoTarget)
	}

	r.log.LogAttrs(ctx, slog.LevelDebug,
		"next hops resolved",
		slog.String("uri", uri.String()),
		slog.Any("hops", hops),
	)
	return hops, nil
}

func (r *DefaultRouter) resolveURI(ctx context.Context, uri header.URI) ([]Hop, error) {
	transport, fixed := uriTransport(uri)
	host, port := uri.Addr.Host, uri.Addr.Port

	// Numeric target or explicit port: no NAPTR/SRV per RFC 3263
	// section 4.2.
	if ip := net.ParseIP(host); ip != nil {
		if port == 0 {
			port = transport.DefaultPort()
		}
		return []Hop{{Transport: transport, Addr: header.HostPort{Host: host, Port: port}}}, nil
	}
	if port != 0 {
		return errtrace.Wrap2(r.lookupAddr(ctx, transport, host, port))
	}

	if !fixed {
		hops, err := r.lookupNAPTR(ctx, uri, host)
		if err != nil {
			r.log.LogAttrs(ctx, slog.LevelDebug, "NAPTR lookup failed", slog.String("host", host), slog.Any("error", err))
		}
		if len(hops) > 0 {
			return hops, nil
		}
	}

	hops, err := r.lookupSRV(ctx, transport, host)
	if err != nil {
		r.log.LogAttrs(ctx, slog.LevelDebug, "SRV lookup failed", slog.String("host", host), slog.Any("error", err))
	}
	if len(hops) > 0 {
		return hops, nil
	}

	return errtrace.Wrap2(r.lookupAddr(ctx, transport, host, transport.DefaultPort()))
}

func (r *DefaultRouter) lookupAddr(ctx context.Context, transport TransportProto, host string, port uint16) ([]Hop, error) {
	ips, err := r.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	hops := make([]Hop, 0, len(ips))
	for _, ip := range ips {
		hops = append(hops, Hop{
			Transport: transport,
			Addr:      header.HostPort{Host: ip.String(), Port: port},
		})
	}
	return hops, nil
}

func (r *DefaultRouter) lookupNAPTR(ctx context.Context, uri header.URI, host string) ([]Hop, error) {
	recs, err := r.resolver.LookupNAPTR(ctx, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	secure := util.EqFold(uri.Scheme, "sips")
	for _, rec := range recs {
		if !util.EqFold(rec.Flags, "s") {
			continue
		}
		transport, ok := naptrTransport(rec.Service)
		if !ok || (secure && !util.EqFold(transport, TransportTLS) && !util.EqFold(transport, TransportWSS)) {
			continue
		}

		srvs, err := r.resolver.LookupSRV(ctx, "", "", rec.Replacement)
		if err != nil || len(srvs) == 0 {
			continue
		}
		return srvHops(transport, srvs), nil
	}
	return nil, nil
}

func (r *DefaultRouter) lookupSRV(ctx context.Context, transport TransportProto, host string) ([]Hop, error) {
	var service, proto string
	switch {
	case util.EqFold(transport, TransportUDP):
		service, proto = "sip", "udp"
	case util.EqFold(transport, TransportTCP):
		service, proto = "sip", "tcp"
	case util.EqFold(transport, TransportTLS):
		service, proto = "sips", "tcp"
	default:
		// No SRV convention for websocket transports.
		return nil, nil
	}

	srvs, err := r.resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvHops(transport, srvs), nil
}

func srvHops(transport TransportProto, srvs []*dns.SRV) []Hop {
	hops := make([]Hop, 0, len(srvs))
	for _, srv := range srvs {
		hops = append(hops, Hop{
			Transport: transport,
			Addr: header.HostPort{
				Host: strings.TrimSuffix(srv.Target, "."),
				Port: srv.Port,
			},
		})
	}
	return hops
}

// naptrTransport maps a NAPTR service token (RFC 3263 section 4.1) to
// the transport it announces.
func naptrTransport(service string) (TransportProto, bool) {
	switch {
	case util.EqFold(service, "SIP+D2U"):
		return TransportUDP, true
	case util.EqFold(service, "SIP+D2T"):
		return TransportTCP, true
	case util.EqFold(service, "SIPS+D2T"):
		return TransportTLS, true
	case util.EqFold(service, "SIP+D2W"):
		return TransportWS, true
	case util.EqFold(service, "SIPS+D2W"):
		return TransportWSS, true
	default:
		return "", false
	}
}

// uriTransport returns the transport the URI pins through its transport
// parameter or scheme. The second result reports whether the transport
// was set explicitly, which disables NAPTR discovery.
func uriTransport(uri header.URI) (TransportProto, bool) {
	if v, ok := uri.Params.Get("transport"); ok && v != "" {
		return TransportProto(util.UCase(v)), true
	}
	if util.EqFold(uri.Scheme, "sips") {
		return TransportTLS, false
	}
	return TransportUDP, false
}
