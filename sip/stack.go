package sip

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/log"
)

// Stack owns the shared engine state: the transaction table, the hop
// router, timings and metrics. Providers are created per listening
// point and share all of it.
type Stack struct {
	log     *slog.Logger
	name    string
	addr    string
	table   *TransactionTable
	router  Router
	chf     ChannelFactory
	timings TimingConfig
	metrics *Metrics

	extensions []RequestMethod
	maxConns   int
	maxSrvTxs  int

	mu        sync.Mutex
	providers map[ListeningPoint]*Provider
	closed    bool
}

// StackOptions contains options for a stack. Out-of-range numeric
// values are logged and replaced by defaults, they never fail stack
// construction.
type StackOptions struct {
	// Name identifies the stack in logs.
	Name string
	// IPAddr is the local address listening points are created on.
	IPAddr string
	// OutboundProxy is the URI out-of-dialog requests without a Route
	// set are sent through. Zero disables proxy routing.
	OutboundProxy header.URI
	// ExtensionMethods extends the set of request methods the stack
	// accepts beyond the RFC 3261 core set.
	ExtensionMethods []RequestMethod
	// MaxConnections caps the number of transport connections. Zero
	// means no limit. The transport layer reads it through
	// [Stack.MaxConnections].
	MaxConnections int
	// MaxServerTransactions caps the number of live server
	// transactions. Zero means no limit.
	MaxServerTransactions int
	// Resolver is the DNS resolver used for server location.
	// If nil, the [dns.DefaultResolver] will be used.
	Resolver *dns.Resolver
	// Timings is the SIP timing config that will be used with the
	// stack's transactions.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Registerer receives the stack metrics. Nil disables
	// instrumentation.
	Registerer prometheus.Registerer
	// Log is the logger that will be used with the stack.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *StackOptions) name() string {
	if o == nil || o.Name == "" {
		return "sipcore"
	}
	return o.Name
}

func (o *StackOptions) ipAddr() string {
	if o == nil || o.IPAddr == "" {
		return "127.0.0.1"
	}
	return o.IPAddr
}

func (o *StackOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *StackOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewStack creates a stack with the given channel factory and options.
func NewStack(chf ChannelFactory, opts *StackOptions) (*Stack, error) {
	if chf == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid channel factory"))
	}

	logger := opts.log().With(slog.String("stack", opts.name()))

	s := &Stack{
		log:       logger,
		name:      opts.name(),
		addr:      opts.ipAddr(),
		chf:       chf,
		timings:   opts.timings(),
		providers: make(map[ListeningPoint]*Provider),
	}

	if opts != nil {
		s.extensions = slices.Clone(opts.ExtensionMethods)
		s.maxConns = nonNegative(logger, "max connections", opts.MaxConnections)
		s.maxSrvTxs = nonNegative(logger, "max server transactions", opts.MaxServerTransactions)
	}

	s.table = NewTransactionTable(&TransactionTableOptions{Log: logger})

	var resolver *dns.Resolver
	var proxy header.URI
	if opts != nil {
		resolver = opts.Resolver
		proxy = opts.OutboundProxy
	}
	s.router = NewDefaultRouter(&DefaultRouterOptions{
		OutboundProxy: proxy,
		Resolver:      resolver,
		Log:           logger,
	})

	if opts != nil && opts.Registerer != nil {
		s.metrics = NewMetrics(opts.Registerer)
		RegisterTableMetrics(opts.Registerer, s.table)
	}

	return s, nil
}

// nonNegative keeps invalid numeric config values non-fatal: the value
// is logged and the default takes over.
func nonNegative(logger *slog.Logger, name string, val int) int {
	if val < 0 {
		logger.LogAttrs(context.Background(), slog.LevelWarn,
			"invalid config value, default kept",
			slog.String("option", name),
			slog.Int("value", val),
		)
		return 0
	}
	return val
}

// Name returns the stack name.
func (s *Stack) Name() string { return s.name }

// IPAddr returns the local address listening points are created on.
func (s *Stack) IPAddr() string { return s.addr }

// Table returns the transaction table shared by all providers.
func (s *Stack) Table() *TransactionTable { return s.table }

// Router returns the hop router shared by all providers.
func (s *Stack) Router() Router { return s.router }

// MaxConnections returns the configured transport connection cap,
// zero for no limit.
func (s *Stack) MaxConnections() int { return s.maxConns }

// IsMethodAllowed reports whether the stack accepts the request method:
// the RFC 3261 core set plus the configured extension methods.
func (s *Stack) IsMethodAllowed(m RequestMethod) bool {
	switch {
	case m.Equal(RequestMethodInvite), m.Equal(RequestMethodAck),
		m.Equal(RequestMethodBye), m.Equal(RequestMethodCancel),
		m.Equal(RequestMethodRegister), m.Equal(RequestMethodOptions),
		m.Equal(RequestMethodSubscribe), m.Equal(RequestMethodNotify),
		m.Equal(RequestMethodRefer), m.Equal(RequestMethodInfo),
		m.Equal(RequestMethodMessage), m.Equal(RequestMethodUpdate),
		m.Equal(RequestMethodPrack):
		return true
	}
	return slices.ContainsFunc(s.extensions, m.Equal)
}

// NewCallID returns a new unique Call-ID value for requests originated
// by this stack.
func (s *Stack) NewCallID() string { return GenerateCallID() }

// CreateListeningPoint builds a listening point on the stack address.
// A zero port falls back to the transport default.
func (s *Stack) CreateListeningPoint(port uint16, transport TransportProto) (ListeningPoint, error) {
	switch {
	case transport.Equal(TransportUDP), transport.Equal(TransportTCP),
		transport.Equal(TransportTLS), transport.Equal(TransportWS),
		transport.Equal(TransportWSS):
	default:
		return ListeningPoint{}, errtrace.Wrap(NewInvalidArgumentError("unknown transport %q", transport))
	}

	if port == 0 {
		port = transport.DefaultPort()
	}
	return ListeningPoint{
		Addr:      header.HostPort{Host: s.addr, Port: port},
		Transport: transport,
	}, nil
}

// CreateProvider creates a provider attached to the listening point.
// Each listening point carries at most one provider.
func (s *Stack) CreateProvider(lp ListeningPoint) (*Provider, error) {
	if lp.IsZero() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid listening point"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if _, ok := s.providers[lp]; ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("listening point already in use"))
	}

	p, err := NewProvider(lp, s.chf, &ProviderOptions{
		Table:                 s.table,
		Router:                s.router,
		Timings:               s.timings,
		MaxServerTransactions: s.maxSrvTxs,
		Metrics:               s.metrics,
		Log:                   s.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	s.providers[lp] = p
	s.log.LogAttrs(context.Background(), slog.LevelDebug, "provider created", slog.Any("listening_point", lp))
	return p, nil
}

// DeleteProvider stops the provider and detaches it from its listening
// point.
func (s *Stack) DeleteProvider(ctx context.Context, p *Provider) {
	if p == nil {
		return
	}

	s.mu.Lock()
	if cur, ok := s.providers[p.ListeningPoint()]; ok && cur == p {
		delete(s.providers, p.ListeningPoint())
	}
	s.mu.Unlock()

	p.Stop(ctx)
}

// Provider returns the provider attached to the listening point.
func (s *Stack) Provider(lp ListeningPoint) (*Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[lp]
	return p, ok
}

// Stop stops all providers of the stack. Live transactions in the table
// are left to run out their state machines.
func (s *Stack) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	providers := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.providers = make(map[ListeningPoint]*Provider)
	s.mu.Unlock()

	for _, p := range providers {
		p.Stop(ctx)
	}

	s.log.LogAttrs(ctx, slog.LevelInfo, "stack stopped", slog.String("name", s.name))
}
