package sip

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine counters. A nil Metrics is a valid no-op
// sink, so instrumentation stays optional.
type Metrics struct {
	requestsIn   *prometheus.CounterVec
	requestsOut  *prometheus.CounterVec
	responsesIn  *prometheus.CounterVec
	responsesOut *prometheus.CounterVec
	events       *prometheus.CounterVec
	dropped      prometheus.Counter
}

// NewMetrics creates engine metrics and registers them on the registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Name:      "requests_in_total",
			Help:      "Inbound SIP requests by method.",
		}, []string{"method"}),
		requestsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Name:      "requests_out_total",
			Help:      "Outbound SIP requests by method.",
		}, []string{"method"}),
		responsesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Name:      "responses_in_total",
			Help:      "Inbound SIP responses by status class.",
		}, []string{"class"}),
		responsesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Name:      "responses_out_total",
			Help:      "Outbound SIP responses by status class.",
		}, []string{"class"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Name:      "events_total",
			Help:      "Events queued for listener delivery by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcore",
			Name:      "events_dropped_total",
			Help:      "Events dropped before delivery.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requestsIn, m.requestsOut, m.responsesIn, m.responsesOut, m.events, m.dropped)
	}
	return m
}

// RegisterTableMetrics exposes the live transaction and dialog counts
// of the table as gauges on the registerer.
func RegisterTableMetrics(reg prometheus.Registerer, tbl *TransactionTable) {
	if reg == nil || tbl == nil {
		return
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Name:      "client_transactions",
			Help:      "Live client transactions.",
		}, func() float64 {
			clients, _, _ := tbl.Len()
			return float64(clients)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Name:      "server_transactions",
			Help:      "Live server transactions.",
		}, func() float64 {
			_, servers, _ := tbl.Len()
			return float64(servers)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Name:      "dialogs",
			Help:      "Live dialogs.",
		}, func() float64 {
			_, _, dialogs := tbl.Len()
			return float64(dialogs)
		}),
	)
}

func (m *Metrics) requestIn(req *Request) {
	if m == nil || req == nil {
		return
	}
	m.requestsIn.WithLabelValues(string(req.Method)).Inc()
}

func (m *Metrics) requestOut(req *Request) {
	if m == nil || req == nil {
		return
	}
	m.requestsOut.WithLabelValues(string(req.Method)).Inc()
}

func (m *Metrics) responseIn(res *Response) {
	if m == nil || res == nil {
		return
	}
	m.responsesIn.WithLabelValues(statusClass(res.Status)).Inc()
}

func (m *Metrics) responseOut(res *Response) {
	if m == nil || res == nil {
		return
	}
	m.responsesOut.WithLabelValues(statusClass(res.Status)).Inc()
}

func (m *Metrics) eventQueued(evt SipEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType(evt)).Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func statusClass(sts ResponseStatus) string {
	switch {
	case sts.IsProvisional():
		return "1xx"
	case sts < 300:
		return "2xx"
	case sts < 400:
		return "3xx"
	case sts < 500:
		return "4xx"
	case sts < 600:
		return "5xx"
	default:
		return "6xx"
	}
}

func eventType(evt SipEvent) string {
	switch evt.(type) {
	case *RequestEvent:
		return "request"
	case *ResponseEvent:
		return "response"
	case *TimeoutEvent:
		return "timeout"
	default:
		return "unknown"
	}
}
