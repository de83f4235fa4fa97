package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/ghettovoice/sipcore/sip"
)

func counterValue(tb testing.TB, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	tb.Helper()

	families, err := reg.Gather()
	if err != nil {
		tb.Fatalf("reg.Gather() error = %v, want nil", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for k, v := range labels {
				if !hasLabel(m, k, v) {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestMetrics_MessageCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := sip.NewMetrics(reg)

	table := sip.NewTransactionTable(nil)
	host := newStubHost()
	mr, err := sip.NewMessageRouter(table, host, &sip.MessageRouterOptions{
		Timings: testTimings(t),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("sip.NewMessageRouter() error = %v, want nil", err)
	}
	t.Cleanup(func() { mr.Stop(context.Background()) })

	ch := newStubChannel(sip.TransportTCP, 5070)
	ctx := t.Context()

	req := newInviteReq(t, sip.TransportTCP, sip.MagicCookie+".mx-1")
	if err = mr.ProcessRequest(ctx, req, ch); err != nil {
		t.Fatalf("mr.ProcessRequest() error = %v, want nil", err)
	}
	host.waitEvent(t, time.Second)

	res := newRes(t, req, sip.StatusRinging, "to-5678")
	if err = mr.ProcessResponse(ctx, res, ch); err != nil {
		t.Fatalf("mr.ProcessResponse() error = %v, want nil", err)
	}
	host.waitEvent(t, time.Second)

	if got := counterValue(t, reg, "sipcore_requests_in_total", map[string]string{"method": "INVITE"}); got != 1 {
		t.Fatalf("requests_in_total{method=INVITE} = %v, want 1", got)
	}
	if got := counterValue(t, reg, "sipcore_responses_in_total", map[string]string{"class": "1xx"}); got != 1 {
		t.Fatalf("responses_in_total{class=1xx} = %v, want 1", got)
	}
}

func TestMetrics_TableGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	table := sip.NewTransactionTable(nil)
	sip.RegisterTableMetrics(reg, table)

	if got := counterValue(t, reg, "sipcore_server_transactions", nil); got != 0 {
		t.Fatalf("server_transactions = %v, want 0", got)
	}

	tx := newTableServerTx(t, newInviteReq(t, sip.TransportTCP, sip.MagicCookie+".mx-gauge"))
	if err := table.AddServerTransaction(tx); err != nil {
		t.Fatalf("table.AddServerTransaction() error = %v, want nil", err)
	}

	if got := counterValue(t, reg, "sipcore_server_transactions", nil); got != 1 {
		t.Fatalf("server_transactions = %v, want 1", got)
	}
	if got := counterValue(t, reg, "sipcore_client_transactions", nil); got != 0 {
		t.Fatalf("client_transactions = %v, want 0", got)
	}
	if got := counterValue(t, reg, "sipcore_dialogs", nil); got != 0 {
		t.Fatalf("dialogs = %v, want 0", got)
	}
}

func TestMetrics_NilSinkSafe(t *testing.T) {
	t.Parallel()

	// A router without a metrics sink still processes traffic.
	table := sip.NewTransactionTable(nil)
	host := newStubHost()
	mr := newTestRouter(t, table, host)
	ch := newStubChannel(sip.TransportUDP, 5060)

	req := newNonInviteReq(t, sip.TransportUDP, sip.RequestMethodOptions, sip.MagicCookie+".mx-nil")
	if err := mr.ProcessRequest(t.Context(), req, ch); err != nil {
		t.Fatalf("mr.ProcessRequest() error = %v, want nil", err)
	}
	host.waitEvent(t, time.Second)
}
