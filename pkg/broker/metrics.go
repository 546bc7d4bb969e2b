package broker

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/quartzlink/rmemd/pkg/brokererr"
	"github.com/quartzlink/rmemd/pkg/metricsx"
)

// brokerMetrics groups Prometheus-exposed counters/gauges by outcome, in
// the style of atlas's api0 metrics: success_*/reject_*/fail_* fields so a
// new outcome can't silently go uncounted.
type brokerMetrics struct {
	set *metrics.Set

	admissions_total struct {
		success         *metrics.Counter
		reject_capacity *metrics.Counter
	}
	bringups_total struct {
		success         *metrics.Counter
		fail_protocol   *metrics.Counter
		fail_tls        *metrics.Counter
		fail_verbs      *metrics.Counter
		fail_completion *metrics.Counter
		fail_other      *metrics.Counter
	}
	psns_generated_total *metrics.Counter

	connections_by_country *metricsx.CountryCounter

	active_connections *metrics.Gauge
	buffer_pool_free   *metrics.Gauge
	slot_table_used    *metrics.Gauge
}

var (
	metricsOnce sync.Once
	metricsObj  brokerMetrics
)

func serverMetrics() *brokerMetrics {
	metricsOnce.Do(func() {
		mo := &metricsObj
		mo.set = metrics.NewSet()
		mo.admissions_total.success = mo.set.NewCounter(`rmemd_admissions_total{result="success"}`)
		mo.admissions_total.reject_capacity = mo.set.NewCounter(`rmemd_admissions_total{result="reject_capacity"}`)
		mo.bringups_total.success = mo.set.NewCounter(`rmemd_bringups_total{result="success"}`)
		mo.bringups_total.fail_protocol = mo.set.NewCounter(`rmemd_bringups_total{result="fail_protocol"}`)
		mo.bringups_total.fail_tls = mo.set.NewCounter(`rmemd_bringups_total{result="fail_tls"}`)
		mo.bringups_total.fail_verbs = mo.set.NewCounter(`rmemd_bringups_total{result="fail_verbs"}`)
		mo.bringups_total.fail_completion = mo.set.NewCounter(`rmemd_bringups_total{result="fail_completion"}`)
		mo.bringups_total.fail_other = mo.set.NewCounter(`rmemd_bringups_total{result="fail_other"}`)
		mo.psns_generated_total = mo.set.NewCounter(`rmemd_psns_generated_total`)
		mo.connections_by_country = metricsx.NewCountryCounter(mo.set, `rmemd_connections_total`)
		mo.active_connections = mo.set.NewGauge(`rmemd_active_connections`, nil)
		mo.buffer_pool_free = mo.set.NewGauge(`rmemd_buffer_pool_free`, nil)
		mo.slot_table_used = mo.set.NewGauge(`rmemd_slot_table_used`, nil)
	})
	return &metricsObj
}

// bringupOutcome records a bring-up result by brokererr.Kind, falling back
// to fail_other for kinds that don't map to one of the named buckets.
func (m *brokerMetrics) bringupOutcome(kind brokererr.Kind) {
	switch kind {
	case brokererr.ProtocolError:
		m.bringups_total.fail_protocol.Inc()
	case brokererr.TLSFailure:
		m.bringups_total.fail_tls.Inc()
	case brokererr.VerbsSetup, brokererr.StateTransition:
		m.bringups_total.fail_verbs.Inc()
	case brokererr.CompletionError:
		m.bringups_total.fail_completion.Inc()
	default:
		m.bringups_total.fail_other.Inc()
	}
}

func (m *brokerMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
