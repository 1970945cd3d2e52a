package metrics

import "github.com/prometheus/client_golang/prometheus"

// prometheusCollectors wraps a Registry as a set of prometheus.Collector
// values computed on every scrape, scoped to one Registry instance rather
// than process-wide globals — this client has no process-wide metrics
// statics.
type prometheusCollectors struct {
	registry *Registry

	requestsTotal   *prometheus.Desc
	sessionsGauge   *prometheus.Desc
	pendingGauge    *prometheus.Desc
	lateOrUnknown   *prometheus.Desc
	latencyMeanUs   *prometheus.Desc
	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc
}

func newPrometheusCollectors(r *Registry) *prometheusCollectors {
	return &prometheusCollectors{
		registry: r,
		requestsTotal: prometheus.NewDesc("rpc_requests_total",
			"Total outbound RPC requests by outcome.", []string{"outcome"}, nil),
		sessionsGauge: prometheus.NewDesc("rpc_active_sessions",
			"Currently active streaming sessions.", nil, nil),
		pendingGauge: prometheus.NewDesc("rpc_pending_requests",
			"Currently live request records awaiting a response, timeout, or cancellation.", nil, nil),
		lateOrUnknown: prometheus.NewDesc("rpc_late_or_unknown_responses_total",
			"Responses that arrived after timeout or for an unknown correlation id.", nil, nil),
		latencyMeanUs: prometheus.NewDesc("rpc_latency_mean_microseconds",
			"Mean latency of successful sync/async completions.", nil, nil),
		bytesSent: prometheus.NewDesc("rpc_bytes_sent_total",
			"Total bytes published to the broker.", nil, nil),
		bytesReceived: prometheus.NewDesc("rpc_bytes_received_total",
			"Total bytes consumed from the response topic.", nil, nil),
	}
}

func (c *prometheusCollectors) all() []prometheus.Collector {
	return []prometheus.Collector{(*collectorAdapter)(c)}
}

// collectorAdapter implements prometheus.Collector by snapshotting the
// Registry on every Collect call, avoiding a second atomic-counter layer
// duplicated in prometheus.Counter values.
type collectorAdapter prometheusCollectors

func (a *collectorAdapter) Describe(ch chan<- *prometheus.Desc) {
	c := (*prometheusCollectors)(a)
	ch <- c.requestsTotal
	ch <- c.sessionsGauge
	ch <- c.pendingGauge
	ch <- c.lateOrUnknown
	ch <- c.latencyMeanUs
	ch <- c.bytesSent
	ch <- c.bytesReceived
}

func (a *collectorAdapter) Collect(ch chan<- prometheus.Metric) {
	c := (*prometheusCollectors)(a)
	snap := c.registry.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(snap.SuccessfulRequests), "success")
	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(snap.FailedRequests), "failed")
	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(snap.TimedOutRequests), "timeout")
	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(snap.CancelledRequests), "cancelled")

	ch <- prometheus.MustNewConstMetric(c.sessionsGauge, prometheus.GaugeValue, float64(snap.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.pendingGauge, prometheus.GaugeValue, float64(snap.PendingRequests))
	ch <- prometheus.MustNewConstMetric(c.lateOrUnknown, prometheus.CounterValue, float64(snap.LateOrUnknown))
	ch <- prometheus.MustNewConstMetric(c.latencyMeanUs, prometheus.GaugeValue, snap.LatencyMeanUs)
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(snap.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(snap.BytesReceived))
}
