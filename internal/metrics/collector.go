package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "meshcdn"

var (
	dialAttemptsDesc = prometheus.NewDesc(namespace+"_dial_attempts_total", "Outbound connect attempts.", nil, nil)
	dialSuccessDesc  = prometheus.NewDesc(namespace+"_dial_success_total", "Outbound connections that completed the handshake.", nil, nil)
	acceptedDesc     = prometheus.NewDesc(namespace+"_accepted_total", "Inbound connections taken from transports.", nil, nil)
	handshakeOKDesc  = prometheus.NewDesc(namespace+"_handshake_success_total", "Successful handshakes.", nil, nil)
	handshakeErrDesc = prometheus.NewDesc(namespace+"_handshake_failures_total", "Failed handshakes by reason.", []string{"reason"}, nil)
	admissionDesc    = prometheus.NewDesc(namespace+"_admission_rejected_total", "Peers rejected by the distance bucket cap.", nil, nil)
	sentDesc         = prometheus.NewDesc(namespace+"_messages_sent_total", "Data messages handed to transports.", nil, nil)
	receivedDesc     = prometheus.NewDesc(namespace+"_messages_received_total", "Data messages merged from peers.", nil, nil)
	computeDesc      = prometheus.NewDesc(namespace+"_compute_cycles_total", "Completed compute cycles.", nil, nil)
	dropDesc         = prometheus.NewDesc(namespace+"_connections_dropped_total", "Connections removed by reason.", []string{"reason"}, nil)
	connsDesc        = prometheus.NewDesc(namespace+"_connections", "Live mediator connections.", nil, nil)
	cloudDesc        = prometheus.NewDesc(namespace+"_cloud_profiles", "Known dial candidates.", nil, nil)
)

// Collector exposes Metrics to a prometheus registry.
type Collector struct {
	m *Metrics
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- dialAttemptsDesc
	ch <- dialSuccessDesc
	ch <- acceptedDesc
	ch <- handshakeOKDesc
	ch <- handshakeErrDesc
	ch <- admissionDesc
	ch <- sentDesc
	ch <- receivedDesc
	ch <- computeDesc
	ch <- dropDesc
	ch <- connsDesc
	ch <- cloudDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.m
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(dialAttemptsDesc, m.dialAttempts.Load())
	counter(dialSuccessDesc, m.dialSuccess.Load())
	counter(acceptedDesc, m.accepted.Load())
	counter(handshakeOKDesc, m.handshakeSuccess.Load())
	fails := m.failByReason.snapshot()
	for _, reason := range m.failByReason.labels() {
		counter(handshakeErrDesc, fails[reason], reason)
	}
	counter(admissionDesc, m.admissionRejected.Load())
	counter(sentDesc, m.messagesSent.Load())
	counter(receivedDesc, m.messagesReceived.Load())
	counter(computeDesc, m.computeCycles.Load())
	drops := m.dropByReason.snapshot()
	for _, reason := range m.dropByReason.labels() {
		counter(dropDesc, drops[reason], reason)
	}
	ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(m.currentConns.Load()))
	ch <- prometheus.MustNewConstMetric(cloudDesc, prometheus.GaugeValue, float64(m.cloudSize.Load()))
}
