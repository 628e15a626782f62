package tftpd

import "github.com/prometheus/client_golang/prometheus"

// kind labels a session as serving a read or a write request.
type kind string

const (
	kindRRQ kind = "rrq"
	kindWRQ kind = "wrq"
)

// outcome labels how a transfer ended, for the tftpd_transfers_total
// counter (§6.5).
type outcome string

const (
	outcomeDone   outcome = "done"
	outcomeFailed outcome = "failed"
	outcomeError  outcome = "error"
)

// metricsSet is the Prometheus collector bundle threaded through Session
// construction from Listener.dispatch, the same way sessionConfig threads
// the logger (§6.5, §9 "Metrics as a first-class collaborator").
type metricsSet struct {
	sessionsActive  *prometheus.GaugeVec
	transfersTotal  *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	foreignTIDTotal prometheus.Counter
}

// NewMetrics registers the tftpd_* collectors against reg and returns a
// handle sessions can update. reg is typically prometheus.DefaultRegisterer
// but tests pass a fresh prometheus.NewRegistry() to avoid collisions across
// test cases.
func NewMetrics(reg prometheus.Registerer) (*metricsSet, error) {
	m := &metricsSet{
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tftpd_sessions_active",
			Help: "Number of TFTP sessions currently in flight, by kind.",
		}, []string{"kind"}),
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpd_transfers_total",
			Help: "Terminal TFTP transfer outcomes, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpd_bytes_total",
			Help: "Bytes moved across DATA/ACK exchanges, by kind.",
		}, []string{"kind"}),
		foreignTIDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftpd_foreign_tid_total",
			Help: "Datagrams rejected as foreign-TID across all sessions.",
		}),
	}
	for _, c := range []prometheus.Collector{m.sessionsActive, m.transfersTotal, m.bytesTotal, m.foreignTIDTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SessionStarted records the start of a session of the given kind.
func (m *metricsSet) SessionStarted(k kind) {
	m.sessionsActive.WithLabelValues(string(k)).Inc()
}

// SessionEnded records the end of a session of the given kind.
func (m *metricsSet) SessionEnded(k kind) {
	m.sessionsActive.WithLabelValues(string(k)).Dec()
}

// TransferFinished records a terminal outcome for a session of the given
// kind.
func (m *metricsSet) TransferFinished(k kind, o outcome) {
	m.transfersTotal.WithLabelValues(string(k), string(o)).Inc()
}

// BytesTransferred adds n bytes to the running total for kind.
func (m *metricsSet) BytesTransferred(k kind, n int) {
	if n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(string(k)).Add(float64(n))
}

// ForeignTID records a datagram rejected as foreign-TID.
func (m *metricsSet) ForeignTID() {
	m.foreignTIDTotal.Inc()
}
