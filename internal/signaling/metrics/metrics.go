// Package metrics exposes controller and media engine counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/backtoback/internal/rtpmanager/engine"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

const namespace = "backtoback"

// Recorder implements b2bua.Recorder with Prometheus counters.
type Recorder struct {
	pairsCreated    prometheus.Counter
	pairsRejected   *prometheus.CounterVec
	activePairs     prometheus.Gauge
	dialAttempts    prometheus.Counter
	dialFailures    prometheus.Counter
	bridges         *prometheus.CounterVec
	cascadeHangups  prometheus.Counter
	treatmentErrors *prometheus.CounterVec
}

// NewRecorder creates the counters and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		pairsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_created_total",
			Help:      "Inbound calls paired with an outbound leg.",
		}),
		pairsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_rejected_total",
			Help:      "Inbound calls refused before pairing.",
		}, []string{"reason"}),
		activePairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pairs",
			Help:      "Pairs with at least one leg still connected.",
		}),
		dialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Outbound legs dialed.",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Outbound legs that could not be created.",
		}),
		bridges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridges_total",
			Help:      "Media bridge attempts by result.",
		}, []string{"result"}),
		cascadeHangups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_hangups_total",
			Help:      "Legs hung up because their peer disconnected.",
		}),
		treatmentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "treatment_errors_total",
			Help:      "Failed ringback or announcement operations.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		r.pairsCreated,
		r.pairsRejected,
		r.activePairs,
		r.dialAttempts,
		r.dialFailures,
		r.bridges,
		r.cascadeHangups,
		r.treatmentErrors,
	)
	return r
}

// PairCreated counts an accepted call and raises the active pair gauge.
func (r *Recorder) PairCreated() {
	r.pairsCreated.Inc()
	r.activePairs.Inc()
}

// PairRejected counts an inbound call refused before a pair existed.
func (r *Recorder) PairRejected(reason string) {
	r.pairsRejected.WithLabelValues(reason).Inc()
}

// PairClosed lowers the active pair gauge. Call it once per PairCreated.
func (r *Recorder) PairClosed() {
	r.activePairs.Dec()
}

// DialAttempted counts an outbound dial toward the callee.
func (r *Recorder) DialAttempted() {
	r.dialAttempts.Inc()
}

// DialFailed counts a dial whose outbound session could not be created.
func (r *Recorder) DialFailed() {
	r.dialFailures.Inc()
}

// CascadeHangup counts a leg torn down because its peer hung up.
func (r *Recorder) CascadeHangup() {
	r.cascadeHangups.Inc()
}

// BridgeResult counts a media bridge attempt by outcome.
func (r *Recorder) BridgeResult(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	r.bridges.WithLabelValues(result).Inc()
}

// TreatmentFailed counts a ringback or announcement that could not start.
func (r *Recorder) TreatmentFailed(kind b2bua.TreatmentKind) {
	r.treatmentErrors.WithLabelValues(string(kind)).Inc()
}

var _ b2bua.Recorder = (*Recorder)(nil)

// MediaStatsProvider reports media engine usage.
type MediaStatsProvider interface {
	Stats() engine.Stats
}

// MediaCollector reads media engine usage at scrape time.
type MediaCollector struct {
	media MediaStatsProvider

	sessionsDesc *prometheus.Desc
	sourcesDesc  *prometheus.Desc
	linksDesc    *prometheus.Desc
	portsDesc    *prometheus.Desc
}

// NewMediaCollector creates a collector over media.
func NewMediaCollector(media MediaStatsProvider) *MediaCollector {
	return &MediaCollector{
		media: media,
		sessionsDesc: prometheus.NewDesc(
			namespace+"_media_sessions",
			"Open RTP session endpoints",
			nil, nil,
		),
		sourcesDesc: prometheus.NewDesc(
			namespace+"_media_sources",
			"Tone sources and file players",
			nil, nil,
		),
		linksDesc: prometheus.NewDesc(
			namespace+"_media_links",
			"Directed transmit links between endpoints",
			nil, nil,
		),
		portsDesc: prometheus.NewDesc(
			namespace+"_rtp_ports_available",
			"RTP ports left in the pool",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *MediaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.sourcesDesc
	ch <- c.linksDesc
	ch <- c.portsDesc
}

// Collect implements prometheus.Collector.
func (c *MediaCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.media.Stats()
	ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(s.Sessions))
	ch <- prometheus.MustNewConstMetric(c.sourcesDesc, prometheus.GaugeValue, float64(s.Sources))
	ch <- prometheus.MustNewConstMetric(c.linksDesc, prometheus.GaugeValue, float64(s.Links))
	ch <- prometheus.MustNewConstMetric(c.portsDesc, prometheus.GaugeValue, float64(s.PortsAvailable))
}
