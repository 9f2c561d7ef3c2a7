package app

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
)

const namespace = "cluster_trader"

// Metrics is the engine's Prometheus surface. Each instance owns its
// registry so tests can build as many engines as they like.
type Metrics struct {
	reg *prometheus.Registry

	clustersOpened    *prometheus.CounterVec
	clustersClosed    *prometheus.CounterVec
	clusterPnL        *prometheus.HistogramVec
	stageFailures     *prometheus.CounterVec
	ratchetMoves      *prometheus.CounterVec
	overruns          prometheus.Counter
	venueErrors       *prometheus.CounterVec
	commands          *prometheus.CounterVec
	consecutiveLosses prometheus.Gauge
	breakerStopped    prometheus.Gauge
	emergencyStop     prometheus.Gauge
	scores            *prometheus.GaugeVec
	openStages        prometheus.Gauge
	nav               prometheus.Gauge
	dropped           prometheus.Counter
	tickDuration      prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		clustersOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clusters_opened_total",
			Help:      "Clusters submitted to the venue",
		}, []string{"direction"}),
		clustersClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clusters_closed_total",
			Help:      "Clusters that reached a terminal status",
		}, []string{"direction", "status"}),
		clusterPnL: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cluster_pnl",
			Help:      "Net realized PnL per closed cluster in account currency",
			Buckets:   []float64{-2000, -1000, -500, -250, -100, 0, 100, 250, 500, 1000, 2000},
		}, []string{"direction"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_submit_failures_total",
			Help:      "Stage orders the venue rejected",
		}, []string{"rank"}),
		ratchetMoves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratchet_moves_total",
			Help:      "Stop-loss modifications applied or failed by the ratchet",
		}, []string{"result"}),
		overruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overruns_total",
			Help:      "Clusters whose pending stages were cancelled past the final target",
		}),
		venueErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_errors_total",
			Help:      "Venue calls that failed, by operation",
		}, []string{"op"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Operator commands applied, by verb and source",
		}, []string{"verb", "source"}),
		consecutiveLosses: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_losses",
			Help:      "Current losing cluster streak",
		}),
		breakerStopped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loss_breaker_stopped",
			Help:      "1 while the loss-streak breaker halts new clusters",
		}),
		emergencyStop: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emergency_stop",
			Help:      "1 while the emergency stop is set",
		}),
		scores: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accumulated_score",
			Help:      "Accumulated directional score",
		}, []string{"direction"}),
		openStages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_cluster_stages",
			Help:      "Stages of the open cluster still live at the venue",
		}),
		nav: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nav",
			Help:      "Sizing NAV in account currency",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the outbound queue was full",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one engine tick",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// NotificationDropped is wired as the batcher's drop callback.
func (m *Metrics) NotificationDropped() { m.dropped.Inc() }

func (m *Metrics) observeOpened(c *cluster.Cluster) {
	m.clustersOpened.WithLabelValues(string(c.Direction)).Inc()
	for _, s := range c.Stages {
		if !s.Placed {
			m.stageFailures.WithLabelValues(strconv.Itoa(s.Rank)).Inc()
		}
	}
}

func (m *Metrics) observeClosed(c *cluster.Cluster) {
	m.clustersClosed.WithLabelValues(string(c.Direction), string(c.Status)).Inc()
	if c.Result != nil {
		m.clusterPnL.WithLabelValues(string(c.Direction)).Observe(c.Result.PnL)
	}
	m.openStages.Set(0)
}

func (m *Metrics) observeRisk(s risk.Snapshot) {
	m.consecutiveLosses.Set(float64(s.ConsecutiveLosses))
	m.breakerStopped.Set(boolGauge(s.Stopped))
	m.emergencyStop.Set(boolGauge(s.EmergencyStop))
}

func (m *Metrics) observeScores(buy, sell float64) {
	m.scores.WithLabelValues(string(cluster.Buy)).Set(buy)
	m.scores.WithLabelValues(string(cluster.Sell)).Set(sell)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
