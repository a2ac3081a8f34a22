package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/models"
)

// PrometheusConfig configures the simulation metrics
type PrometheusConfig struct {
	Enabled   bool              `mapstructure:"enabled" json:"enabled"`
	Path      string            `mapstructure:"path" json:"path"`
	Namespace string            `mapstructure:"namespace" json:"namespace"`
	Subsystem string            `mapstructure:"subsystem" json:"subsystem"`
	Labels    map[string]string `mapstructure:"labels" json:"labels"`
}

// PrometheusMetrics records round progress into a private registry.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	config   *PrometheusConfig

	roundsTotal      *prometheus.CounterVec
	roundDuration    *prometheus.HistogramVec
	currentRound     prometheus.Gauge
	groupMembers     *prometheus.GaugeVec
	groupAccuracy    *prometheus.GaugeVec
	groupDiscrepancy *prometheus.GaugeVec
	migrationsTotal  prometheus.Counter
	reclustersTotal  prometheus.Counter
	bytesWritten     prometheus.Counter
	bytesRead        prometheus.Counter
	flopsTotal       prometheus.Counter
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = DefaultPrometheusConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return pm, nil
}

// ObserveRound counts a finished round and records its wall time
func (pm *PrometheusMetrics) ObserveRound(mode string, round int, duration time.Duration) {
	pm.roundsTotal.WithLabelValues(mode).Inc()
	pm.roundDuration.WithLabelValues(mode).Observe(duration.Seconds())
	pm.currentRound.Set(float64(round))
}

func (pm *PrometheusMetrics) SetGroupMembers(group int, members int) {
	pm.groupMembers.WithLabelValues(strconv.Itoa(group)).Set(float64(members))
}

func (pm *PrometheusMetrics) SetGroupAccuracy(group int, testAccuracy, trainAccuracy float64) {
	g := strconv.Itoa(group)
	pm.groupAccuracy.WithLabelValues(g, "test").Set(testAccuracy)
	pm.groupAccuracy.WithLabelValues(g, "train").Set(trainAccuracy)
}

// SetDiscrepancy records a group discrepancy. Group -1 is the population total.
func (pm *PrometheusMetrics) SetDiscrepancy(group int, value float64) {
	label := "total"
	if group >= 0 {
		label = strconv.Itoa(group)
	}
	pm.groupDiscrepancy.WithLabelValues(label).Set(value)
}

func (pm *PrometheusMetrics) AddMigrations(n int) {
	if n > 0 {
		pm.migrationsTotal.Add(float64(n))
	}
}

func (pm *PrometheusMetrics) IncReclusters() {
	pm.reclustersTotal.Inc()
}

func (pm *PrometheusMetrics) AddCost(cost models.Cost) {
	pm.bytesWritten.Add(float64(cost.BytesWritten))
	pm.bytesRead.Add(float64(cost.BytesRead))
	pm.flopsTotal.Add(float64(cost.Flops))
}

// Handler serves the private registry
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// GetConfig returns the configuration
func (pm *PrometheusMetrics) GetConfig() *PrometheusConfig {
	return pm.config
}

func (pm *PrometheusMetrics) initializeMetrics() {
	namespace := pm.config.Namespace
	subsystem := pm.config.Subsystem
	labels := prometheus.Labels(pm.config.Labels)

	// Round metrics
	pm.roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rounds_total",
			Help:        "Total number of completed communication rounds",
			ConstLabels: labels,
		},
		[]string{"mode"},
	)

	pm.roundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "round_duration_seconds",
			Help:        "Wall time of a communication round in seconds",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			ConstLabels: labels,
		},
		[]string{"mode"},
	)

	pm.currentRound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "current_round",
		Help:        "Index of the last completed round",
		ConstLabels: labels,
	})

	// Group metrics
	pm.groupMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "group_members",
			Help:        "Number of clients assigned to a group",
			ConstLabels: labels,
		},
		[]string{"group"},
	)

	pm.groupAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "group_accuracy",
			Help:        "Weighted accuracy of a group model over its members",
			ConstLabels: labels,
		},
		[]string{"group", "split"},
	)

	pm.groupDiscrepancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "group_discrepancy",
			Help:        "Mean distance between member models and their group model",
			ConstLabels: labels,
		},
		[]string{"group"},
	)

	// Scheduling metrics
	pm.migrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "migrations_total",
		Help:        "Total number of client group migrations",
		ConstLabels: labels,
	})

	pm.reclustersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "reclusters_total",
		Help:        "Total number of recluster passes",
		ConstLabels: labels,
	})

	// Cost metrics
	pm.bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "bytes_written_total",
		Help:        "Bytes uploaded by clients",
		ConstLabels: labels,
	})

	pm.bytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "bytes_read_total",
		Help:        "Bytes downloaded by clients",
		ConstLabels: labels,
	})

	pm.flopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "client_flops_total",
		Help:        "Floating point operations spent in local training",
		ConstLabels: labels,
	})
}

func (pm *PrometheusMetrics) registerMetrics() error {
	metrics := []prometheus.Collector{
		pm.roundsTotal,
		pm.roundDuration,
		pm.currentRound,
		pm.groupMembers,
		pm.groupAccuracy,
		pm.groupDiscrepancy,
		pm.migrationsTotal,
		pm.reclustersTotal,
		pm.bytesWritten,
		pm.bytesRead,
		pm.flopsTotal,
	}

	for _, metric := range metrics {
		if err := pm.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// DefaultPrometheusConfig returns the metrics defaults
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "fedgroup",
		Subsystem: "simulation",
		Labels:    make(map[string]string),
	}
}
