package influxdb

import (
	"context"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// InfluxDBConfig contains configuration for the InfluxDB metrics sink
type InfluxDBConfig struct {
	URL          string        `mapstructure:"url" json:"url"`
	Token        string        `mapstructure:"token" json:"token"`
	Organization string        `mapstructure:"organization" json:"organization"`
	Bucket       string        `mapstructure:"bucket" json:"bucket"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout"`
	BatchSize    int           `mapstructure:"batch_size" json:"batch_size"`
	UseGZip      bool          `mapstructure:"use_gzip" json:"use_gzip"`
	// Measurement prefixes every measurement name, e.g. "fedgroup_".
	Measurement string `mapstructure:"measurement" json:"measurement"`
}

// InfluxDBStorage writes evaluation records as points
type InfluxDBStorage struct {
	config    *InfluxDBConfig
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	logger    *logrus.Logger
	mu        sync.RWMutex
	connected bool
}

// NewInfluxDBStorage creates a new InfluxDB sink. Call Connect before use.
func NewInfluxDBStorage(config *InfluxDBConfig, logger *logrus.Logger) (*InfluxDBStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeMissingField, "InfluxDB config cannot be nil")
	}
	if config.URL == "" || config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeMissingField, "InfluxDB url and bucket are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}

	return &InfluxDBStorage{config: config, logger: logger}, nil
}

// Connect establishes connection to InfluxDB
func (s *InfluxDBStorage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetBatchSize(uint(s.config.BatchSize))
	options.SetUseGZip(s.config.UseGZip)
	options.SetPrecision(time.Millisecond)
	options.SetHTTPRequestTimeout(uint(s.config.Timeout / time.Second))

	client := influxdb2.NewClientWithOptions(s.config.URL, s.config.Token, options)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to InfluxDB")
	}
	if !ok {
		client.Close()
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping failed")
	}

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.config.Organization, s.config.Bucket)
	s.connected = true

	s.logger.WithFields(logrus.Fields{
		"url":          s.config.URL,
		"organization": s.config.Organization,
		"bucket":       s.config.Bucket,
	}).Info("Connected to InfluxDB")
	return nil
}

// Close closes the connection to InfluxDB
func (s *InfluxDBStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.client.Close()
	s.connected = false
	s.logger.Info("Disconnected from InfluxDB")
	return nil
}

func (s *InfluxDBStorage) write(ctx context.Context, points []*write.Point) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "Not connected to InfluxDB")
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to write to InfluxDB")
	}

	s.logger.WithFields(logrus.Fields{
		"points":      len(points),
		"measurement": points[0].Name(),
	}).Debug("Wrote points to InfluxDB")
	return nil
}

// WriteGroupStats writes one point per group
func (s *InfluxDBStorage) WriteGroupStats(ctx context.Context, stats []models.GroupStats) error {
	return s.write(ctx, groupStatsPoints(s.config.Measurement, stats))
}

// WriteRoundSummary writes the cross-group summary point
func (s *InfluxDBStorage) WriteRoundSummary(ctx context.Context, summary models.RoundSummary) error {
	return s.write(ctx, []*write.Point{summaryPoint(s.config.Measurement, summary)})
}

// WriteDiscrepancy writes the total and per-group client distances
func (s *InfluxDBStorage) WriteDiscrepancy(ctx context.Context, runID string, round int, diffs []float64) error {
	return s.write(ctx, discrepancyPoints(s.config.Measurement, runID, round, diffs, time.Now()))
}

func groupStatsPoints(prefix string, stats []models.GroupStats) []*write.Point {
	points := make([]*write.Point, 0, len(stats))
	for _, st := range stats {
		points = append(points, influxdb2.NewPointWithMeasurement(prefix+"group_stats").
			AddTag("run_id", st.RunID).
			AddTag("group", strconv.Itoa(st.GroupID)).
			AddField("round", st.Round).
			AddField("members", st.Members).
			AddField("test_accuracy", st.TestAccuracy).
			AddField("train_accuracy", st.TrainAccuracy).
			AddField("train_loss", st.TrainLoss).
			AddField("test_samples", st.TestSamples).
			AddField("train_samples", st.TrainSamples).
			AddField("discrepancy", st.Discrepancy).
			SetTime(st.Timestamp))
	}
	return points
}

func summaryPoint(prefix string, s models.RoundSummary) *write.Point {
	return influxdb2.NewPointWithMeasurement(prefix+"round_summary").
		AddTag("run_id", s.RunID).
		AddTag("mode", s.Mode).
		AddField("round", s.Round).
		AddField("active_groups", s.ActiveGroups).
		AddField("mean_test_accuracy", s.MeanTestAccuracy).
		AddField("mean_train_accuracy", s.MeanTrainAccuracy).
		AddField("mean_train_loss", s.MeanTrainLoss).
		AddField("test_accuracy", s.TestAccuracy).
		AddField("train_accuracy", s.TrainAccuracy).
		AddField("train_loss", s.TrainLoss).
		AddField("discrepancy", s.Discrepancy).
		AddField("migrations", s.Migrations).
		AddField("duration_ms", s.Duration.Milliseconds()).
		SetTime(s.Timestamp)
}

// discrepancyPoints tags diffs[0] as group "total" and diffs[i] as group i-1.
func discrepancyPoints(prefix, runID string, round int, diffs []float64, at time.Time) []*write.Point {
	points := make([]*write.Point, 0, len(diffs))
	for i, d := range diffs {
		group := "total"
		if i > 0 {
			group = strconv.Itoa(i - 1)
		}
		points = append(points, influxdb2.NewPointWithMeasurement(prefix+"discrepancy").
			AddTag("run_id", runID).
			AddTag("group", group).
			AddField("round", round).
			AddField("value", d).
			SetTime(at))
	}
	return points
}
