package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

var (
	groupStatsHeader = []string{"run_id", "round", "group", "members", "test_accuracy", "train_accuracy",
		"train_loss", "test_samples", "train_samples", "discrepancy", "timestamp"}
	meansHeader = []string{"run_id", "round", "mode", "active_groups", "mean_test_accuracy", "mean_train_accuracy",
		"mean_train_loss", "test_accuracy", "train_accuracy", "train_loss", "discrepancy", "migrations", "duration_ms"}
)

// CSVSink appends evaluation records to three CSV files in one directory.
type CSVSink struct {
	dir    string
	logger *logrus.Logger

	mu      sync.Mutex
	files   map[string]*os.File
	writers map[string]*csv.Writer
}

// NewCSVSink creates dir if needed. Files are created on first write.
func NewCSVSink(dir string, logger *logrus.Logger) (*CSVSink, error) {
	if dir == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "output directory is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create output directory")
	}
	return &CSVSink{
		dir:     dir,
		logger:  logger,
		files:   make(map[string]*os.File),
		writers: make(map[string]*csv.Writer),
	}, nil
}

// writer returns the csv writer for name, writing header when the file is new.
func (s *CSVSink) writer(name string, header []string) (*csv.Writer, error) {
	if w, ok := s.writers[name]; ok {
		return w, nil
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to open CSV file").
			WithContext("path", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to stat CSV file")
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 && header != nil {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	s.files[name] = f
	s.writers[name] = w
	return w, nil
}

func (s *CSVSink) writeRows(name string, header []string, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.writer(name, header)
	if err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write CSV rows").
			WithContext("file", name)
	}
	return nil
}

// WriteGroupStats appends one row per group
func (s *CSVSink) WriteGroupStats(ctx context.Context, stats []models.GroupStats) error {
	rows := make([][]string, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, []string{
			st.RunID,
			strconv.Itoa(st.Round),
			strconv.Itoa(st.GroupID),
			strconv.Itoa(st.Members),
			formatFloat(st.TestAccuracy),
			formatFloat(st.TrainAccuracy),
			formatFloat(st.TrainLoss),
			strconv.Itoa(st.TestSamples),
			strconv.Itoa(st.TrainSamples),
			formatFloat(st.Discrepancy),
			st.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return s.writeRows(constants.StatsFileName, groupStatsHeader, rows)
}

// WriteRoundSummary appends the cross-group means
func (s *CSVSink) WriteRoundSummary(ctx context.Context, m models.RoundSummary) error {
	return s.writeRows(constants.MeansFileName, meansHeader, [][]string{{
		m.RunID,
		strconv.Itoa(m.Round),
		m.Mode,
		strconv.Itoa(m.ActiveGroups),
		formatFloat(m.MeanTestAccuracy),
		formatFloat(m.MeanTrainAccuracy),
		formatFloat(m.MeanTrainLoss),
		formatFloat(m.TestAccuracy),
		formatFloat(m.TrainAccuracy),
		formatFloat(m.TrainLoss),
		formatFloat(m.Discrepancy),
		strconv.Itoa(m.Migrations),
		strconv.FormatInt(m.Duration.Milliseconds(), 10),
	}})
}

// WriteDiscrepancy appends round, total and one column per group. The header is
// sized by the first write.
func (s *CSVSink) WriteDiscrepancy(ctx context.Context, runID string, round int, diffs []float64) error {
	header := []string{"run_id", "round", "total"}
	for i := 1; i < len(diffs); i++ {
		header = append(header, "group_"+strconv.Itoa(i-1))
	}

	row := []string{runID, strconv.Itoa(round)}
	for _, d := range diffs {
		row = append(row, formatFloat(d))
	}
	return s.writeRows(constants.DiscrepancyFileName, header, [][]string{row})
}

// Flush pushes buffered rows to disk
func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, w := range s.writers {
		w.Flush()
		if err := w.Error(); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to flush CSV").
				WithContext("file", name)
		}
	}
	return nil
}

// Close flushes and closes every file
func (s *CSVSink) Close() error {
	flushErr := s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.files {
		if err := f.Close(); err != nil {
			s.logger.WithError(err).WithField("file", name).Warn("Failed to close CSV file")
		}
	}
	s.files = make(map[string]*os.File)
	s.writers = make(map[string]*csv.Writer)
	return flushErr
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}
