package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/models"
)

// LedgerReport is the end-of-run JSON document: the per-round accuracy trace plus
// the per-client, per-round communication and computation ledger.
type LedgerReport struct {
	RunID              string                   `json:"run_id"`
	Mode               string                   `json:"mode"`
	Config             interface{}              `json:"config,omitempty"`
	Rounds             []int                    `json:"rounds"`
	Accuracies         []float64                `json:"accuracies"`
	TrainAccuracies    []float64                `json:"train_accuracies"`
	TrainLosses        []float64                `json:"train_losses"`
	Discrepancies      []float64                `json:"discrepancies"`
	BytesWritten       map[string]map[int]int64 `json:"bytes_written"`
	ClientComputations map[string]map[int]int64 `json:"client_computations"`
	BytesRead          map[string]map[int]int64 `json:"bytes_read"`
	Totals             models.Cost              `json:"totals"`
}

// NewLedgerReport fills the accuracy trace from summaries and totals the ledger maps.
func NewLedgerReport(runID, mode string, config interface{}, summaries []models.RoundSummary,
	written, flops, read map[string]map[int]int64) *LedgerReport {
	r := &LedgerReport{
		RunID:              runID,
		Mode:               mode,
		Config:             config,
		Rounds:             make([]int, 0, len(summaries)),
		Accuracies:         make([]float64, 0, len(summaries)),
		TrainAccuracies:    make([]float64, 0, len(summaries)),
		TrainLosses:        make([]float64, 0, len(summaries)),
		Discrepancies:      make([]float64, 0, len(summaries)),
		BytesWritten:       written,
		ClientComputations: flops,
		BytesRead:          read,
	}
	for _, s := range summaries {
		r.Rounds = append(r.Rounds, s.Round)
		r.Accuracies = append(r.Accuracies, s.TestAccuracy)
		r.TrainAccuracies = append(r.TrainAccuracies, s.TrainAccuracy)
		r.TrainLosses = append(r.TrainLosses, s.TrainLoss)
		r.Discrepancies = append(r.Discrepancies, s.Discrepancy)
	}
	r.Totals = models.Cost{
		BytesWritten: sumNested(written),
		Flops:        sumNested(flops),
		BytesRead:    sumNested(read),
	}
	return r
}

// WriteJSON encodes the report with indentation
func (r *LedgerReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode ledger report: %w", err)
	}
	return nil
}

// WriteFile writes the report to path, creating parent directories
func (r *LedgerReport) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create report directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create report file").
			WithContext("path", path)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sumNested(m map[string]map[int]int64) int64 {
	var total int64
	for _, rounds := range m {
		for _, v := range rounds {
			total += v
		}
	}
	return total
}
