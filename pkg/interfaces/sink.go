package interfaces

import (
	"context"
	"time"

	"github.com/inferloop/fedgroup/pkg/models"
)

// MetricsSink receives evaluation records produced by the simulator.
type MetricsSink interface {
	WriteGroupStats(ctx context.Context, stats []models.GroupStats) error
	WriteRoundSummary(ctx context.Context, summary models.RoundSummary) error
	// WriteDiscrepancy records [total, group_0, ..., group_k-1] client-group distances.
	WriteDiscrepancy(ctx context.Context, runID string, round int, diffs []float64) error
	Close() error
}

// CheckpointStore persists round snapshots.
type CheckpointStore interface {
	Store(ctx context.Context, snapshot *models.Snapshot) error
	Retrieve(ctx context.Context, runID string, round int) (*models.Snapshot, error)
	Exists(ctx context.Context, runID string, round int) (bool, error)
	ListRounds(ctx context.Context, runID string) ([]int, error)
	Delete(ctx context.Context, runID string, round int) error
	Close() error
}

// RoundRecorder receives live counters and gauges while the simulation runs.
type RoundRecorder interface {
	ObserveRound(mode string, round int, duration time.Duration)
	SetGroupMembers(group int, members int)
	SetGroupAccuracy(group int, testAccuracy, trainAccuracy float64)
	SetDiscrepancy(group int, value float64)
	AddMigrations(n int)
	IncReclusters()
	AddCost(cost models.Cost)
}
