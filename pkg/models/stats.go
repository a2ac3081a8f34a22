package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cost is the communication and computation spent by one local solve.
type Cost struct {
	BytesWritten int64 `json:"bytes_written"`
	Flops        int64 `json:"flops"`
	BytesRead    int64 `json:"bytes_read"`
}

// Add returns the element-wise sum of c and o.
func (c Cost) Add(o Cost) Cost {
	return Cost{
		BytesWritten: c.BytesWritten + o.BytesWritten,
		Flops:        c.Flops + o.Flops,
		BytesRead:    c.BytesRead + o.BytesRead,
	}
}

// GroupStats is the per-group evaluation record written every evaluated round.
type GroupStats struct {
	RunID         string    `json:"run_id"`
	Round         int       `json:"round"`
	GroupID       int       `json:"group_id"`
	Members       int       `json:"members"`
	TestAccuracy  float64   `json:"test_accuracy"`
	TrainAccuracy float64   `json:"train_accuracy"`
	TrainLoss     float64   `json:"train_loss"`
	TestSamples   int       `json:"test_samples"`
	TrainSamples  int       `json:"train_samples"`
	Discrepancy   float64   `json:"discrepancy"`
	Timestamp     time.Time `json:"timestamp"`
}

// RoundSummary is the cross-group summary for one round.
type RoundSummary struct {
	RunID             string        `json:"run_id"`
	Round             int           `json:"round"`
	Mode              string        `json:"mode"`
	ActiveGroups      int           `json:"active_groups"`
	MeanTestAccuracy  float64       `json:"mean_test_accuracy"`
	MeanTrainAccuracy float64       `json:"mean_train_accuracy"`
	MeanTrainLoss     float64       `json:"mean_train_loss"`
	TestAccuracy      float64       `json:"test_accuracy"`
	TrainAccuracy     float64       `json:"train_accuracy"`
	TrainLoss         float64       `json:"train_loss"`
	Discrepancy       float64       `json:"discrepancy"`
	Migrations        int           `json:"migrations"`
	Duration          time.Duration `json:"duration"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Snapshot is the persisted simulator state after a round.
type Snapshot struct {
	RunID        string                 `json:"run_id" msgpack:"run_id"`
	Round        int                    `json:"round" msgpack:"round"`
	Mode         string                 `json:"mode" msgpack:"mode"`
	GlobalModel  Params                 `json:"global_model" msgpack:"global_model"`
	GlobalUpdate Params                 `json:"global_update" msgpack:"global_update"`
	GroupModels  []Params               `json:"group_models" msgpack:"group_models"`
	GroupUpdates []Params               `json:"group_updates" msgpack:"group_updates"`
	Clients      map[string]ClientState `json:"clients" msgpack:"clients"`
	Temperatures map[string]int         `json:"temperatures,omitempty" msgpack:"temperatures"`
	CreatedAt    time.Time              `json:"created_at" msgpack:"created_at"`
}

// ClientState is one client's persisted placement and local model. Group is -1
// for a cold client.
type ClientState struct {
	Group       int       `json:"group" msgpack:"group"`
	Difference  []float64 `json:"difference,omitempty" msgpack:"difference"`
	LocalModel  Params    `json:"local_model" msgpack:"local_model"`
	LocalUpdate Params    `json:"local_update" msgpack:"local_update"`
	Clustering  bool      `json:"clustering,omitempty" msgpack:"clustering"`
}

const snapshotPrefix = "round-"

// SnapshotKey is the storage key of a snapshot, without a format extension.
func SnapshotKey(runID string, round int) string {
	return fmt.Sprintf("%s/%s%06d", runID, snapshotPrefix, round)
}

// ParseSnapshotRound extracts the round from the base name of a snapshot key.
// Extensions after the round number are ignored.
func ParseSnapshotRound(name string) (int, bool) {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if !strings.HasPrefix(name, snapshotPrefix) {
		return 0, false
	}
	name = strings.TrimPrefix(name, snapshotPrefix)
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	round, err := strconv.Atoi(name)
	if err != nil || round < 0 {
		return 0, false
	}
	return round, true
}
