package federation

import (
	"sort"
	"sync"

	"github.com/inferloop/fedgroup/pkg/models"
)

// Ledger accumulates per-client, per-round communication and computation cost.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]map[int]models.Cost
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]map[int]models.Cost)}
}

// Record adds cost to the client's entry for round.
func (l *Ledger) Record(clientID string, round int, cost models.Cost) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rounds, ok := l.records[clientID]
	if !ok {
		rounds = make(map[int]models.Cost)
		l.records[clientID] = rounds
	}
	rounds[round] = rounds[round].Add(cost)
}

// Get returns the client's cost for round.
func (l *Ledger) Get(clientID string, round int) models.Cost {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[clientID][round]
}

// ClientTotal returns the client's cost summed over all rounds.
func (l *Ledger) ClientTotal(clientID string) models.Cost {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total models.Cost
	for _, c := range l.records[clientID] {
		total = total.Add(c)
	}
	return total
}

// RoundTotal returns the cost of all clients in round.
func (l *Ledger) RoundTotal(round int) models.Cost {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total models.Cost
	for _, rounds := range l.records {
		total = total.Add(rounds[round])
	}
	return total
}

// Clients returns the ids with at least one record, sorted.
func (l *Ledger) Clients() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the ledger as three maps keyed by client id then round,
// one for each of bytes written, FLOPs and bytes read.
func (l *Ledger) Snapshot() (written, flops, read map[string]map[int]int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	written = make(map[string]map[int]int64, len(l.records))
	flops = make(map[string]map[int]int64, len(l.records))
	read = make(map[string]map[int]int64, len(l.records))
	for id, rounds := range l.records {
		written[id] = make(map[int]int64, len(rounds))
		flops[id] = make(map[int]int64, len(rounds))
		read[id] = make(map[int]int64, len(rounds))
		for r, c := range rounds {
			written[id][r] = c.BytesWritten
			flops[id][r] = c.Flops
			read[id][r] = c.BytesRead
		}
	}
	return written, flops, read
}
