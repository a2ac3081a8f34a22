package export

import (
	"context"
	"sort"
	"sync"

	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// MultiSink fans every write out to several sinks. Every sink is called; the first
// error is returned.
type MultiSink struct {
	sinks []interfaces.MetricsSink
}

// NewMultiSink skips nil entries.
func NewMultiSink(sinks ...interfaces.MetricsSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) each(fn func(interfaces.MetricsSink) error) error {
	var first error
	for _, s := range m.sinks {
		if err := fn(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) WriteGroupStats(ctx context.Context, stats []models.GroupStats) error {
	return m.each(func(s interfaces.MetricsSink) error { return s.WriteGroupStats(ctx, stats) })
}

func (m *MultiSink) WriteRoundSummary(ctx context.Context, summary models.RoundSummary) error {
	return m.each(func(s interfaces.MetricsSink) error { return s.WriteRoundSummary(ctx, summary) })
}

func (m *MultiSink) WriteDiscrepancy(ctx context.Context, runID string, round int, diffs []float64) error {
	return m.each(func(s interfaces.MetricsSink) error { return s.WriteDiscrepancy(ctx, runID, round, diffs) })
}

func (m *MultiSink) Close() error {
	return m.each(func(s interfaces.MetricsSink) error { return s.Close() })
}

// SummaryCollector keeps round summaries in memory for the end-of-run report.
type SummaryCollector struct {
	mu        sync.Mutex
	summaries map[int]models.RoundSummary
}

// NewSummaryCollector creates an empty collector
func NewSummaryCollector() *SummaryCollector {
	return &SummaryCollector{summaries: make(map[int]models.RoundSummary)}
}

func (c *SummaryCollector) WriteGroupStats(context.Context, []models.GroupStats) error { return nil }

// WriteRoundSummary keeps the latest summary per round.
func (c *SummaryCollector) WriteRoundSummary(_ context.Context, summary models.RoundSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries[summary.Round] = summary
	return nil
}

func (c *SummaryCollector) WriteDiscrepancy(context.Context, string, int, []float64) error { return nil }

func (c *SummaryCollector) Close() error { return nil }

// Summaries returns the collected summaries ordered by round.
func (c *SummaryCollector) Summaries() []models.RoundSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.RoundSummary, 0, len(c.summaries))
	for _, s := range c.summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out
}
