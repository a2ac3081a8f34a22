package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

var _ interfaces.RoundRecorder = (*PrometheusMetrics)(nil)

func TestPrometheusMetricsRecordsRounds(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, nil)
	require.NoError(t, err)

	pm.ObserveRound("fedgroup", 0, 10*time.Millisecond)
	pm.ObserveRound("fedgroup", 1, 20*time.Millisecond)
	pm.SetGroupMembers(2, 7)
	pm.SetGroupAccuracy(2, 0.8, 0.9)
	pm.SetDiscrepancy(-1, 0.5)
	pm.SetDiscrepancy(0, 0.25)
	pm.AddMigrations(3)
	pm.AddMigrations(0)
	pm.IncReclusters()
	pm.AddCost(models.Cost{BytesWritten: 100, Flops: 50, BytesRead: 10})

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.roundsTotal.WithLabelValues("fedgroup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.currentRound))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.groupMembers.WithLabelValues("2")))
	assert.Equal(t, 0.8, testutil.ToFloat64(pm.groupAccuracy.WithLabelValues("2", "test")))
	assert.Equal(t, 0.5, testutil.ToFloat64(pm.groupDiscrepancy.WithLabelValues("total")))
	assert.Equal(t, 0.25, testutil.ToFloat64(pm.groupDiscrepancy.WithLabelValues("0")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.migrationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.reclustersTotal))
	assert.Equal(t, 100.0, testutil.ToFloat64(pm.bytesWritten))
	assert.Equal(t, 50.0, testutil.ToFloat64(pm.flopsTotal))
}

func TestPrometheusMetricsHandler(t *testing.T) {
	pm, err := NewPrometheusMetrics(&PrometheusConfig{Namespace: "test", Subsystem: "sim"}, nil)
	require.NoError(t, err)
	pm.IncReclusters()

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_sim_reclusters_total"))
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	_, err := NewPrometheusMetrics(nil, nil)
	require.NoError(t, err)
	_, err = NewPrometheusMetrics(nil, nil)
	assert.NoError(t, err)
}
