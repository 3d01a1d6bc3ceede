package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaosq/internal/monitor"
)

type fixedSnapshot struct{ s monitor.Snapshot }

func (f fixedSnapshot) Latest() (monitor.Snapshot, bool) { return f.s, true }

func TestRecordBatch(t *testing.T) {
	m := New(nil)

	m.RecordBatch("connection_test", 18, 2, 150*time.Millisecond)
	m.RecordBatch("connection_test", 20, 0, 100*time.Millisecond)

	assert.Equal(t, 38.0, testutil.ToFloat64(m.operations.WithLabelValues("connection_test", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("connection_test", "failure")))
}

func TestGauges(t *testing.T) {
	m := New(nil)
	m.SetPoolSize(42)
	m.SetCheckpointRate("message_test", 1234.5)
	m.PhaseFinished("message_test", "completed")

	assert.Equal(t, 42.0, testutil.ToFloat64(m.poolSize))
	assert.Equal(t, 1234.5, testutil.ToFloat64(m.checkpoint.WithLabelValues("message_test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseStatus.WithLabelValues("message_test", "completed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordBatch("x", 1, 1, time.Second)
	m.SetPoolSize(1)
	m.SetCheckpointRate("x", 1)
	m.PhaseFinished("x", "completed")
}

func TestHandlerExposesResources(t *testing.T) {
	m := New(fixedSnapshot{monitor.Snapshot{SystemCPUPercent: 37.5, PortConnections: 12}})
	m.SetPoolSize(3)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "chaosq_resource_system_cpu_percent 37.5")
	assert.Contains(t, string(body), "chaosq_resource_target_port_connections 12")
	assert.Contains(t, string(body), "chaosq_pool_connections 3")
}
