package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	m := NewCollector()

	m.MessagesTotal.WithLabelValues("reconciler", OutcomeProcessed).Inc()
	m.MessagesTotal.WithLabelValues("reconciler", OutcomeProcessed).Inc()
	m.MessagesTotal.WithLabelValues("reconciler", OutcomeDuplicate).Inc()
	m.TransitionsTotal.WithLabelValues("app", "STAGE_COMPLETE", TransitionApplied).Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("reconciler", OutcomeProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("reconciler", OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("app", "STAGE_COMPLETE", TransitionApplied)))
}

func TestCollectorsAreIsolated(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.TasksDispatchedTotal.WithLabelValues("scaffold").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.TasksDispatchedTotal.WithLabelValues("scaffold")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TasksDispatchedTotal.WithLabelValues("scaffold")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewCollector()
	m.AgentsLive.WithLabelValues("validator").Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `semflow_registry_agents_live{agent_type="validator"} 2`)
}
