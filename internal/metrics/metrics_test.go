package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Logins.WithLabelValues("success").Inc()
	m.Calls.WithLabelValues(CallStarted).Add(2)
	m.ConnectionsActive.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Calls.WithLabelValues(CallStarted)))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `callrelay_logins_total{result="success"} 1`)
	assert.Contains(t, string(body), `callrelay_calls_total{outcome="started"} 2`)
	assert.Contains(t, string(body), "callrelay_connections_active 3")
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
