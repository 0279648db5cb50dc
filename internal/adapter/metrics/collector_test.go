package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pickline/internal/port"
)

var _ port.Metrics = (*Collector)(nil)

func TestCollector_Values(t *testing.T) {
	c := NewCollector()

	c.SetConnections(3, 1)
	c.ObserveCompletion("completed")
	c.ObserveCompletion("completed")
	c.ObserveCompletion("duplicate")
	c.IncLockConflict()
	c.IncDeliveryFailure("tablet")
	c.SetStaleLineItems(4)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.connections.WithLabelValues("iot-device")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections.WithLabelValues("tablet")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.completions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completions.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveryFailures.WithLabelValues("tablet")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.staleLineItems))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.IncLockConflict()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pickline_order_lock_conflicts_total 1")
}
