package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/monitor"
	"github.com/rickgao/courier/internal/router"
)

func TestCollector_Notify(t *testing.T) {
	c := NewPrometheus("")

	c.Notify("mock://a", monitor.Event{Kind: monitor.KindDelivery, Error: true})
	c.Notify("mock://a", monitor.Event{Kind: monitor.KindQueueFull, Error: true})
	c.Notify("mock://a", monitor.Event{Kind: monitor.KindDelivery})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("delivery", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("delivery", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.unhealthy.WithLabelValues("mock://a", "delivery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unhealthy.WithLabelValues("mock://a", "queue")))
}

func TestCollector_WatchWorkers(t *testing.T) {
	c := NewPrometheus("courier")
	c.WatchWorkers(func() map[string]dispatch.Stats {
		return map[string]dispatch.Stats{
			"s1": {Submitted: 5, Delivered: 3, Failed: 1, Discarded: 1, Pending: 2},
		}
	})

	expected := `
# HELP courier_worker_delivered_total Messages delivered.
# TYPE courier_worker_delivered_total counter
courier_worker_delivered_total{subscriber="s1"} 3
# HELP courier_worker_pending Accepted sends not yet finished, including the one in flight.
# TYPE courier_worker_pending gauge
courier_worker_pending{subscriber="s1"} 2
`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"courier_worker_delivered_total", "courier_worker_pending")
	require.NoError(t, err)
}

func TestCollector_WatchRouter(t *testing.T) {
	c := NewPrometheus("courier")
	c.WatchRouter(func() router.Stats {
		return router.Stats{Subscriptors: 4, Enabled: 3, Sent: 10, Skipped: 2}
	})

	n, err := testutil.GatherAndCount(c.Registry(),
		"courier_router_subscriptors", "courier_router_subscriptors_enabled",
		"courier_router_sent_total", "courier_router_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCollector_Handler(t *testing.T) {
	c := NewPrometheus("courier")
	c.Notify("mock://a", monitor.Event{Kind: monitor.KindDelivery, Error: true})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `courier_health_unhealthy{kind="delivery",source="mock://a"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
