package metrics

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTick(t *testing.T) {
	RecordTick("metrics_test", time.Millisecond*50, time.Millisecond*50)
	RecordTick("metrics_test", time.Millisecond*250, -time.Millisecond*150)
	assert.Equal(t, -0.15, testutil.ToFloat64(tickSlack.WithLabelValues("metrics_test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tickOverruns.WithLabelValues("metrics_test")))
}

func TestGauges(t *testing.T) {
	SetEntities("metrics_test", 3, 7)
	assert.Equal(t, 3.0, testutil.ToFloat64(entities.WithLabelValues("metrics_test", "real")))
	assert.Equal(t, 7.0, testutil.ToFloat64(entities.WithLabelValues("metrics_test", "ghost")))

	RecordGhostMessage("metrics_test", "GHOST_UPDATE", "stale")
	RecordGhostMessage("metrics_test", "GHOST_UPDATE", "stale")
	assert.Equal(t, 2.0, testutil.ToFloat64(ghostMessages.WithLabelValues("metrics_test", "GHOST_UPDATE", "stale")))
}

func TestRecordInboundBacklog(t *testing.T) {
	RecordInboundBacklog("metrics_test_backlog")
	RecordInboundBacklog("metrics_test_backlog")
	assert.Equal(t, 2.0, testutil.ToFloat64(inboundBacklog.WithLabelValues("metrics_test_backlog")))
}
