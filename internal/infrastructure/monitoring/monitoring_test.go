package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
)

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.ConnectionOpened()
	p.ConnectionOpened()
	p.ConnectionClosed()
	p.RoomsChanged(ports.RegistryStats{Rooms: 2, Participants: 5})
	p.SignalRelayed(domain.SignalOffer)
	p.PersistenceOp("end", nil)
	p.PersistenceOp("end", errors.New("down"))
	p.MeetingsReaped(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connectionsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.roomsActive))
	assert.Equal(t, 5.0, testutil.ToFloat64(p.participants))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.signalsRelayed.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.persistenceOps.WithLabelValues("end", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.meetingsReaped))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(context.Context) error { return nil }, time.Second, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("store", func(context.Context) error { return errors.New("unreachable") }, time.Second, time.Second)
	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "unreachable", status.Checks["store"])
	assert.Equal(t, "unreachable", h.LastResults()["store"])
}

func TestHealthChecker_TimeoutApplies(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Second, 10*time.Millisecond)

	assert.False(t, h.IsReady(context.Background()))
}
