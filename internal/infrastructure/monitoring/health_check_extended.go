package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"meetmesh/internal/core/ports"
)

func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddRepositoryCheck pings the meeting store. backend names the check.
func (h *HealthChecker) AddRepositoryCheck(backend string, repo ports.MeetingRepository, interval, timeout time.Duration) {
	h.AddCheck("meeting_store_"+backend, repo.Ping, interval, timeout)
}
