package client

import (
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/pkg/utils"
)

const departureTTL = 30 * time.Second

// departures remembers peers announced as gone for a short while, so a
// participant list that was overtaken by the departure cannot bring them
// back. It is not safe for concurrent use; owners guard it with their lock.
type departures struct {
	ttl   time.Duration
	clock utils.Clock
	at    map[domain.ConnectionID]time.Time
}

func newDepartures(ttl time.Duration, clock utils.Clock) *departures {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &departures{ttl: ttl, clock: clock, at: make(map[domain.ConnectionID]time.Time)}
}

func (d *departures) mark(id domain.ConnectionID) {
	now := d.clock.Now()
	for k, t := range d.at {
		if now.Sub(t) >= d.ttl {
			delete(d.at, k)
		}
	}
	d.at[id] = now
}

// clear forgets id, as when the same connection joins again.
func (d *departures) clear(id domain.ConnectionID) {
	delete(d.at, id)
}

func (d *departures) recent(id domain.ConnectionID) bool {
	t, ok := d.at[id]
	return ok && d.clock.Now().Sub(t) < d.ttl
}

func (d *departures) reset() {
	d.at = make(map[domain.ConnectionID]time.Time)
}
