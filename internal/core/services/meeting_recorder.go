package services

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/circuitbreaker"
	"meetmesh/pkg/retry"
	"meetmesh/pkg/tracing"
)

type RecorderConfig struct {
	// Backend names the store in traces.
	Backend          string
	Shards           int
	OperationTimeout time.Duration
	Retry            retry.Config
	Breaker          circuitbreaker.Config
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Backend:          "memory",
		Shards:           8,
		OperationTimeout: 5 * time.Second,
		Retry:            retry.DefaultConfig(),
		Breaker:          circuitbreaker.DefaultConfig(),
	}
}

type recordKind int

const (
	recordJoin recordKind = iota
	recordTouch
	recordEnd
	recordBarrier
)

func (k recordKind) String() string {
	switch k {
	case recordJoin:
		return "upsert"
	case recordTouch:
		return "touch"
	case recordEnd:
		return "end"
	default:
		return "barrier"
	}
}

type recordOp struct {
	kind      recordKind
	meetingID domain.MeetingID
	upsert    domain.MeetingUpsert
	at        time.Time
	done      chan struct{}
}

// recordShard is an unbounded FIFO drained by one goroutine. Enqueue never
// blocks and never drops.
type recordShard struct {
	mu    sync.Mutex
	queue []recordOp
	wake  chan struct{}
}

func (sh *recordShard) push(op recordOp) {
	sh.mu.Lock()
	if op.kind == recordTouch && len(sh.queue) > 0 {
		last := &sh.queue[len(sh.queue)-1]
		if last.kind == recordTouch && last.meetingID == op.meetingID {
			if op.at.After(last.at) {
				last.at = op.at
			}
			sh.mu.Unlock()
			return
		}
	}
	sh.queue = append(sh.queue, op)
	sh.mu.Unlock()

	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

func (sh *recordShard) take() []recordOp {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ops := sh.queue
	sh.queue = nil
	return ops
}

// MeetingRecorder writes registry transitions to the meeting store in the
// background. Writes for one meeting are applied in the order they were
// recorded; failures are logged and counted and never reach the caller.
type MeetingRecorder struct {
	repo      ports.MeetingRepository
	publisher ports.EventPublisher
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	cfg       RecorderConfig
	breaker   *circuitbreaker.CircuitBreaker

	shards []*recordShard
	stop   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func NewMeetingRecorder(
	repo ports.MeetingRepository,
	publisher ports.EventPublisher,
	metrics ports.MetricsRecorder,
	cfg RecorderConfig,
	logger *zap.SugaredLogger,
) *MeetingRecorder {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	cfg.Retry.Permanent = append(cfg.Retry.Permanent, circuitbreaker.ErrOpen, domain.ErrMeetingNotFound)

	r := &MeetingRecorder{
		repo:      repo,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		breaker:   circuitbreaker.New(cfg.Breaker),
		shards:    make([]*recordShard, cfg.Shards),
		stop:      make(chan struct{}),
	}
	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("meeting store circuit changed", "from", from.String(), "to", to.String())
	})

	for i := range r.shards {
		r.shards[i] = &recordShard{wake: make(chan struct{}, 1)}
		r.wg.Add(1)
		go r.run(r.shards[i])
	}
	return r
}

func (r *MeetingRecorder) Joined(u domain.MeetingUpsert) {
	r.enqueue(recordOp{kind: recordJoin, meetingID: u.MeetingID, upsert: u, at: u.At})
}

func (r *MeetingRecorder) Touched(meetingID domain.MeetingID, at time.Time) {
	r.enqueue(recordOp{kind: recordTouch, meetingID: meetingID, at: at})
}

func (r *MeetingRecorder) Ended(meetingID domain.MeetingID, at time.Time) {
	r.enqueue(recordOp{kind: recordEnd, meetingID: meetingID, at: at})
}

// Flush waits until every operation recorded before the call was applied.
func (r *MeetingRecorder) Flush(ctx context.Context) error {
	barriers := make([]chan struct{}, len(r.shards))
	for i, sh := range r.shards {
		barriers[i] = make(chan struct{})
		sh.push(recordOp{kind: recordBarrier, done: barriers[i]})
	}
	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close flushes pending writes and stops the workers.
func (r *MeetingRecorder) Close(ctx context.Context) error {
	err := r.Flush(ctx)
	r.closeOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	return err
}

func (r *MeetingRecorder) enqueue(op recordOp) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(op.meetingID))
	r.shards[h.Sum32()%uint32(len(r.shards))].push(op)
}

func (r *MeetingRecorder) run(sh *recordShard) {
	defer r.wg.Done()
	for {
		select {
		case <-sh.wake:
			for _, op := range sh.take() {
				r.apply(op)
			}
		case <-r.stop:
			for _, op := range sh.take() {
				r.apply(op)
			}
			return
		}
	}
}

func (r *MeetingRecorder) apply(op recordOp) {
	if op.kind == recordBarrier {
		close(op.done)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("panic applying meeting write", "op", op.kind.String(), "meeting_id", op.meetingID, "panic", rec)
		}
	}()

	ctx := context.Background()
	var err error
	switch op.kind {
	case recordJoin:
		err = r.applyJoin(ctx, op)
	case recordTouch:
		err = r.execute(ctx, op, func(ctx context.Context) error {
			return r.repo.TouchActivity(ctx, op.meetingID, op.at)
		})
	case recordEnd:
		err = r.applyEnd(ctx, op)
	}

	r.metrics.PersistenceOp(op.kind.String(), err)
	if err != nil {
		r.logger.Warnw("meeting write failed",
			"op", op.kind.String(),
			"meeting_id", op.meetingID,
			"error", err,
		)
	}
}

func (r *MeetingRecorder) applyJoin(ctx context.Context, op recordOp) error {
	var created bool
	err := r.execute(ctx, op, func(ctx context.Context) error {
		_, c, err := r.repo.UpsertByMeetingID(ctx, op.upsert)
		created = c
		return err
	})
	if err != nil {
		return err
	}
	if created {
		r.logger.Infow("meeting started", "meeting_id", op.meetingID, "group_id", op.upsert.GroupID, "created_by", op.upsert.UserID)
		r.publish(domain.LifecycleEvent{
			Type:      domain.MeetingStartedEvent,
			MeetingID: op.meetingID,
			GroupID:   op.upsert.GroupID,
			At:        op.at,
		})
	}
	return nil
}

func (r *MeetingRecorder) applyEnd(ctx context.Context, op recordOp) error {
	var (
		room    *domain.MeetingRoom
		changed bool
	)
	err := r.execute(ctx, op, func(ctx context.Context) error {
		var err error
		room, changed, err = r.repo.UpdateStatus(ctx, op.meetingID, domain.MeetingEnded, op.at)
		return err
	})
	if err != nil || !changed {
		return err
	}

	var duration int64
	if room.Duration != nil {
		duration = *room.Duration
	}
	r.metrics.MeetingEnded(time.Duration(duration) * time.Second)
	r.logger.Infow("meeting ended", "meeting_id", op.meetingID, "duration_seconds", duration)
	r.publish(domain.LifecycleEvent{
		Type:      domain.MeetingEndedEvent,
		MeetingID: op.meetingID,
		GroupID:   room.GroupID,
		At:        op.at,
		Duration:  room.Duration,
	})
	return nil
}

func (r *MeetingRecorder) execute(ctx context.Context, op recordOp, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		return r.breaker.Execute(ctx, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
			defer cancel()
			ctx, span := tracing.TraceStoreOperation(ctx, r.cfg.Backend, op.kind.String(), string(op.meetingID))
			defer span.End()

			err := fn(ctx)
			if err != nil {
				tracing.RecordError(ctx, err)
			}
			return err
		})
	})
	if err != nil && !errors.Is(err, domain.ErrPersistence) {
		return errors.Join(domain.ErrPersistence, err)
	}
	return err
}

func (r *MeetingRecorder) publish(ev domain.LifecycleEvent) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
	defer cancel()
	if err := r.publisher.PublishLifecycle(ctx, ev); err != nil {
		r.logger.Debugw("lifecycle event not published", "type", ev.Type, "meeting_id", ev.MeetingID, "error", err)
	}
}
