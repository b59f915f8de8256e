package repositories

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"meetmesh/internal/core/ports"
	"meetmesh/internal/infrastructure/repositories/memory"
	"meetmesh/internal/infrastructure/repositories/mongodb"
	redisrepo "meetmesh/internal/infrastructure/repositories/redis"
	"meetmesh/pkg/config"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// RepositoryFactory opens the configured meeting store and falls back to the
// in-memory store when it cannot be reached.
type RepositoryFactory struct {
	backend     string
	redisClient *redis.Client
	mongoClient *mongodriver.Client
	meetings    ports.MeetingRepository
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{backend: cfg.Persistence.Backend, logger: logger}

	// Redis also backs the reaper lock and lifecycle events, so it is opened
	// whenever enabled regardless of the meeting backend.
	if cfg.Redis.Enabled || f.backend == BackendRedis {
		client, err := redisrepo.NewRedisClient(
			ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis", "error", err)
		} else {
			f.redisClient = client
		}
	}

	switch f.backend {
	case BackendRedis:
		if f.redisClient != nil {
			f.meetings = redisrepo.NewRedisMeetingRepository(f.redisClient)
		}
	case BackendMongo:
		client, err := mongodb.Connect(cfg.Mongo.URI, cfg.Mongo.ConnectTimeout, logger)
		if err != nil {
			logger.Warnw("failed to connect to MongoDB", "error", err)
			break
		}
		repo, err := mongodb.NewMongoMeetingRepository(ctx, client.Database(cfg.Mongo.Database), cfg.Mongo.Collection)
		if err != nil {
			_ = mongodb.Disconnect(client)
			logger.Warnw("failed to prepare MongoDB collection", "error", err)
			break
		}
		f.mongoClient = client
		f.meetings = repo
	}

	if f.meetings == nil {
		if f.backend != BackendMemory {
			logger.Warnw("falling back to memory meeting store", "configured_backend", f.backend)
		}
		f.backend = BackendMemory
		f.meetings = memory.NewMemoryMeetingRepository()
	}
	logger.Infow("meeting store ready", "backend", f.backend)
	return f, nil
}

// Backend reports the store actually in use after any fallback.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

func (f *RepositoryFactory) MeetingRepository() ports.MeetingRepository {
	return f.meetings
}

// RedisClient is nil when Redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	return f.meetings.Ping(ctx)
}

func (f *RepositoryFactory) Close() error {
	return errors.Join(
		redisrepo.CloseRedisClient(f.redisClient),
		mongodb.Disconnect(f.mongoClient),
	)
}
