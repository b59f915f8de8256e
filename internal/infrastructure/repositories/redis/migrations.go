package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
)

const (
	keyPrefix            = "meetmesh:"
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 1
)

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, m := range migrations() {
		if m.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", m.Version, "description", m.Description)
		}
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "rebuild the active meeting index from stored records",
			Up:          rebuildActiveIndex,
		},
	}
}

// rebuildActiveIndex scans every stored meeting and re-adds the active ones
// to the activity index.
func rebuildActiveIndex(ctx context.Context, client redis.UniversalClient) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, meetingKeyPrefix+"*", 200).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			var m domain.MeetingRoom
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			if m.Status != domain.MeetingActive {
				continue
			}
			if err := client.ZAdd(ctx, activeIndexKey, activityScore(&m)).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
