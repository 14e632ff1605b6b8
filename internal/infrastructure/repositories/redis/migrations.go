package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"huddle/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
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

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration",
				"version", migration.Version,
				"description", migration.Description,
			)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "rebuild room index from room member sets",
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, keyPrefix+"room:*:participants", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					room := key[len(keyPrefix+"room:") : len(key)-len(":participants")]
					n, err := client.SCard(ctx, key).Result()
					if err != nil {
						return err
					}
					if n > 0 {
						if err := client.SAdd(ctx, roomsKey, room).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
		{
			Version:     2,
			Description: "backfill activity scores from participant records",
			Up: func(ctx context.Context, client *redis.Client) error {
				ids, err := client.SMembers(ctx, participantsKey).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					data, err := client.Get(ctx, participantPrefix+id).Bytes()
					if errors.Is(err, redis.Nil) {
						continue
					}
					if err != nil {
						return err
					}
					var p domain.Participant
					if err := json.Unmarshal(data, &p); err != nil {
						return fmt.Errorf("participant %s: %w", id, err)
					}
					err = client.ZAddArgs(ctx, activityKey, redis.ZAddArgs{
						GT:      true,
						Members: []redis.Z{activityScore(p.ID, p.LastActivity)},
					}).Err()
					if err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
