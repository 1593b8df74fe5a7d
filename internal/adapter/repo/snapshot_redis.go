package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reading-service/internal/domain"
)

const (
	redisSnapshotKeyPrefix = "reading:snapshot:"
	redisCurrentKey        = "reading:snapshot:current"
)

// SnapshotRepositoryRedis implements domain.SnapshotStore on Redis. Each job
// id gets its own key; a pointer key names the current job so Load works
// after a restart. Expiry stays lazy in the actor, but terminal snapshots
// also get a Redis TTL as a safety net against orphaned keys.
type SnapshotRepositoryRedis struct {
	rdb *redis.Client
}

func NewSnapshotRepositoryRedis(rdb *redis.Client) *SnapshotRepositoryRedis {
	return &SnapshotRepositoryRedis{rdb: rdb}
}

func (r *SnapshotRepositoryRedis) Save(ctx context.Context, snap *domain.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var ttl time.Duration
	if snap.Job.ExpiresAt != nil {
		// Keep the key one hour past the job's own deadline so the lazy
		// expiry path still finds it and can report Expired once.
		ttl = time.Until(snap.Job.ExpiresAt.Add(time.Hour))
		if ttl <= 0 {
			ttl = time.Minute
		}
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, redisSnapshotKeyPrefix+snap.Job.ID, body, ttl)
	pipe.Set(ctx, redisCurrentKey, snap.Job.ID, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *SnapshotRepositoryRedis) Load(ctx context.Context) (*domain.Snapshot, error) {
	jobID, err := r.rdb.Get(ctx, redisCurrentKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	body, err := r.rdb.Get(ctx, redisSnapshotKeyPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (r *SnapshotRepositoryRedis) Delete(ctx context.Context, jobID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, redisSnapshotKeyPrefix+jobID)
	pipe.Del(ctx, redisCurrentKey)
	_, err := pipe.Exec(ctx)
	return err
}
