package presence

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"presence/internal/queue"
)

const occupancyKey = "presence:occupancy"

// OccupancyCache mirrors per-space open check-in counts in a Redis hash so
// dashboards can poll without hitting Postgres. The database remains the
// source of truth; Resync rebuilds the hash from it.
type OccupancyCache struct {
	client *redis.Client
}

// NewOccupancyCache wraps a redis client.
func NewOccupancyCache(client *redis.Client) *OccupancyCache {
	return &OccupancyCache{client: client}
}

// Incr bumps the count for a space by delta (negative to decrement).
func (o *OccupancyCache) Incr(ctx context.Context, spaceID int64, delta int64) error {
	return o.client.HIncrBy(ctx, occupancyKey, strconv.FormatInt(spaceID, 10), delta).Err()
}

// Apply folds one presence event into the cached counts. A move increments
// the new space and decrements the one the student left; bulk checkout
// invalidates every count, so the hash is rebuilt from the database.
func (o *OccupancyCache) Apply(ctx context.Context, repo *Repository, evt queue.Event) error {
	switch evt.Type {
	case queue.TypeCheckIn:
		return o.Incr(ctx, evt.SpaceID, 1)
	case queue.TypeCheckOut:
		return o.Incr(ctx, evt.SpaceID, -1)
	case queue.TypeMoved:
		if err := o.Incr(ctx, evt.SpaceID, 1); err != nil {
			return err
		}
		return o.Incr(ctx, evt.FromSpaceID, -1)
	case queue.TypeBulkCheckout:
		return o.Resync(ctx, repo)
	}
	return nil
}

// Resync replaces the hash with counts computed from the repository.
func (o *OccupancyCache) Resync(ctx context.Context, repo *Repository) error {
	summary, err := repo.OccupancySummary(ctx)
	if err != nil {
		return err
	}
	pipe := o.client.TxPipeline()
	pipe.Del(ctx, occupancyKey)
	for _, so := range summary {
		pipe.HSet(ctx, occupancyKey, strconv.FormatInt(so.SpaceID, 10), so.CurrentCount)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Snapshot returns the cached counts keyed by space id.
func (o *OccupancyCache) Snapshot(ctx context.Context) (map[int64]int64, error) {
	raw, err := o.client.HGetAll(ctx, occupancyKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[id] = n
	}
	return out, nil
}
