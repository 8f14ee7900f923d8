package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stratops/bitdash/internal/domain"
)

const (
	liveViewsKey = "live:views" // hash: position id -> LivePosition JSON
	liveRiskKey  = "live:risk"  // string: RiskSummary JSON
)

// LiveViewCache implements domain.LiveViewCache on a Redis hash. The API
// serves reads from here so it never waits on exchange calls; the engine
// replaces the whole set every cycle and the close workflow removes single
// entries between cycles.
type LiveViewCache struct {
	rdb *redis.Client
}

var _ domain.LiveViewCache = (*LiveViewCache)(nil)

// NewLiveViewCache creates a LiveViewCache backed by the given Client.
func NewLiveViewCache(c *Client) *LiveViewCache {
	return &LiveViewCache{rdb: c.Underlying()}
}

// SetViews atomically replaces the cached open set with the given views.
func (lc *LiveViewCache) SetViews(ctx context.Context, views []domain.LivePosition) error {
	fields := make(map[string]any, len(views))
	for _, view := range views {
		raw, err := json.Marshal(view)
		if err != nil {
			return fmt.Errorf("redis: marshal live view %s: %w", view.ID, err)
		}
		fields[view.ID] = raw
	}

	pipe := lc.rdb.TxPipeline()
	pipe.Del(ctx, liveViewsKey)
	if len(fields) > 0 {
		pipe.HSet(ctx, liveViewsKey, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set live views: %w", err)
	}
	return nil
}

// SetView upserts a single position's view.
func (lc *LiveViewCache) SetView(ctx context.Context, view domain.LivePosition) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal live view %s: %w", view.ID, err)
	}
	if err := lc.rdb.HSet(ctx, liveViewsKey, view.ID, raw).Err(); err != nil {
		return fmt.Errorf("redis: set live view %s: %w", view.ID, err)
	}
	return nil
}

// GetViews returns all cached live views.
func (lc *LiveViewCache) GetViews(ctx context.Context) ([]domain.LivePosition, error) {
	raw, err := lc.rdb.HGetAll(ctx, liveViewsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get live views: %w", err)
	}

	views := make([]domain.LivePosition, 0, len(raw))
	for id, payload := range raw {
		var view domain.LivePosition
		if err := json.Unmarshal([]byte(payload), &view); err != nil {
			return nil, fmt.Errorf("redis: unmarshal live view %s: %w", id, err)
		}
		views = append(views, view)
	}
	return views, nil
}

// GetView returns one cached live view, or domain.ErrNotFound.
func (lc *LiveViewCache) GetView(ctx context.Context, positionID string) (domain.LivePosition, error) {
	payload, err := lc.rdb.HGet(ctx, liveViewsKey, positionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.LivePosition{}, domain.ErrNotFound
		}
		return domain.LivePosition{}, fmt.Errorf("redis: get live view %s: %w", positionID, err)
	}

	var view domain.LivePosition
	if err := json.Unmarshal([]byte(payload), &view); err != nil {
		return domain.LivePosition{}, fmt.Errorf("redis: unmarshal live view %s: %w", positionID, err)
	}
	return view, nil
}

// SetRisk stores the cycle's aggregate risk summary.
func (lc *LiveViewCache) SetRisk(ctx context.Context, risk domain.RiskSummary) error {
	raw, err := json.Marshal(risk)
	if err != nil {
		return fmt.Errorf("redis: marshal risk summary: %w", err)
	}
	if err := lc.rdb.Set(ctx, liveRiskKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: set risk summary: %w", err)
	}
	return nil
}

// GetRisk returns the latest risk summary, or domain.ErrNotFound before the
// first cycle completes.
func (lc *LiveViewCache) GetRisk(ctx context.Context) (domain.RiskSummary, error) {
	payload, err := lc.rdb.Get(ctx, liveRiskKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.RiskSummary{}, domain.ErrNotFound
		}
		return domain.RiskSummary{}, fmt.Errorf("redis: get risk summary: %w", err)
	}

	var risk domain.RiskSummary
	if err := json.Unmarshal([]byte(payload), &risk); err != nil {
		return domain.RiskSummary{}, fmt.Errorf("redis: unmarshal risk summary: %w", err)
	}
	return risk, nil
}

// Remove drops one position from the cached open set.
func (lc *LiveViewCache) Remove(ctx context.Context, positionID string) error {
	if err := lc.rdb.HDel(ctx, liveViewsKey, positionID).Err(); err != nil {
		return fmt.Errorf("redis: remove live view %s: %w", positionID, err)
	}
	return nil
}

// Invalidate drops the whole cached set and risk summary.
func (lc *LiveViewCache) Invalidate(ctx context.Context) error {
	if err := lc.rdb.Del(ctx, liveViewsKey, liveRiskKey).Err(); err != nil {
		return fmt.Errorf("redis: invalidate live views: %w", err)
	}
	return nil
}
