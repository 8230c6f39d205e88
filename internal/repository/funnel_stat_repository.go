package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// FunnelStatRepository 记录每个漏斗步骤被多少个会话到达过。同一会话重复到达同一步骤只计一次。
type FunnelStatRepository interface {
	MarkReached(ctx context.Context, step string, sessionID string) error
	Counts(ctx context.Context, steps []string) (map[string]int64, error)
}

type redisFunnelStatRepository struct {
	redisClient *redis.Client
}

// NewRedisFunnelStatRepository 使用 Redis 集合实现去重计数。
func NewRedisFunnelStatRepository(redisClient *redis.Client) FunnelStatRepository {
	return &redisFunnelStatRepository{redisClient: redisClient}
}

func funnelStepKey(step string) string {
	return fmt.Sprintf("funnel:step:%s", step)
}

func (r *redisFunnelStatRepository) MarkReached(ctx context.Context, step string, sessionID string) error {
	if err := r.redisClient.SAdd(ctx, funnelStepKey(step), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to mark funnel step: %w", err)
	}
	return nil
}

func (r *redisFunnelStatRepository) Counts(ctx context.Context, steps []string) (map[string]int64, error) {
	pipe := r.redisClient.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(steps))
	for _, step := range steps {
		cmds[step] = pipe.SCard(ctx, funnelStepKey(step))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read funnel counts: %w", err)
	}
	out := make(map[string]int64, len(steps))
	for step, cmd := range cmds {
		out[step] = cmd.Val()
	}
	return out, nil
}

type memoryFunnelStatRepository struct {
	mu    sync.Mutex
	steps map[string]map[string]struct{}
}

// NewMemoryFunnelStatRepository 创建一个进程内的 FunnelStatRepository。
func NewMemoryFunnelStatRepository() FunnelStatRepository {
	return &memoryFunnelStatRepository{steps: make(map[string]map[string]struct{})}
}

func (r *memoryFunnelStatRepository) MarkReached(_ context.Context, step string, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.steps[step]
	if !ok {
		set = make(map[string]struct{})
		r.steps[step] = set
	}
	set[sessionID] = struct{}{}
	return nil
}

func (r *memoryFunnelStatRepository) Counts(_ context.Context, steps []string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(steps))
	for _, step := range steps {
		out[step] = int64(len(r.steps[step]))
	}
	return out, nil
}
