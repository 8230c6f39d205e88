package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"imob-leads-go/internal/model"
)

// ErrSessionNotFound 表示会话不存在或已过期。
var ErrSessionNotFound = errors.New("session not found")

// DefaultSessionTTL 与对话历史的保留时间一致。
const DefaultSessionTTL = 7 * 24 * time.Hour

// SessionRepository 定义了对话会话状态的存取接口。
type SessionRepository interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
}

type redisSessionRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewRedisSessionRepository 创建一个以 JSON 形式保存会话的 SessionRepository。
func NewRedisSessionRepository(redisClient *redis.Client, ttl time.Duration) SessionRepository {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &redisSessionRepository{redisClient: redisClient, ttl: ttl}
}

func sessionKey(id string) string {
	return fmt.Sprintf("funnel:session:%s", id)
}

// Get 从 Redis 获取会话。
func (r *redisSessionRepository) Get(ctx context.Context, id string) (*model.Session, error) {
	jsonData, err := r.redisClient.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var s model.Session
	if err := json.Unmarshal([]byte(jsonData), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// Save 写入会话并刷新过期时间。
func (r *redisSessionRepository) Save(ctx context.Context, s *model.Session) error {
	jsonData, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.redisClient.Set(ctx, sessionKey(s.ID), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// memorySweepInterval 是 Save 清理过期会话的最小间隔。
const memorySweepInterval = time.Minute

type memorySessionRepository struct {
	mu        sync.Mutex
	sessions  map[string]memorySession
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type memorySession struct {
	data      []byte
	expiresAt time.Time
}

// NewMemorySessionRepository 创建一个进程内的 SessionRepository，用于单实例部署和测试。
// 保存的是 JSON 副本，调用方修改返回值不会影响仓库中的状态。
func NewMemorySessionRepository(ttl time.Duration) SessionRepository {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &memorySessionRepository{sessions: make(map[string]memorySession), ttl: ttl, now: time.Now}
}

func (r *memorySessionRepository) Get(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok || r.now().After(entry.expiresAt) {
		delete(r.sessions, id)
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var s model.Session
	if err := json.Unmarshal(entry.data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *memorySessionRepository) Save(_ context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	// 放弃后不再访问的会话不会经过 Get，在这里顺带清理
	if now.Sub(r.lastSweep) >= memorySweepInterval {
		for id, entry := range r.sessions {
			if now.After(entry.expiresAt) {
				delete(r.sessions, id)
			}
		}
		r.lastSweep = now
	}
	r.sessions[s.ID] = memorySession{data: data, expiresAt: now.Add(r.ttl)}
	return nil
}
