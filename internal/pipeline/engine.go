// Package pipeline 定义了线索落库的核心流程：加锁、按去重键合并、失败时降级写入。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"imob-leads-go/internal/lead"
	"imob-leads-go/internal/model"
	"imob-leads-go/internal/repository"
	"imob-leads-go/pkg/lock"
	"imob-leads-go/pkg/log"
)

// StoreOutcome 描述一次 Upsert 的落库结果。
type StoreOutcome string

const (
	Inserted         StoreOutcome = "inserted"
	Updated          StoreOutcome = "updated"
	InsertedFallback StoreOutcome = "inserted_fallback"
)

var (
	// ErrPrimaryWriteFailed 表示主存储的查找、加锁或写入失败，记录已转入降级存储。
	ErrPrimaryWriteFailed = errors.New("primary store write failed")
	// ErrUnrecoverable 表示主存储与降级存储都失败，本次调用没有保存记录。
	ErrUnrecoverable = errors.New("lead could not be persisted")
	// ErrStaleRecord 表示主存储中同一去重键已有不早于该记录的提交，记录没有写入。
	ErrStaleRecord = errors.New("a newer submission is already stored")
)

// DefaultLockKey 是主存储写锁的键。所有实例共用同一个主存储时必须共用同一个键。
const DefaultLockKey = "leads:primary"

// Engine 串行化对主存储的“查找-判断-写入”，并在主存储失败时写入降级存储。
type Engine struct {
	primary  repository.LeadStore
	fallback repository.FallbackStore
	locker   lock.Locker
	lockKey  string
	lockWait time.Duration

	mu sync.Mutex
	// applied 记录本进程写入主存储的每个去重键的最新提交时间（criado_em）。
	// 合并后的行保留首次的 criado_em，无法再从主存储判断新旧。
	applied map[string]time.Time
}

// EngineOption 配置 Engine。
type EngineOption func(*Engine)

// WithLockKey 设置写锁的键。
func WithLockKey(key string) EngineOption {
	return func(e *Engine) { e.lockKey = key }
}

// WithLockWait 设置等待写锁的最长时间，超时视为主存储失败。
func WithLockWait(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.lockWait = d
		}
	}
}

// NewEngine 创建一个新的 Engine 实例。
func NewEngine(primary repository.LeadStore, fallback repository.FallbackStore, locker lock.Locker, opts ...EngineOption) *Engine {
	e := &Engine{
		primary:  primary,
		fallback: fallback,
		locker:   locker,
		lockKey:  DefaultLockKey,
		lockWait: 5 * time.Second,
		applied:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert 保存一条线索并返回落库结果。
func (e *Engine) Upsert(ctx context.Context, l model.Lead) (StoreOutcome, error) {
	_, outcome, err := e.Save(ctx, l)
	return outcome, err
}

// Save 与 Upsert 相同，同时返回实际写入的记录（合并后保留的是已有的 lead_id 与 criado_em）。
//
// 主存储任何环节失败（加锁、查找、写入、格式错误）都会把原始记录追加到降级存储，
// 降级存储从不合并。两者都失败时返回 ErrUnrecoverable，其中包含两个原因。
func (e *Engine) Save(ctx context.Context, l model.Lead) (model.Lead, StoreOutcome, error) {
	stored, outcome, err := e.SavePrimary(ctx, l)
	if err == nil {
		log.Infow("线索已写入主存储", "lead_id", stored.LeadID, "outcome", outcome)
		return stored, outcome, nil
	}

	perr := fmt.Errorf("%w: %w", ErrPrimaryWriteFailed, err)
	log.Warnw("主存储写入失败，改写降级存储", "lead_id", l.LeadID, "error", perr)

	// 降级写入不受调用方取消的影响
	if ferr := e.fallback.Append(context.WithoutCancel(ctx), l); ferr != nil {
		err := fmt.Errorf("%w: %w", ErrUnrecoverable, errors.Join(perr, ferr))
		log.Error("线索无法持久化", err)
		return model.Lead{}, "", err
	}
	log.Infow("线索已写入降级存储", "lead_id", l.LeadID)
	return l, InsertedFallback, nil
}

// SavePrimary 只写主存储，不做降级。
func (e *Engine) SavePrimary(ctx context.Context, l model.Lead) (model.Lead, StoreOutcome, error) {
	return e.savePrimary(ctx, l, false)
}

// SavePrimaryIfNewer 供对账使用：去重键已存在于主存储时，只有 l 的提交时间晚于
// 该键最近一次写入的提交时间才合并，否则返回 ErrStaleRecord 且不写入。
// 本进程没有该键的写入记录（例如重启之后）时同样返回 ErrStaleRecord，交给人工确认。
func (e *Engine) SavePrimaryIfNewer(ctx context.Context, l model.Lead) (model.Lead, StoreOutcome, error) {
	return e.savePrimary(ctx, l, true)
}

func (e *Engine) savePrimary(ctx context.Context, l model.Lead, onlyNewer bool) (model.Lead, StoreOutcome, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	unlock, err := e.locker.Lock(lockCtx, e.lockKey)
	cancel()
	if err != nil {
		return model.Lead{}, "", fmt.Errorf("acquire store lock: %w", err)
	}
	defer unlock()

	// 空去重键只追加，永不合并
	if l.DedupKey != lead.EmptyKey {
		existing, err := e.primary.FindByDedupKey(ctx, l.DedupKey)
		if err != nil {
			return model.Lead{}, "", fmt.Errorf("lookup dedup key: %w", err)
		}
		if existing != nil {
			if onlyNewer {
				if last, ok := e.lastApplied(l.DedupKey); !ok || !l.CriadoEm.After(last) {
					return model.Lead{}, "", fmt.Errorf("%w: lead %s submitted at %s", ErrStaleRecord, l.LeadID, l.CriadoEm.Format(time.RFC3339))
				}
			}
			merged := l.MergeInto(*existing)
			if err := e.primary.Update(ctx, merged); err != nil {
				return model.Lead{}, "", fmt.Errorf("update lead %s: %w", merged.LeadID, err)
			}
			e.markApplied(l)
			return merged, Updated, nil
		}
	}
	if err := e.primary.Insert(ctx, l); err != nil {
		return model.Lead{}, "", fmt.Errorf("insert lead %s: %w", l.LeadID, err)
	}
	e.markApplied(l)
	return l, Inserted, nil
}

func (e *Engine) lastApplied(key string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.applied[key]
	return t, ok
}

func (e *Engine) markApplied(l model.Lead) {
	if l.DedupKey == lead.EmptyKey {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if l.CriadoEm.After(e.applied[l.DedupKey]) {
		e.applied[l.DedupKey] = l.CriadoEm
	}
}
