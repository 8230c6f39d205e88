// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"imob-leads-go/internal/model"
)

// LeadStore 定义了主存储上的线索操作。调用方负责在 FindByDedupKey 与写入之间持有写锁。
type LeadStore interface {
	// FindByDedupKey 按去重键查找线索，不存在时返回 (nil, nil)。
	FindByDedupKey(ctx context.Context, key string) (*model.Lead, error)
	// Insert 追加一条新线索。
	Insert(ctx context.Context, lead model.Lead) error
	// Update 按 lead_id 覆盖一条已存在的线索。
	Update(ctx context.Context, lead model.Lead) error
	// List 按 criado_em 升序分页返回线索及总数，limit <= 0 表示不限制条数。
	List(ctx context.Context, offset, limit int) ([]model.Lead, int64, error)
}

// ErrLeadNotFound 表示 Update 的目标 lead_id 不存在。
var ErrLeadNotFound = errors.New("lead not found")

// gormLeadStore 是 LeadStore 接口的 GORM 实现，MySQL 与 SQLite 共用。
type gormLeadStore struct {
	db *gorm.DB
}

// NewGormLeadStore 创建一个新的 LeadStore 实例，并确保 leads 表存在。
func NewGormLeadStore(db *gorm.DB) (LeadStore, error) {
	if err := db.AutoMigrate(&model.Lead{}); err != nil {
		return nil, fmt.Errorf("failed to migrate leads table: %w", err)
	}
	return &gormLeadStore{db: db}, nil
}

// FindByDedupKey 返回该键下最早写入的一条线索。
func (r *gormLeadStore) FindByDedupKey(ctx context.Context, key string) (*model.Lead, error) {
	var lead model.Lead
	err := r.db.WithContext(ctx).
		Where("dedup_key = ?", key).
		Order("criado_em asc").
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lead by dedup key: %w", err)
	}
	return &lead, nil
}

// Insert 在数据库中创建一条新的线索记录。
func (r *gormLeadStore) Insert(ctx context.Context, lead model.Lead) error {
	if err := r.db.WithContext(ctx).Create(&lead).Error; err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	return nil
}

// Update 覆盖全部字段（包括空串），lead_id 不存在时返回 ErrLeadNotFound。
func (r *gormLeadStore) Update(ctx context.Context, lead model.Lead) error {
	res := r.db.WithContext(ctx).
		Model(&model.Lead{}).
		Where("lead_id = ?", lead.LeadID).
		Select("*").
		Updates(&lead)
	if res.Error != nil {
		return fmt.Errorf("failed to update lead: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrLeadNotFound, lead.LeadID)
	}
	return nil
}

// List 分页检索线索记录，返回列表和总记录数。
func (r *gormLeadStore) List(ctx context.Context, offset, limit int) ([]model.Lead, int64, error) {
	var leads []model.Lead
	var total int64
	db := r.db.WithContext(ctx)

	// 首先计算总记录数
	if err := db.Model(&model.Lead{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count leads: %w", err)
	}
	// 然后根据偏移量和限制获取当前页的数据
	q := db.Order("criado_em asc").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&leads).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list leads: %w", err)
	}
	return leads, total, nil
}
