package repository

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"imob-leads-go/internal/model"
)

// FallbackStore 是主存储不可用时使用的只追加存储，列顺序与主存储相同。
// 它从不合并记录，同一去重键可能出现多行，留给对账流程处理。
type FallbackStore interface {
	Append(ctx context.Context, lead model.Lead) error
	ReadAll(ctx context.Context) ([]model.Lead, error)
	// Remove 删除指定 lead_id 的行，对账成功搬回主存储后调用。
	Remove(ctx context.Context, leadIDs []string) error
}

type csvFallbackStore struct {
	path string
	mu   sync.Mutex
}

// NewCSVFallbackStore 创建一个基于 CSV 文件的 FallbackStore。
func NewCSVFallbackStore(path string) FallbackStore {
	return &csvFallbackStore{path: path}
}

func (s *csvFallbackStore) Append(ctx context.Context, lead model.Lead) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create fallback dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open fallback file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat fallback file: %w", err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(model.Columns); err != nil {
			return fmt.Errorf("failed to write fallback header: %w", err)
		}
	}
	if err := w.Write(lead.Row()); err != nil {
		return fmt.Errorf("failed to write fallback row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush fallback row: %w", err)
	}
	return f.Sync()
}

func (s *csvFallbackStore) ReadAll(ctx context.Context) ([]model.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

func (s *csvFallbackStore) readAll() ([]model.Lead, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.Lead{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	leads := []model.Lead{}
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read fallback file: %w", err)
		}
		line++
		if line == 1 {
			if err := checkHeader(rec); err != nil {
				return nil, fmt.Errorf("fallback file: %w", err)
			}
			continue
		}
		l, err := model.LeadFromRow(rec)
		if err != nil {
			return nil, fmt.Errorf("fallback line %d: %w", line, err)
		}
		leads = append(leads, l)
	}
	return leads, nil
}

func (s *csvFallbackStore) Remove(ctx context.Context, leadIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(leadIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// 在同一把锁内读取和重写，期间追加的行不会丢失
	leads, err := s.readAll()
	if err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(leadIDs))
	for _, id := range leadIDs {
		drop[id] = struct{}{}
	}
	kept := leads[:0]
	for _, l := range leads {
		if _, ok := drop[l.LeadID]; !ok {
			kept = append(kept, l)
		}
	}

	if len(kept) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to truncate fallback file: %w", err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".fallback-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	_ = w.Write(model.Columns)
	for _, l := range kept {
		_ = w.Write(l.Row())
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write fallback file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close fallback file: %w", err)
	}
	return os.Rename(tmpName, s.path)
}
