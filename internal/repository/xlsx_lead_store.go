package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xuri/excelize/v2"

	"imob-leads-go/internal/model"
)

// LeadsSheet 是表格文件中保存线索的工作表名。
const LeadsSheet = "leads"

// xlsxLeadStore 把线索保存在单个 xlsx 文件中。每次写入都会重写整个文件：
// 先写入同目录下的临时文件，再原子地 rename 覆盖，崩溃时不会留下半个文件。
type xlsxLeadStore struct {
	path string
	mu   sync.Mutex
}

// NewXLSXLeadStore 创建一个基于 xlsx 文件的 LeadStore，文件不存在时创建只有表头的空表。
func NewXLSXLeadStore(path string) (LeadStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	s := &xlsxLeadStore{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.save(nil); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return s, nil
}

func (s *xlsxLeadStore) FindByDedupKey(ctx context.Context, key string) (*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leads, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range leads {
		if leads[i].DedupKey == key {
			l := leads[i]
			return &l, nil
		}
	}
	return nil, nil
}

func (s *xlsxLeadStore) Insert(ctx context.Context, lead model.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	leads, err := s.load(ctx)
	if err != nil {
		return err
	}
	return s.save(append(leads, lead))
}

func (s *xlsxLeadStore) Update(ctx context.Context, lead model.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	leads, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range leads {
		if leads[i].LeadID == lead.LeadID {
			leads[i] = lead
			return s.save(leads)
		}
	}
	return fmt.Errorf("%w: %s", ErrLeadNotFound, lead.LeadID)
}

func (s *xlsxLeadStore) List(ctx context.Context, offset, limit int) ([]model.Lead, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leads, err := s.load(ctx)
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(leads, func(i, j int) bool { return leads[i].CriadoEm.Before(leads[j].CriadoEm) })
	return page(leads, offset, limit), int64(len(leads)), nil
}

// load 读取全部数据行。表头必须与 model.Columns 一致，否则视为格式错误。
func (s *xlsxLeadStore) load(ctx context.Context) ([]model.Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	defer f.Close()

	rows, err := f.GetRows(LeadsSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", LeadsSheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s has no header row", LeadsSheet)
	}
	if err := checkHeader(rows[0]); err != nil {
		return nil, err
	}

	leads := make([]model.Lead, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		l, err := model.LeadFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", s.path, i+2, err)
		}
		leads = append(leads, l)
	}
	return leads, nil
}

func (s *xlsxLeadStore) save(leads []model.Lead) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", LeadsSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(LeadsSheet)
	if err != nil {
		return fmt.Errorf("failed to open stream writer: %w", err)
	}
	if err := sw.SetRow("A1", toCells(model.Columns)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, l := range leads {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, toCells(l.Row())); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".leads-*.xlsx")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := f.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync workbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close workbook: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// WriteLeadsXLSX 把线索写成一个独立的 xlsx 工作簿，供导出使用。
func WriteLeadsXLSX(w io.Writer, leads []model.Lead) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", LeadsSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(LeadsSheet, "A1", &model.Columns); err != nil {
		return err
	}
	for i, l := range leads {
		row := l.Row()
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(LeadsSheet, cell, &row); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func checkHeader(header []string) error {
	if len(header) != len(model.Columns) {
		return fmt.Errorf("unexpected header: %d columns, want %d", len(header), len(model.Columns))
	}
	for i, c := range model.Columns {
		if header[i] != c {
			return fmt.Errorf("unexpected header column %d: %q, want %q", i+1, header[i], c)
		}
	}
	return nil
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}

func page(leads []model.Lead, offset, limit int) []model.Lead {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(leads) {
		return []model.Lead{}
	}
	end := len(leads)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return leads[offset:end]
}
