package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"imob-leads-go/internal/funnel"
	"imob-leads-go/internal/model"
	"imob-leads-go/internal/pipeline"
	"imob-leads-go/internal/repository"
	"imob-leads-go/pkg/log"
	"imob-leads-go/pkg/storage"
)

// ErrExportDisabled 表示没有配置对象存储，无法导出。
var ErrExportDisabled = errors.New("export storage not configured")

// ObjectStore 是导出文件的存放位置，由 storage.MinIOStore 实现。
type ObjectStore interface {
	Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// LeadListResponse 定义了线索列表 API 的响应结构。
type LeadListResponse struct {
	Content       []model.Lead `json:"content"`
	TotalElements int64        `json:"totalElements"`
	TotalPages    int          `json:"totalPages"`
	Size          int          `json:"size"`
	Number        int          `json:"number"`
}

// ReconcileReport 汇总一次对账的结果。
type ReconcileReport struct {
	Total     int      `json:"total"`
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`

	// Stale 是主存储中同一联系人已有更新提交、被跳过的行，留在降级存储等待人工处理。
	Stale    int      `json:"stale"`
	StaleIDs []string `json:"staleIds,omitempty"`
}

// ExportResult 是导出文件的位置。
type ExportResult struct {
	Object    string    `json:"object"`
	URL       string    `json:"url"`
	Rows      int       `json:"rows"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FunnelStepStat 是单个漏斗步骤的到达人数与相对第一步的转化率（百分比）。
type FunnelStepStat struct {
	Step       string  `json:"step"`
	Reached    int64   `json:"reached"`
	Conversion float64 `json:"conversion"`
}

// LeadService 接口定义了后台对线索的管理操作。
type LeadService interface {
	ListLeads(ctx context.Context, page, size int) (*LeadListResponse, error)
	ListFallback(ctx context.Context) ([]model.Lead, error)
	Reconcile(ctx context.Context) (*ReconcileReport, error)
	Export(ctx context.Context) (*ExportResult, error)
	FunnelReport(ctx context.Context) ([]FunnelStepStat, error)
}

type leadService struct {
	primary   repository.LeadStore
	fallback  repository.FallbackStore
	persister LeadPersister
	stats     repository.FunnelStatRepository
	funnel    funnel.Funnel
	objects   ObjectStore
	urlExpiry time.Duration
	now       func() time.Time
}

// NewLeadService 创建一个新的 LeadService 实例。objects 为 nil 时导出不可用。
func NewLeadService(
	primary repository.LeadStore,
	fallback repository.FallbackStore,
	persister LeadPersister,
	stats repository.FunnelStatRepository,
	f funnel.Funnel,
	objects ObjectStore,
) LeadService {
	return &leadService{
		primary:   primary,
		fallback:  fallback,
		persister: persister,
		stats:     stats,
		funnel:    f,
		objects:   objects,
		urlExpiry: 15 * time.Minute,
		now:       time.Now,
	}
}

// ListLeads 分页返回主存储中的线索，page 从 0 开始。
func (s *leadService) ListLeads(ctx context.Context, page, size int) (*LeadListResponse, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 200 {
		size = 20
	}
	leads, total, err := s.primary.List(ctx, page*size, size)
	if err != nil {
		return nil, err
	}
	return &LeadListResponse{
		Content:       leads,
		TotalElements: total,
		TotalPages:    int(math.Ceil(float64(total) / float64(size))),
		Size:          size,
		Number:        page,
	}, nil
}

// ListFallback 返回降级存储中等待对账的记录。
func (s *leadService) ListFallback(ctx context.Context) ([]model.Lead, error) {
	return s.fallback.ReadAll(ctx)
}

// Reconcile 把降级存储中的记录按写入顺序重新合并进主存储，成功的行从降级存储删除。
// 只写主存储，失败的行留在原处等待下一次对账；比主存储中已有提交更旧的行不覆盖新数据，
// 也留在原处并在报告中列出。
func (s *leadService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	pending, err := s.fallback.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取降级存储失败: %w", err)
	}
	report := &ReconcileReport{Total: len(pending)}
	done := make([]string, 0, len(pending))
	for _, l := range pending {
		_, outcome, err := s.persister.SavePrimaryIfNewer(ctx, l)
		if errors.Is(err, pipeline.ErrStaleRecord) {
			log.Warnw("降级记录早于主存储中的提交，跳过", "lead_id", l.LeadID, "criado_em", l.CriadoEm)
			report.Stale++
			report.StaleIDs = append(report.StaleIDs, l.LeadID)
			continue
		}
		if err != nil {
			log.Warnw("对账写入主存储失败", "lead_id", l.LeadID, "error", err)
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, l.LeadID)
			continue
		}
		if outcome == pipeline.Updated {
			report.Updated++
		} else {
			report.Inserted++
		}
		done = append(done, l.LeadID)
	}
	if err := s.fallback.Remove(ctx, done); err != nil {
		return report, fmt.Errorf("清理降级存储失败: %w", err)
	}
	log.Infow("对账完成", "total", report.Total, "inserted", report.Inserted, "updated", report.Updated, "failed", report.Failed, "stale", report.Stale)
	return report, nil
}

// Export 把主存储中的全部线索导出为 xlsx，上传到对象存储并返回预签名下载链接。
func (s *leadService) Export(ctx context.Context) (*ExportResult, error) {
	if s.objects == nil {
		return nil, ErrExportDisabled
	}
	leads, _, err := s.primary.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := repository.WriteLeadsXLSX(&buf, leads); err != nil {
		return nil, fmt.Errorf("生成导出文件失败: %w", err)
	}

	now := s.now().UTC()
	object := fmt.Sprintf("exports/leads-%s.xlsx", now.Format("20060102-150405"))
	if err := s.objects.Put(ctx, object, &buf, int64(buf.Len()), storage.XLSXContentType); err != nil {
		return nil, err
	}
	url, err := s.objects.PresignedURL(ctx, object, s.urlExpiry)
	if err != nil {
		return nil, fmt.Errorf("生成下载链接失败: %w", err)
	}
	return &ExportResult{Object: object, URL: url, Rows: len(leads), ExpiresAt: now.Add(s.urlExpiry)}, nil
}

// FunnelReport 按漏斗顺序返回每一步的到达人数，最后一项为完成人数。
func (s *leadService) FunnelReport(ctx context.Context) ([]FunnelStepStat, error) {
	steps := make([]string, 0, len(s.funnel)+1)
	for _, d := range s.funnel {
		steps = append(steps, d.Name)
	}
	steps = append(steps, StepComplete)

	counts, err := s.stats.Counts(ctx, steps)
	if err != nil {
		return nil, err
	}
	first := counts[steps[0]]
	out := make([]FunnelStepStat, 0, len(steps))
	for _, step := range steps {
		stat := FunnelStepStat{Step: step, Reached: counts[step]}
		if first > 0 {
			stat.Conversion = math.Round(float64(stat.Reached)/float64(first)*10000) / 100
		}
		out = append(out, stat)
	}
	return out, nil
}
