package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"imob-leads-go/internal/service"
	"imob-leads-go/pkg/log"
	"imob-leads-go/pkg/token"
)

// AdminHandler 负责后台的线索管理接口。
type AdminHandler struct {
	leadService service.LeadService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(leadService service.LeadService) *AdminHandler {
	return &AdminHandler{leadService: leadService}
}

// ListLeads 分页返回主存储中的线索。page 从 0 开始。
func (h *AdminHandler) ListLeads(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	res, err := h.leadService.ListLeads(c.Request.Context(), page, size)
	if err != nil {
		log.Error("ListLeads: Failed to list leads", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取线索列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": res})
}

// ListFallback 返回降级存储中等待对账的记录。
func (h *AdminHandler) ListFallback(c *gin.Context) {
	leads, err := h.leadService.ListFallback(c.Request.Context())
	if err != nil {
		log.Error("ListFallback: Failed to read fallback store", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取降级存储失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": leads})
}

// Reconcile 把降级存储中的记录合并回主存储。
func (h *AdminHandler) Reconcile(c *gin.Context) {
	report, err := h.leadService.Reconcile(c.Request.Context())
	if err != nil {
		log.Error("Reconcile: Failed to reconcile fallback store", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "对账失败", "data": report})
		return
	}
	if claims, ok := c.Get("claims"); ok {
		log.Infof("Admin user '%s' reconciled %d fallback leads", claims.(*token.CustomClaims).Username, report.Total)
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": report})
}

// Export 导出全部线索为 xlsx 并返回下载链接。
func (h *AdminHandler) Export(c *gin.Context) {
	res, err := h.leadService.Export(c.Request.Context())
	if errors.Is(err, service.ErrExportDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "未配置导出存储", "data": nil})
		return
	}
	if err != nil {
		log.Error("Export: Failed to export leads", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "导出失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": res})
}

// FunnelReport 返回每个漏斗步骤的到达人数。
func (h *AdminHandler) FunnelReport(c *gin.Context) {
	report, err := h.leadService.FunnelReport(c.Request.Context())
	if err != nil {
		log.Error("FunnelReport: Failed to load funnel stats", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取漏斗统计失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": report})
}
