// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"imob-leads-go/internal/model"
	"imob-leads-go/internal/pipeline"
	"imob-leads-go/internal/repository"
	"imob-leads-go/internal/service"
	"imob-leads-go/pkg/lock"
	"imob-leads-go/pkg/log"
)

// SessionHandler 负责线索收集会话的 REST 接口。
type SessionHandler struct {
	service       service.ConversationService
	defaultOrigin string
}

// NewSessionHandler 创建一个新的 SessionHandler。defaultOrigin 在请求未携带 app_origin 时使用。
func NewSessionHandler(service service.ConversationService, defaultOrigin string) *SessionHandler {
	return &SessionHandler{service: service, defaultOrigin: defaultOrigin}
}

// StartSessionRequest 定义了创建会话 API 的请求体结构，所有字段可选。
type StartSessionRequest struct {
	UTM    model.UTM `json:"utm"`
	Origin string    `json:"app_origin"`
}

// SubmitRequest 定义了提交一条用户输入的请求体结构。
type SubmitRequest struct {
	Text string `json:"text"`
}

// Start 创建新会话。UTM 取自请求体，缺省时取自 query（?utm_source=...）。
func (h *SessionHandler) Start(c *gin.Context) {
	var req StartSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Warnf("Start: Invalid request payload, error: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
			return
		}
	}
	if req.UTM == (model.UTM{}) {
		_ = c.ShouldBindQuery(&req.UTM)
	}
	if req.Origin == "" {
		req.Origin = c.Query("app_origin")
	}
	if req.Origin == "" {
		req.Origin = h.defaultOrigin
	}

	res, err := h.service.StartSession(c.Request.Context(), model.SessionMeta{UTM: req.UTM, Origin: req.Origin})
	if err != nil {
		log.Error("Start: Failed to start session", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "创建会话失败", "data": nil})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": http.StatusCreated, "message": "success", "data": res})
}

// Get 返回会话当前状态。
func (h *SessionHandler) Get(c *gin.Context) {
	view, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSessionError(c, "Get", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": view})
}

// Submit 处理一条用户输入。校验失败属于正常对话结果，仍返回 200。
func (h *SessionHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Submit: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}
	res, err := h.service.Submit(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		writeSessionError(c, "Submit", err, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": res})
}

// Abandon 结束会话。
func (h *SessionHandler) Abandon(c *gin.Context) {
	res, err := h.service.Abandon(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSessionError(c, "Abandon", err, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": res})
}

// Retry 重新保存上次落库失败的会话线索。
func (h *SessionHandler) Retry(c *gin.Context) {
	res, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSessionError(c, "Retry", err, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": res})
}

// sessionErrorStatus 把业务错误映射为 HTTP 状态码和提示。
func sessionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return http.StatusNotFound, "会话不存在或已过期"
	case errors.Is(err, service.ErrSessionClosed):
		return http.StatusConflict, "会话已结束"
	case errors.Is(err, service.ErrNothingToRetry):
		return http.StatusConflict, "会话没有需要重新保存的线索"
	case errors.Is(err, lock.ErrLockNotAcquired):
		return http.StatusConflict, "会话正在处理其他消息，请稍后重试"
	case errors.Is(err, pipeline.ErrUnrecoverable):
		return http.StatusInternalServerError, "线索保存失败，请稍后联系我们"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}

// writeSessionError 写出错误响应。data 不为 nil 时（会话已推进但落库失败）一并返回。
func writeSessionError(c *gin.Context, op string, err error, data interface{}) {
	status, msg := sessionErrorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error(op+": request failed", err)
	} else {
		log.Warnf("%s: %v", op, err)
	}
	if res, ok := data.(*service.TurnResult); ok && res == nil {
		data = nil
	}
	c.JSON(status, gin.H{"code": status, "message": msg, "data": data})
}
