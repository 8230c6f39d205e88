package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"imob-leads-go/internal/service"
	"imob-leads-go/pkg/log"
)

// AuthHandler 负责后台登录。
type AuthHandler struct {
	authService service.AuthService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(authService service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// LoginRequest 定义了登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理管理员登录请求。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：用户名和密码不能为空", "data": nil})
		return
	}

	accessToken, expiresAt, err := h.authService.Login(req.Username, req.Password)
	if err != nil {
		log.Warnf("Login: Failed login attempt for user '%s'", req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "用户名或密码错误", "data": nil})
		return
	}

	log.Infof("Admin user '%s' logged in", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Login successful",
		"data": gin.H{
			"token":     accessToken,
			"expiresAt": expiresAt,
		},
	})
}

// Healthz 用于存活探测。
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok", "data": nil})
}
