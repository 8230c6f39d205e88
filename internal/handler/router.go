package handler

import (
	"github.com/gin-gonic/gin"

	"imob-leads-go/internal/middleware"
	"imob-leads-go/internal/service"
	"imob-leads-go/pkg/token"
)

// RouterDeps 汇总注册路由所需的依赖。
type RouterDeps struct {
	Conversations service.ConversationService
	Leads         service.LeadService
	Auth          service.AuthService
	JWT           *token.JWTManager
	DefaultOrigin string
}

// NewRouter 创建 gin 引擎并注册全部路由。
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger("/api/v1/auth"), gin.Recovery())

	sessionHandler := NewSessionHandler(deps.Conversations, deps.DefaultOrigin)
	adminHandler := NewAdminHandler(deps.Leads)

	r.GET("/healthz", Healthz)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/login", NewAuthHandler(deps.Auth).Login)
		}

		// 会话接口供嵌入的聊天窗口匿名访问
		sessions := apiV1.Group("/sessions")
		{
			sessions.POST("", sessionHandler.Start)
			sessions.GET("/:id", sessionHandler.Get)
			sessions.POST("/:id/messages", sessionHandler.Submit)
			sessions.POST("/:id/abandon", sessionHandler.Abandon)
			sessions.POST("/:id/retry", sessionHandler.Retry)
		}

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(deps.JWT), middleware.AdminAuthMiddleware())
		{
			admin.GET("/leads", adminHandler.ListLeads)
			admin.GET("/leads/fallback", adminHandler.ListFallback)
			admin.POST("/leads/reconcile", adminHandler.Reconcile)
			admin.POST("/leads/export", adminHandler.Export)
			admin.GET("/funnel", adminHandler.FunnelReport)
		}
	}

	// Chat 路由 (WebSocket)
	r.GET("/chat/:id", NewChatHandler(deps.Conversations).Handle)
	return r
}
