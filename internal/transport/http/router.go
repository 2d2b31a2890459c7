package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sinmail/backend/internal/auth"
	jwtpkg "sinmail/backend/internal/auth/jwt"
	"sinmail/backend/internal/config"
	"sinmail/backend/internal/health"
	"sinmail/backend/internal/middleware"
	"sinmail/backend/internal/monitoring"
	"sinmail/backend/internal/service"
	"sinmail/backend/internal/storage"
	"sinmail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config           *config.Config
	MessageService   *service.MessageService
	PreflightService *service.PreflightService
	PaymentService   *service.PaymentService
	AllowlistService *service.AllowlistService
	AuthService      *auth.Service
	JWTManager       *jwtpkg.Manager
	WebSocketHub     *websocket.Hub      // 可为 nil
	HealthChecker    *health.HealthChecker
	Metrics          *monitoring.Metrics // 可为 nil
	Store            storage.Store
	Logger           *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	// 使用自定义中间件替代默认中间件
	if deps.Metrics != nil {
		mon := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
		router.Use(mon.PanicRecovery())
		router.Use(mon.HTTPMetrics())
		router.Use(mon.SystemMetrics())
	} else {
		router.Use(middleware.RecoveryHandler(deps.Logger))
	}
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	// 消息提交端点放宽到 256KB，其余保持 1MB 默认
	router.Use(middleware.DynamicBodySizeLimit(map[string]int64{
		"/v1/messages": middleware.SubmitBodyLimit,
	}, middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Payment",
			"Idempotency-Key",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	authHandler := NewAuthHandler(deps.AuthService, deps.Logger)
	publicHandler := NewPublicHandler(
		deps.MessageService,
		deps.PreflightService,
		deps.PaymentService,
		deps.WebSocketHub,
		deps.Metrics,
		deps.Logger,
	)
	recipientHandler := NewRecipientHandler(
		deps.Store,
		deps.AllowlistService,
		deps.MessageService,
		deps.Logger,
	)

	// 创建中间件
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Logger)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		payload := gin.H{"status": "ok"}
		if deps.HealthChecker != nil {
			payload["checks"] = deps.HealthChecker.CheckHealth()
		}
		c.JSON(http.StatusOK, payload)
	})
	if deps.HealthChecker != nil {
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}

	// Prometheus 指标
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Public Routes（无需认证的公开API） ==========
		v1.POST("/preflight", publicHandler.Preflight)
		v1.POST("/messages", publicHandler.SubmitMessage)
		v1.GET("/messages/:id", publicHandler.GetMessage)
		v1.GET("/public/recipients/:slug", publicHandler.GetRecipientInfo)

		// ========== Webhook Routes ==========
		webhookRoutes := v1.Group("/webhooks")
		{
			// 回调体很小，单独收紧限制
			webhookRoutes.POST("/settlement", middleware.BodySizeLimit(64*1024), publicHandler.SettlementWebhook)
		}

		// ========== Auth Routes ==========
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/register", authHandler.Register)
			authRoutes.POST("/login", authHandler.Login)
			authRoutes.POST("/refresh", authHandler.Refresh)
			authRoutes.POST("/password", jwtAuth.RequireAuth(), authHandler.ChangePassword)
		}

		// ========== Recipient Routes（收件人自助API） ==========
		recipientRoutes := v1.Group("/recipient")
		recipientRoutes.Use(jwtAuth.RequireAuth())
		{
			recipientRoutes.GET("", recipientHandler.GetProfile)
			recipientRoutes.PATCH("", recipientHandler.UpdateProfile)

			recipientRoutes.POST("/allowlist", recipientHandler.AddAllowlistEntry)
			recipientRoutes.GET("/allowlist", recipientHandler.ListAllowlistEntries)
			recipientRoutes.DELETE("/allowlist/:entryId", recipientHandler.RemoveAllowlistEntry)

			recipientRoutes.GET("/messages", recipientHandler.ListMessages)
			recipientRoutes.GET("/messages/:id/attempts", recipientHandler.ListDeliveryAttempts)
		}
	}

	// ========== WebSocket Routes ==========
	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	return router
}
