package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sinmail/backend/internal/auth"
	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/health"
	"sinmail/backend/internal/logger"
	"sinmail/backend/internal/mailer"
	"sinmail/backend/internal/monitoring"
	"sinmail/backend/internal/service"
	"sinmail/backend/internal/storage"
	"sinmail/backend/internal/storage/hybrid"
	"sinmail/backend/internal/storage/memory"
	"sinmail/backend/internal/storage/postgres"
	"sinmail/backend/internal/storage/redis"
	httptransport "sinmail/backend/internal/transport/http"
	"sinmail/backend/internal/websocket"
	"sinmail/backend/internal/x402"
)

// main 启动付费投递网关：HTTP API、投递 worker 与各后台任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log := logger.FromConfig(cfg.Log)
	defer log.Sync()

	log.Info("starting sinmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("network", cfg.Payment.Network),
		zap.String("mailer", cfg.Mailer.Provider),
	)

	// 初始化 Redis（可选，用于收件人缓存与实时事件）
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.New(&cfg.Redis, log)
		if err != nil {
			panic(fmt.Sprintf("failed to connect to redis: %v", err))
		}
		defer redisClient.Close()
		log.Info("redis connected", zap.String("address", cfg.Redis.Address))
	}

	// 初始化存储层
	var store storage.Store
	var pgClient *postgres.Client
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = hybrid.NewStore(&cfg.Database, redisClient, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))

		// PostgreSQL 额外维护一个 pgx 连接池，用于连接数统计
		if cfg.Database.Type == "postgres" {
			pgClient, err = postgres.NewClient(&cfg.Database, log)
			if err != nil {
				panic(fmt.Sprintf("failed to create postgres client: %v", err))
			}
			defer pgClient.Close()
		}
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, redisClient, log)

	// 初始化投递通道
	provider := newMailerProvider(cfg, log)
	log.Info("mailer provider initialized", zap.String("provider", provider.Name()))

	// 初始化服务层
	facilitator := x402.NewFacilitatorClient(cfg.Payment.FacilitatorURL, 30*time.Second)
	paymentService := service.NewPaymentService(store, facilitator, &cfg.Payment, log)
	messageService := service.NewMessageService(store, paymentService, &cfg.Idempotency, log)
	preflightService := service.NewPreflightService(store, store, cfg.Payment.Network, cfg.Payment.Asset)
	allowlistService := service.NewAllowlistService(store, store)
	authService := auth.NewService(store, &cfg.JWT)

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, authService.JWTManager(), log)

	// 投递服务：结果同时写指标和 WebSocket 推送
	deliveryService := service.NewDeliveryService(store, provider, &cfg.Delivery, log).
		WithNotifier(func(recipientID, event string, message *domain.Message) {
			evt := websocket.EventMessageDelivered
			if event == service.DeliveryEventFailed {
				evt = websocket.EventMessageFailed
				metrics.MessagesFailed.Inc()
			} else {
				metrics.MessagesDelivered.Inc()
			}
			wsHub.NotifyMessageEvent(recipientID, evt, message)
		}).
		WithAttemptObserver(metrics.RecordDeliveryAttempt)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:           cfg,
		MessageService:   messageService,
		PreflightService: preflightService,
		PaymentService:   paymentService,
		AllowlistService: allowlistService,
		AuthService:      authService,
		JWTManager:       authService.JWTManager(),
		WebSocketHub:     wsHub,
		HealthChecker:    healthChecker,
		Metrics:          metrics,
		Store:            store,
		Logger:           log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 投递 worker goroutine
	group.Go(func() error {
		log.Info("starting delivery worker",
			zap.Duration("poll_interval", cfg.Delivery.PollInterval),
			zap.Int("workers", cfg.Delivery.Workers),
		)
		if err := deliveryService.Run(groupCtx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// 定时清理过期支付要求 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		log.Info("starting payment expiry sweeper", zap.Duration("interval", 1*time.Minute))

		for {
			select {
			case <-groupCtx.Done():
				log.Info("payment expiry sweeper stopped")
				return nil
			case <-ticker.C:
				count, err := paymentService.ExpireOutstanding(groupCtx)
				if err != nil {
					log.Error("failed to expire outstanding payments", zap.Error(err))
				} else if count > 0 {
					metrics.PaymentsExpired.Add(float64(count))
					log.Info("expired payment requirements", zap.Int("count", count))
				}
			}
		}
	})

	// 定时清理幂等账本 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		log.Info("starting idempotency ledger cleanup task",
			zap.Duration("interval", 1*time.Hour),
			zap.Duration("retention", cfg.Idempotency.Retention),
		)

		for {
			select {
			case <-groupCtx.Done():
				log.Info("idempotency cleanup task stopped")
				return nil
			case <-ticker.C:
				count, err := messageService.CleanupIdempotencyRecords(groupCtx)
				if err != nil {
					log.Error("failed to cleanup idempotency records", zap.Error(err))
				} else if count > 0 {
					log.Info("idempotency records cleaned up", zap.Int("count", count))
				}
			}
		}
	})

	// 定时上报数据库连接数 goroutine
	if pgClient != nil {
		group.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					metrics.DatabaseConnections.Set(float64(pgClient.Stats().AcquiredConns()))
				}
			}
		})
	}

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// newMailerProvider 按配置选择投递通道
func newMailerProvider(cfg *config.Config, log *zap.Logger) mailer.Provider {
	switch cfg.Mailer.Provider {
	case "gmail":
		return mailer.NewGmailProvider(&cfg.Mailer.Gmail, log)
	case "smtp":
		return mailer.NewSMTPProvider(&cfg.Mailer.SMTP, log)
	default:
		return mailer.NewNoopProvider(log)
	}
}
