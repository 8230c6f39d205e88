// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"imob-leads-go/internal/config"
	"imob-leads-go/internal/dialogue"
	"imob-leads-go/internal/funnel"
	"imob-leads-go/internal/handler"
	"imob-leads-go/internal/lead"
	"imob-leads-go/internal/pipeline"
	"imob-leads-go/internal/repository"
	"imob-leads-go/internal/service"
	"imob-leads-go/pkg/database"
	"imob-leads-go/pkg/kafka"
	"imob-leads-go/pkg/llm"
	"imob-leads-go/pkg/lock"
	"imob-leads-go/pkg/log"
	"imob-leads-go/pkg/storage"
	"imob-leads-go/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 加载 .env（可选），再初始化配置
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Redis 只在会话、写锁或重试计数需要时连接
	needRedis := cfg.Funnel.SessionBackend == "redis" || cfg.Store.Lock.Backend == "redis" || cfg.Kafka.Brokers != ""
	if needRedis {
		database.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}

	// 4. 初始化存储
	primary := openPrimaryStore(cfg.Store.Primary)
	fallback := repository.NewCSVFallbackStore(cfg.Store.Fallback.Path)

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Store.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(database.RDB, "imob-leads:lock:", cfg.Store.Lock.TTL)
	}

	var sessions repository.SessionRepository
	var stats repository.FunnelStatRepository
	if cfg.Funnel.SessionBackend == "redis" {
		sessions = repository.NewRedisSessionRepository(database.RDB, cfg.Funnel.SessionTTL)
		stats = repository.NewRedisFunnelStatRepository(database.RDB)
	} else {
		sessions = repository.NewMemorySessionRepository(cfg.Funnel.SessionTTL)
		stats = repository.NewMemoryFunnelStatRepository()
	}

	engine := pipeline.NewEngine(primary, fallback, locker, pipeline.WithLockWait(cfg.Store.Lock.Wait))

	// 5. 可选组件：重试队列、导出存储、提示语改写
	var publisher kafka.Publisher
	if cfg.Kafka.Brokers != "" {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		publisher = producer
		go kafka.StartConsumer(rootCtx, cfg.Kafka, pipeline.NewProcessor(engine), kafka.NewRedisAttemptCounter(database.RDB))
	} else {
		log.Info("未配置 Kafka，落库失败的线索不会进入重试队列")
	}

	var objects service.ObjectStore
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIOStore(rootCtx, cfg.MinIO)
		if err != nil {
			log.Warnf("MinIO 初始化失败，导出功能不可用: %v", err)
		} else {
			objects = store
		}
	}

	machineOpts := []dialogue.Option{dialogue.WithParaphraseBudget(cfg.Funnel.ParaphraseBudget)}
	if cfg.Funnel.ParaphraseEnabled {
		if client := llm.NewClient(cfg.LLM); client != nil {
			gen := llm.ParamsFromConfig(cfg.LLM.Generation)
			machineOpts = append(machineOpts, dialogue.WithParaphraser(dialogue.NewLLMParaphraser(client, cfg.LLM.Prompt.Rules, gen)))
			log.Infof("提示语改写已启用，模型: %s", cfg.LLM.Model)
		} else {
			log.Warnf("提示语改写已开启但未配置 llm.base_url，使用原始模板")
		}
	}

	// 6. 初始化 Service
	f := funnel.Default()
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	conversationService := service.NewConversationService(service.ConversationDeps{
		Funnel:      f,
		Sessions:    sessions,
		Stats:       stats,
		Leads:       engine,
		Builder:     lead.NewBuilder(),
		Publisher:   publisher,
		Locker:      locker,
		Welcome:     service.WelcomeMessage(cfg.Company.Name, cfg.Company.Blurb),
		MachineOpts: machineOpts,
	})
	leadService := service.NewLeadService(primary, fallback, engine, stats, f, objects)
	authService := service.NewAuthService(cfg.Admin, jwtManager)

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		Conversations: conversationService,
		Leads:         leadService,
		Auth:          authService,
		JWT:           jwtManager,
		DefaultOrigin: cfg.Company.Origin,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	<-rootCtx.Done()
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// openPrimaryStore 按配置打开主存储：xlsx 文件，或经 GORM 访问的 MySQL / SQLite。
func openPrimaryStore(cfg config.PrimaryStoreConfig) repository.LeadStore {
	switch cfg.Driver {
	case "", "xlsx":
		store, err := repository.NewXLSXLeadStore(cfg.Path)
		if err != nil {
			log.Fatal("failed to open xlsx lead store", err)
		}
		log.Infof("主存储: xlsx %s", cfg.Path)
		return store
	case "mysql", "sqlite":
		dsn := cfg.DSN
		if cfg.Driver == "sqlite" && dsn == "" {
			dsn = cfg.Path
		}
		database.InitDB(cfg.Driver, dsn)
		store, err := repository.NewGormLeadStore(database.DB)
		if err != nil {
			log.Fatal("failed to prepare leads table", err)
		}
		return store
	default:
		log.Fatalf("未知的主存储类型: %s", cfg.Driver)
		return nil
	}
}
