// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"comms-rag-go/internal/config"
	"comms-rag-go/internal/handler"
	"comms-rag-go/internal/middleware"
	"comms-rag-go/internal/pipeline"
	"comms-rag-go/internal/repository"
	"comms-rag-go/internal/service"
	"comms-rag-go/internal/vectorstore"
	"comms-rag-go/pkg/database"
	"comms-rag-go/pkg/embedding"
	"comms-rag-go/pkg/es"
	"comms-rag-go/pkg/kafka"
	"comms-rag-go/pkg/llm"
	"comms-rag-go/pkg/log"
	"comms-rag-go/pkg/storage"
	"comms-rag-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository 与向量集合路由
	dedupRepo := repository.NewDedupRepository(database.DB)
	sessionRepo := repository.NewSessionRepository(database.DB, database.RDB)
	router := vectorstore.NewRouter(cfg.Elasticsearch, cfg.Embedding)
	// 启动时重建已知集合缓存，避免运行中对既有受众重复建集合
	router.WarmupKnownCollections(context.Background())

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	searchService := service.NewSearchService(embeddingClient, router, cfg.Chat)
	sessionService := service.NewSessionService(sessionRepo, cfg.Chat)
	chatService := service.NewChatService(embeddingClient, router, llmClient, sessionRepo, cfg.Chat)

	// 6. 初始化摄取管道 (Processor)
	var archiver pipeline.TranscriptArchiver
	if cfg.Ingest.ArchiveTranscripts {
		archiver = pipeline.NewMinioArchiver(cfg.MinIO.BucketName)
	}
	processor := pipeline.NewProcessor(
		embeddingClient,
		router,
		dedupRepo,
		archiver,
		cfg.Ingest,
	)

	// 7. 启动后台 Kafka 消费者
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	chatHandler := handler.NewChatHandler(chatService, jwtManager)
	sessionHandler := handler.NewSessionHandler(sessionService)

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// Ingest 路由，需要认证
		ingest := apiV1.Group("/ingest")
		ingest.Use(middleware.AuthMiddleware(jwtManager))
		{
			ingest.POST("", handler.NewIngestHandler().Ingest)
		}

		// Search 路由组
		search := apiV1.Group("/search")
		search.Use(middleware.AuthMiddleware(jwtManager))
		{
			search.GET("", handler.NewSearchHandler(searchService).Search)
		}

		// Session 路由组，需要认证
		sessions := apiV1.Group("/sessions")
		sessions.Use(middleware.AuthMiddleware(jwtManager))
		{
			sessions.POST("", sessionHandler.CreateSession)
			sessions.GET("", sessionHandler.ListSessions)
			sessions.GET("/:id", sessionHandler.GetSession)
			sessions.DELETE("/:id/messages", sessionHandler.ClearSessionMessages)
		}

		// Chat 路由
		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
			authedChat := chatGroup.Group("")
			authedChat.Use(middleware.AuthMiddleware(jwtManager))
			{
				authedChat.POST("", chatHandler.Chat)
			}
		}
	}
	// WebSocket 入口，token 放在路径参数里
	r.GET("/chat/:token", chatHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 在优雅停机逻辑中，我们不需要手动关闭 Kafka 消费者，
	// 因为 StartConsumer 是一个循环，会在程序退出时自然结束。
	// 如果需要更精细的控制，可以在 StartConsumer 中实现一个关闭通道。
	log.Info("服务已优雅关闭")
}
