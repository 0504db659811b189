package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httphandler "github.com/ShawnYin-hub/WhatToEat/internal/handler/http"
	wshandler "github.com/ShawnYin-hub/WhatToEat/internal/handler/websocket"
	"github.com/ShawnYin-hub/WhatToEat/internal/hub"
	"github.com/ShawnYin-hub/WhatToEat/internal/infra/ai"
	gormpersistence "github.com/ShawnYin-hub/WhatToEat/internal/infra/persistence/gorm"
	"github.com/ShawnYin-hub/WhatToEat/internal/infra/poi"
	"github.com/ShawnYin-hub/WhatToEat/internal/infra/setup"
	redisstate "github.com/ShawnYin-hub/WhatToEat/internal/infra/state/redis"
	"github.com/ShawnYin-hub/WhatToEat/internal/middleware"
	"github.com/ShawnYin-hub/WhatToEat/internal/service"
	"github.com/ShawnYin-hub/WhatToEat/internal/worker"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DBUser            string
	DBPassword        string
	DBHost            string
	DBPort            string
	DBName            string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	JWTSecret         string
	ServerPort        string
	LogLevel          string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	JWTExpiryHours    int
	AppEnv            string // development/production
	KeyPrefix         string // Redis key 前缀
	DeepSeekBaseURL   string
	DeepSeekAPIKey    string // 为空时推荐直接走本地规则
	AmapBaseURL       string
	AmapAPIKey        string // 为空时附近搜索端点不可用
	AITimeout         time.Duration
	RoomIdleTTL       time.Duration
	RollingStuckAfter time.Duration
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)，允许只使用环境变量
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:          os.Getenv("DB_USER"),
		DBPassword:      os.Getenv("DB_PASSWORD"),
		DBHost:          os.Getenv("DB_HOST"),
		DBPort:          os.Getenv("DB_PORT"),
		DBName:          os.Getenv("DB_NAME"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		ServerPort:      os.Getenv("SERVER_PORT"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		AppEnv:          os.Getenv("APP_ENV"),
		KeyPrefix:       os.Getenv("REDIS_KEY_PREFIX"),
		DeepSeekBaseURL: os.Getenv("DEEPSEEK_BASE_URL"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		AmapBaseURL:     os.Getenv("AMAP_BASE_URL"),
		AmapAPIKey:      os.Getenv("AMAP_API_KEY"),
		// --- 默认值 ---
		RateLimitMax:      100,
		RateLimitWindow:   1 * time.Second,
		JWTExpiryHours:    24,
		AITimeout:         8 * time.Second,
		RoomIdleTTL:       24 * time.Hour,
		RollingStuckAfter: 2 * time.Minute,
	}

	// 处理 Redis DB，解析失败默认为 0
	cfg.RedisDB, _ = strconv.Atoi(os.Getenv("REDIS_DB"))

	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "wte:"
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}

	if v := os.Getenv("ROOM_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RoomIdleTTL = d
		} else {
			logrus.Warnf("Invalid ROOM_IDLE_TTL '%s', using default %s", v, cfg.RoomIdleTTL)
		}
	}
	if v := os.Getenv("ROLLING_STUCK_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RollingStuckAfter = d
		} else {
			logrus.Warnf("Invalid ROLLING_STUCK_AFTER '%s', using default %s", v, cfg.RollingStuckAfter)
		}
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Scheduler   *worker.Scheduler
	Hub         *hub.Hub
	HttpServer  *http.Server
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	log.Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database initialized and migrated")

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	log.Info("Infrastructure initialized successfully")

	// 4. 初始化 Repositories 和通知通道
	userRepo := gormpersistence.NewGormUserRepository(db)
	roomRepo := gormpersistence.NewGormRoomRepository(db)
	memberRepo := gormpersistence.NewGormMemberRepository(db)
	notifier := redisstate.NewRedisRoomNotifier(redisClient, cfg.KeyPrefix)
	log.Info("Repositories initialized")

	// 5. 初始化外部服务客户端
	var aiClient service.ChatCompleter
	if cfg.DeepSeekAPIKey != "" {
		aiClient = ai.NewClient(cfg.DeepSeekBaseURL, cfg.DeepSeekAPIKey)
		log.Info("DeepSeek client initialized")
	} else {
		log.Warn("DEEPSEEK_API_KEY not set, recommendations will use the local rule only")
	}
	var poiClient httphandler.POISearcher
	if cfg.AmapAPIKey != "" {
		poiClient = poi.NewAmapClient(cfg.AmapBaseURL, cfg.AmapAPIKey)
		log.Info("AMap client initialized")
	} else {
		log.Warn("AMAP_API_KEY not set, nearby search endpoint will be unavailable")
	}

	// 6. 初始化 Services
	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	roomService := service.NewRoomService(roomRepo, memberRepo, notifier)
	recommendService := service.NewRecommendService(aiClient, cfg.AITimeout)
	log.Info("Services initialized")

	// 7. 初始化 Hub
	hubInstance := hub.NewHub(roomService)

	// 8. 初始化 Handlers
	authHandler := httphandler.NewAuthHandler(authService)
	roomHandler := httphandler.NewRoomHandler(roomService, poiClient)
	recommendHandler := httphandler.NewRecommendHandler(recommendService)
	websocketHandler := wshandler.NewWebSocketHandler(hubInstance, roomService)
	log.Info("Handlers initialized")

	// 9. 初始化 Worker Server 和 Scheduler
	workerServer := worker.NewWorkerServer(redisClientOpt, roomRepo, notifier, worker.MaintenanceConfig{
		RoomIdleTTL:       cfg.RoomIdleTTL,
		RollingStuckAfter: cfg.RollingStuckAfter,
	}, log)
	scheduler, err := worker.NewScheduler(redisClientOpt, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	log.Info("Worker server and scheduler initialized")

	// 10. 初始化 Gin Engine 和路由
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))

	router.Use(func(c *gin.Context) { /* CORS */
		allowedOrigin := os.Getenv("CORS_ALLOWED_ORIGIN")
		if allowedOrigin == "" {
			allowedOrigin = "http://localhost:3000"
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(middleware.RateLimit(redisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))

	// --- 设置路由 ---
	api := router.Group("/api")
	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/login", authHandler.Login)
	}
	roomRoutes := api.Group("/rooms").Use(middleware.Auth(cfg.JWTSecret))
	{
		roomRoutes.POST("", roomHandler.CreateRoom)
		roomRoutes.POST("/join", roomHandler.JoinRoom)
		roomRoutes.GET("/:roomId", roomHandler.GetRoom)
		roomRoutes.GET("/:roomId/members", roomHandler.ListMembers)
		roomRoutes.PUT("/:roomId/preferences", roomHandler.UpdatePreferences)
		roomRoutes.PUT("/:roomId/status", roomHandler.UpdateStatus)
		roomRoutes.PUT("/:roomId/candidates", roomHandler.UpdateCandidates)
		roomRoutes.POST("/:roomId/candidates/search", roomHandler.SearchCandidates)
	}
	recommendRoutes := api.Group("/recommend").Use(middleware.Auth(cfg.JWTSecret))
	{
		recommendRoutes.POST("", recommendHandler.Recommend)
	}
	wsRoutes := router.Group("/ws").Use(middleware.Auth(cfg.JWTSecret))
	{
		wsRoutes.GET("/rooms/:roomId", websocketHandler.HandleConnection)
	}
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	log.Info("Router setup complete")

	// 11. 初始化 HTTP Server
	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		AsynqServer: workerServer,
		Scheduler:   scheduler,
		Hub:         hubInstance,
		HttpServer:  httpServer,
	}, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()
	a.Log.Info("Hub routine started")

	go a.AsynqServer.Start()
	a.Log.Info("Asynq worker server routine started")

	go a.Scheduler.Start()
	a.Log.Info("Scheduler routine started")

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止 Hub（关闭事件循环并释放全部房间订阅）
	if a.Hub != nil {
		a.Hub.Stop()
	}

	// 2. 停止周期任务调度
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	// 3. 优雅关闭 Worker Server
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	// 4. 优雅关闭 HTTP 服务器
	a.Log.Info("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 5. 关闭 Asynq Client
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	// 6. 关闭 Redis 连接
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		if errorMessage != "" {
			entry.Error(errorMessage)
		} else if statusCode >= 500 {
			entry.Error("Server error")
		} else if statusCode >= 400 {
			entry.Warn("Client error")
		} else {
			entry.Info("Request handled")
		}
	}
}
