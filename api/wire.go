package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	auditHandlers "eventhub/api/handlers/audit"
	authHandlers "eventhub/api/handlers/auth"
	catalogHandlers "eventhub/api/handlers/catalog"
	complianceHandlers "eventhub/api/handlers/compliance"
	instanceHandlers "eventhub/api/handlers/instances"
	notificationHandlers "eventhub/api/handlers/notifications"
	operationHandlers "eventhub/api/handlers/operations"
	"eventhub/internal/audit"
	"eventhub/internal/auth"
	"eventhub/internal/catalog"
	"eventhub/internal/compliance"
	"eventhub/internal/config"
	"eventhub/internal/infra"
	"eventhub/internal/infra/queue"
	"eventhub/internal/instance"
	"eventhub/internal/jobs"
	"eventhub/internal/keylock"
	"eventhub/internal/logger"
	middlewarepkg "eventhub/internal/middleware"
	"eventhub/internal/notification"
	"eventhub/internal/operation"
	"eventhub/internal/security"
	"eventhub/internal/verifier"
	"eventhub/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 调度方式
const (
	DispatcherLocal = "local"
	DispatcherQueue = "queue"
)

// staleOperationAfter 超过该时长无进展的操作在启动与定时任务中被回收
const staleOperationAfter = time.Hour

// AppContainer 应用依赖容器
type AppContainer struct {
	// 基础设施
	DB          *gorm.DB
	Config      *config.Config
	RedisClient redis.UniversalClient
	QueueClient queue.Client
	Inspector   *queue.Inspector
	Locks       keylock.Locker

	// 认证与限流
	JWTService  *auth.JWTService
	RateLimiter *middlewarepkg.RateLimiter

	// 审计
	Spool    *audit.BoltSpool
	Ledger   *audit.Ledger
	Exporter *audit.Exporter
	Archiver *audit.Archiver

	// 通知
	Hub           *notification.Hub
	MultiNotifier *notification.MultiNotifier
	Notifier      *notification.AsyncNotifier

	// 核心服务
	Catalog           *catalog.Catalog
	Verifier          *verifier.Verifier
	Secrets           *security.SecretBox
	InstanceService   *instance.Service
	Runner            *operation.Runner
	ComplianceService *compliance.Service

	// 后台任务
	Scheduler    *jobs.Scheduler
	WorkerServer *worker.Server
}

// Handlers 所有 HTTP 处理器
type Handlers struct {
	Auth         *authHandlers.Handler
	Catalog      *catalogHandlers.Handler
	Instance     *instanceHandlers.Handler
	Operation    *operationHandlers.Handler
	Audit        *auditHandlers.Handler
	Compliance   *complianceHandlers.Handler
	Notification *notificationHandlers.WebSocketHandler
}

// InitContainer 初始化应用容器
func InitContainer(db *gorm.DB, cfg *config.Config) (*AppContainer, error) {
	container := &AppContainer{
		DB:     db,
		Config: cfg,
	}

	// 初始化 Redis
	if err := container.initRedis(cfg); err != nil {
		return nil, err
	}

	// 初始化认证服务
	if err := container.initAuth(cfg); err != nil {
		return nil, err
	}
	container.initRateLimiter(cfg)

	// 初始化审计
	if err := container.initAudit(db, cfg); err != nil {
		return nil, err
	}

	// 初始化通知系统
	container.initNotification(cfg)

	// 初始化核心服务
	if err := container.initCoreServices(db, cfg); err != nil {
		return nil, err
	}

	// 初始化后台任务
	if err := container.initJobs(cfg); err != nil {
		return nil, err
	}

	return container, nil
}

// InitHandlers 初始化所有 Handlers
func (c *AppContainer) InitHandlers() *Handlers {
	h := &Handlers{
		Catalog:      catalogHandlers.NewHandler(c.Catalog),
		Instance:     instanceHandlers.NewHandler(c.InstanceService),
		Operation:    operationHandlers.NewHandler(c.Runner),
		Audit:        auditHandlers.NewHandler(c.Ledger, c.Exporter, c.Archiver),
		Compliance:   complianceHandlers.NewHandler(c.ComplianceService),
		Notification: notificationHandlers.NewWebSocketHandler(c.Hub),
	}
	if c.JWTService != nil {
		h.Auth = authHandlers.NewHandler(c.JWTService)
	}
	return h
}

func (c *AppContainer) initRedis(cfg *config.Config) error {
	cfg.Redis.Normalize()
	queueMode := strings.EqualFold(cfg.Lifecycle.Dispatcher, DispatcherQueue)
	if !cfg.Redis.Enabled && !queueMode {
		c.Locks = keylock.NewMemoryLocker()
		logger.Info("未启用 Redis，使用进程内锁")
		return nil
	}

	client, err := infra.InitRedis(&cfg.Redis)
	if err != nil {
		if queueMode {
			return fmt.Errorf("队列调度需要 Redis: %w", err)
		}
		logger.Warn("Redis 不可用，锁与补发存储退回内存实现", zap.Error(err))
		c.Locks = keylock.NewMemoryLocker()
		return nil
	}
	c.RedisClient = client
	c.Locks = keylock.NewRedisLocker(client, "eventhub:lock:", 0)

	if queueMode {
		c.QueueClient = queue.NewClient(cfg.Redis, cfg.Lifecycle.OperationTimeout)
		c.Inspector = queue.NewInspector(cfg.Redis)
	}
	return nil
}

func (c *AppContainer) initAuth(cfg *config.Config) error {
	if !cfg.Auth.Enabled {
		logger.Warn("API 鉴权已关闭，操作者取自 X-Actor-ID 请求头")
		return nil
	}

	secret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	}
	if secret == "" {
		if strings.EqualFold(cfg.Server.Mode, "release") {
			return errors.New("auth.jwt_secret 未配置，生产环境禁止使用默认密钥")
		}
		secret = "default_jwt_secret_key_change_in_production"
		logger.Warn("auth.jwt_secret 未配置，已回退为开发默认值")
	}
	c.JWTService = auth.NewJWTService(secret, cfg.Auth.Issuer, c.RedisClient)
	return nil
}

func (c *AppContainer) initRateLimiter(cfg *config.Config) {
	if cfg.Server.RateLimit <= 0 {
		return
	}
	c.RateLimiter = middlewarepkg.NewRateLimiter(&middlewarepkg.RateLimiterConfig{
		RequestsPerSecond: cfg.Server.RateLimit,
		BurstSize:         cfg.Server.RateBurst,
	})
}

func (c *AppContainer) initAudit(db *gorm.DB, cfg *config.Config) error {
	if path := strings.TrimSpace(cfg.Audit.FallbackPath); path != "" {
		spool, err := audit.OpenBoltSpool(path)
		if err != nil {
			// 兜底文件不可用时审计仍可写库，失败条目只能进日志
			logger.Warn("打开审计兜底文件失败", zap.String("path", path), zap.Error(err))
		} else {
			c.Spool = spool
		}
	}

	var spool audit.Spool
	if c.Spool != nil {
		spool = c.Spool
	}
	c.Ledger = audit.NewLedger(db, spool, c.Locks, logger.Get())
	c.Exporter = audit.NewExporter(c.Ledger)
	c.Archiver = audit.NewArchiver(c.Ledger, audit.ArchiveConfig{ArchivePath: cfg.Audit.ArchivePath})
	return nil
}

func (c *AppContainer) initNotification(cfg *config.Config) {
	var backlog notification.BacklogStore = notification.NewMemoryBacklogStore(cfg.Notification.Backlog)
	if c.RedisClient != nil {
		backlog = notification.NewRedisBacklogStore(c.RedisClient, cfg.Notification.Backlog, time.Hour)
	}
	c.Hub = notification.NewHub(
		notification.WithBacklogStore(backlog),
		notification.WithHubLogger(logger.Named("ws")),
	)

	c.MultiNotifier = notification.NewMultiNotifier(logger.Get()).
		Add("log", notification.NewLogNotifier(logger.Get())).
		Add("ws", notification.NewHubNotifier(c.Hub))

	emailCfg := cfg.Notification.Email
	if emailCfg.Enabled {
		if email := notification.NewEmailNotifier(notification.EmailConfig{
			Host:       emailCfg.Host,
			Port:       emailCfg.Port,
			Username:   emailCfg.Username,
			Password:   emailCfg.Password,
			From:       emailCfg.From,
			Recipients: emailCfg.Recipients,
		}); email != nil {
			c.MultiNotifier.Add("email", email)
		}
	}
	if webhook := notification.NewWebhookNotifier(notification.WebhookConfig{
		URL:     cfg.Notification.Webhook.URL,
		Secret:  cfg.Notification.Webhook.Secret,
		Timeout: cfg.Notification.Webhook.Timeout,
		Retries: cfg.Notification.Webhook.Retries,
	}); webhook != nil {
		c.MultiNotifier.Add("webhook", webhook)
	}

	c.Notifier = notification.NewAsyncNotifier(c.MultiNotifier, 256, 2, logger.Get())
	logger.Info("通知通道已就绪", zap.Strings("channels", c.MultiNotifier.Channels()))
}

func (c *AppContainer) initCoreServices(db *gorm.DB, cfg *config.Config) error {
	secrets, err := security.NewSecretBox(cfg.Security.SecretKey)
	if err != nil {
		return fmt.Errorf("初始化配置加密失败: %w", err)
	}
	if strings.TrimSpace(cfg.Security.SecretKey) == "" {
		logger.Warn("security.secret_key 未配置，敏感字段使用开发密钥加密")
	}
	c.Secrets = secrets
	c.Catalog = catalog.Default()

	lc := cfg.Lifecycle
	c.Verifier = verifier.New(verifier.Options{
		AllowUnchecked: lc.Verifier.AllowUnchecked,
		Live:           lc.Verifier.Live,
		Timeout:        lc.Verifier.Timeout,
	}, logger.Get())

	c.InstanceService = instance.NewService(db, c.Catalog, c.Verifier, c.Secrets, c.Ledger,
		instance.WithNotifier(c.Notifier),
		instance.WithPublisher(c.Hub),
		instance.WithLocker(c.Locks),
		instance.WithLogger(logger.Get()),
	)

	opts := []operation.Option{
		operation.WithNotifier(c.Notifier),
		operation.WithPublisher(c.Hub),
		operation.WithLocker(c.Locks),
		operation.WithLogger(logger.Get()),
	}
	if c.QueueClient != nil {
		opts = append(opts, operation.WithDispatcher(operation.NewQueueDispatcher(c.QueueClient)))
	}
	c.Runner = operation.NewRunner(db, c.InstanceService, c.Ledger, operation.Config{
		BatchSize:     lc.BatchSize,
		StepDelay:     lc.StepDelay,
		Timeout:       lc.OperationTimeout,
		MaxConcurrent: lc.MaxConcurrent,
	}, opts...)

	if c.QueueClient != nil {
		c.WorkerServer = worker.NewServer(cfg.Redis, lc.MaxConcurrent, c.Runner, logger.Named("worker"))
	}

	c.ComplianceService = compliance.NewService(db, c.Ledger, c.Locks, c.Notifier, logger.Get())
	return nil
}

func (c *AppContainer) initJobs(cfg *config.Config) error {
	c.Scheduler = jobs.NewScheduler(logger.Named("jobs"))

	var retention time.Duration
	if days := cfg.Lifecycle.OperationRetentionDays; days > 0 {
		retention = time.Duration(days) * 24 * time.Hour
	}
	return jobs.RegisterMaintenance(c.Scheduler, jobs.Specs{
		Replay:    cfg.Audit.ReplayCron,
		Archive:   cfg.Audit.ArchiveCron,
		Retention: cfg.Audit.RetentionCron,
	}, jobs.Maintenance{
		Ledger:     c.Ledger,
		Archiver:   c.Archiver,
		Operations: c.Runner,
		StaleAfter: staleOperationAfter,
		Retention:  retention,
	})
}

// Start 启动后台组件：回收滞留操作、回放审计兜底、启动定时任务与 worker
func (c *AppContainer) Start(ctx context.Context) error {
	if n, err := c.Runner.RecoverStale(ctx, staleOperationAfter); err != nil {
		logger.Warn("回收滞留操作失败", zap.Error(err))
	} else if n > 0 {
		logger.Info("已回收滞留操作", zap.Int("count", n))
	}
	if _, err := c.Ledger.ReplaySpool(ctx); err != nil {
		logger.Warn("启动时回放审计兜底失败", zap.Error(err))
	}

	c.Scheduler.Start()
	if c.WorkerServer != nil {
		if err := c.WorkerServer.Start(); err != nil {
			return fmt.Errorf("启动 worker 失败: %w", err)
		}
	}
	return nil
}

// Shutdown 按依赖逆序关闭：先停止接收新操作，再关闭通知与存储
func (c *AppContainer) Shutdown(ctx context.Context) {
	if err := c.Scheduler.Stop(ctx); err != nil {
		logger.Warn("定时任务未在期限内停止", zap.Error(err))
	}
	if c.WorkerServer != nil {
		c.WorkerServer.Shutdown()
	}
	if local, ok := c.Runner.Dispatcher().(*operation.LocalDispatcher); ok {
		if err := local.Close(ctx); err != nil {
			logger.Warn("本地操作未在期限内结束", zap.Error(err))
		}
	}
	if c.QueueClient != nil {
		_ = c.QueueClient.Close()
	}
	if c.Inspector != nil {
		_ = c.Inspector.Close()
	}
	c.Notifier.Stop()
	c.Hub.Close()
	if c.RateLimiter != nil {
		c.RateLimiter.Stop()
	}
	if c.Spool != nil {
		if err := c.Spool.Close(); err != nil {
			logger.Warn("关闭审计兜底文件失败", zap.Error(err))
		}
	}
	if err := infra.CloseRedis(); err != nil {
		logger.Warn("关闭 Redis 失败", zap.Error(err))
	}
}
