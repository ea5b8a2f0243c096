package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Log          LogConfig          `mapstructure:"log"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Security     SecurityConfig     `mapstructure:"security"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int        `mapstructure:"port"`
	Mode         string     `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int        `mapstructure:"read_timeout"`
	WriteTimeout int        `mapstructure:"write_timeout"`
	RateLimit    float64    `mapstructure:"rate_limit"` // 每个操作者每秒请求数，0 表示不限流
	RateBurst    int        `mapstructure:"rate_burst"`
	CORS         CORSConfig `mapstructure:"cors"`
}

// CORSConfig 跨域配置，AllowOrigins 为空时允许任意来源
type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
	AllowHeaders []string `mapstructure:"allow_headers"`
	AllowMethods []string `mapstructure:"allow_methods"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	Path            string `mapstructure:"path"` // sqlite 文件路径
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
	SlowQueryMS     int    `mapstructure:"slow_query_ms"` // 慢查询阈值（毫秒）
	LogSQL          bool   `mapstructure:"log_sql"`
}

// RedisConfig Redis 配置（asynq 队列与分布式锁共用）
type RedisConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Mode          string   `mapstructure:"mode"` // standalone, sentinel, cluster
	Host          string   `mapstructure:"host"`
	Port          int      `mapstructure:"port"`
	Address       string   `mapstructure:"addr"` // host:port 简写，host 未配置时使用
	Password      string   `mapstructure:"password"`
	DB            int      `mapstructure:"db"`
	PoolSize      int      `mapstructure:"pool_size"`
	MinIdleConns  int      `mapstructure:"min_idle_conns"`
	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`
	ClusterAddrs  []string `mapstructure:"cluster_addrs"`
}

// Addr 返回 host:port
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Normalize 补齐 Redis 连接参数：模式小写化，host 为空时解析 addr，端口与连接池取默认值
func (c *RedisConfig) Normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = "standalone"
	}
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" && strings.TrimSpace(c.Address) != "" {
		host, port, err := net.SplitHostPort(strings.TrimSpace(c.Address))
		if err != nil {
			host = strings.TrimSpace(c.Address)
		}
		c.Host = host
		if p, err := strconv.Atoi(port); err == nil && c.Port == 0 {
			c.Port = p
		}
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	c.SentinelAddrs = compact(c.SentinelAddrs)
	c.ClusterAddrs = compact(c.ClusterAddrs)
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns <= 0 {
		c.MinIdleConns = 5
	}
}

// compact 去掉空白项，环境变量中的逗号列表经 viper 拆分后可能带空格
func compact(list []string) []string {
	var out []string
	for _, v := range list {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// AuthConfig API 鉴权配置
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// SecurityConfig 敏感配置加密
type SecurityConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

// LifecycleConfig 集成实例与同步操作配置
type LifecycleConfig struct {
	Dispatcher             string         `mapstructure:"dispatcher"` // local, queue
	MaxConcurrent          int            `mapstructure:"max_concurrent"`
	BatchSize              int            `mapstructure:"batch_size"`
	StepDelay              time.Duration  `mapstructure:"step_delay"`
	OperationTimeout       time.Duration  `mapstructure:"operation_timeout"`
	OperationRetentionDays int            `mapstructure:"operation_retention_days"` // 0 表示永久保留
	Verifier               VerifierConfig `mapstructure:"verifier"`
}

// VerifierConfig 连接校验策略
type VerifierConfig struct {
	AllowUnchecked bool          `mapstructure:"allow_unchecked"` // 未注册检查的类别按 no-op 成功处理
	Live           bool          `mapstructure:"live"`            // 执行真实网络探测
	Timeout        time.Duration `mapstructure:"timeout"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	FallbackPath  string `mapstructure:"fallback_path"`  // bbolt 兜底文件
	ArchivePath   string `mapstructure:"archive_path"`   // 归档目录
	ArchiveCron   string `mapstructure:"archive_cron"`   // 归档任务 cron 表达式
	ReplayCron    string `mapstructure:"replay_cron"`    // 兜底回放任务 cron 表达式
	RetentionCron string `mapstructure:"retention_cron"` // 操作记录清理任务 cron 表达式
}

// NotificationConfig 通知配置
type NotificationConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Backlog int           `mapstructure:"backlog"` // 每个 WebSocket 主题保留的补发消息数
}

// WebhookConfig 通知 Webhook 配置
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// EmailConfig SMTP 配置
type EmailConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

var globalConfig *Config

// setDefaults 设置默认值，配置文件与环境变量会覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.cors.allow_origins", []string{})
	v.SetDefault("server.cors.allow_headers", []string{
		"Content-Type", "Content-Length", "Accept-Encoding", "Authorization",
		"Accept", "Origin", "Cache-Control", "X-Requested-With", "X-Request-ID", "X-Actor-ID",
	})
	v.SetDefault("server.cors.allow_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "./data/eventhub.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_query_ms", 200)

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 0)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.sentinel_addrs", []string{})
	v.SetDefault("redis.cluster_addrs", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("auth.issuer", "eventhub")

	v.SetDefault("lifecycle.dispatcher", "local")
	v.SetDefault("lifecycle.max_concurrent", 4)
	v.SetDefault("lifecycle.batch_size", 10)
	v.SetDefault("lifecycle.step_delay", "0s")
	v.SetDefault("lifecycle.operation_timeout", "30m")
	v.SetDefault("lifecycle.verifier.allow_unchecked", true)
	v.SetDefault("lifecycle.verifier.timeout", "10s")

	v.SetDefault("audit.fallback_path", "./data/audit-spool.db")
	v.SetDefault("audit.archive_path", "./archive/audit")
	v.SetDefault("audit.archive_cron", "0 30 2 * * *")
	v.SetDefault("audit.replay_cron", "0 */5 * * * *")
	v.SetDefault("audit.retention_cron", "0 0 3 * * *")

	v.SetDefault("notification.email.port", 587)
	v.SetDefault("notification.webhook.timeout", "10s")
	v.SetDefault("notification.webhook.retries", 2)
	v.SetDefault("notification.backlog", 50)
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_DATABASE_HOST
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !asConfigNotFound(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.Redis.Normalize()
	cfg.Server.CORS.AllowOrigins = compact(cfg.Server.CORS.AllowOrigins)

	globalConfig = &cfg
	return &cfg, nil
}

// asConfigNotFound 未找到配置文件时只使用默认值与环境变量
func asConfigNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	e, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = e
	}
	return ok
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取 postgres 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
