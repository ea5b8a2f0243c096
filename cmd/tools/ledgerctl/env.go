package main

import (
	"fmt"
	"strings"

	"eventhub/internal/audit"
	"eventhub/internal/config"
	"eventhub/internal/infra"
	"eventhub/internal/logger"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

// toolEnv 命令共用的配置、数据库与审计账本
type toolEnv struct {
	cfg    *config.Config
	db     *gorm.DB
	spool  *audit.BoltSpool
	ledger *audit.Ledger
}

func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(flagEnv, flagConfig)
	if err != nil {
		return nil, err
	}
	// 命令行输出以结果为主，日志只写 stderr
	if err := logger.Init(cfg.Log.Level, "console", "stderr"); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

// openEnv 打开数据库；withSpool 为 true 时同时打开审计兜底文件
func openEnv(withSpool bool) (*toolEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := audit.Migrate(db); err != nil {
		_ = infra.CloseDatabase()
		return nil, err
	}

	env := &toolEnv{cfg: cfg, db: db}
	var spool audit.Spool
	if path := strings.TrimSpace(cfg.Audit.FallbackPath); withSpool && path != "" {
		env.spool, err = audit.OpenBoltSpool(path)
		if err != nil {
			_ = infra.CloseDatabase()
			return nil, err
		}
		spool = env.spool
	}
	env.ledger = audit.NewLedger(db, spool, nil, logger.Get())
	return env, nil
}

func (e *toolEnv) Close() {
	if e.spool != nil {
		_ = e.spool.Close()
	}
	_ = infra.CloseDatabase()
	_ = logger.Sync()
}
