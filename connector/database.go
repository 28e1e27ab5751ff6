package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/xerrors"
)

// dbConnector MySQL 与 SQLite 共用的 GORM 连接器
type dbConnector struct {
	name      string
	driver    string
	dialector gorm.Dialector
	trace     bool
	tune      func(*gorm.DB) error
	db        *gorm.DB
	logger    clog.Logger
	healthy   atomic.Bool
	mu        sync.RWMutex
}

// NewMySQL 创建 MySQL 连接器
func NewMySQL(cfg *MySQLConfig, opts ...Option) (DatabaseConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "mysql config is nil")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &dbConnector{
		name:      cfg.Name,
		driver:    "mysql",
		dialector: mysql.Open(cfg.dsn()),
		trace:     cfg.EnableTrace,
		tune: func(db *gorm.DB) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
			return nil
		},
		logger: o.logger.With(clog.String("connector", "mysql"), clog.String("name", cfg.Name)),
	}, nil
}

// NewSQLite 创建 SQLite 连接器
func NewSQLite(cfg *SQLiteConfig, opts ...Option) (DatabaseConnector, error) {
	if cfg == nil {
		cfg = &SQLiteConfig{}
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &dbConnector{
		name:      cfg.Name,
		driver:    "sqlite",
		dialector: sqlite.Open(cfg.Path),
		trace:     cfg.EnableTrace,
		logger:    o.logger.With(clog.String("connector", "sqlite"), clog.String("name", cfg.Name)),
	}, nil
}

func (c *dbConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}

	c.logger.Info("attempting to open database", clog.String("driver", c.driver))
	db, err := gorm.Open(c.dialector, &gorm.Config{Logger: newGormLogger(c.logger)})
	if err != nil {
		c.logger.Error("failed to open database", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.driver, c.name, err)
	}
	if c.trace {
		if err := db.Use(otelgorm.NewPlugin()); err != nil {
			c.logger.Warn("failed to install otelgorm plugin", clog.Error(err))
		}
	}
	if c.tune != nil {
		if err := c.tune(db); err != nil {
			return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.driver, c.name, err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.driver, c.name, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		c.logger.Error("failed to ping database", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "%s connector[%s]: %v", c.driver, c.name, err)
	}

	c.db = db
	c.healthy.Store(true)
	c.logger.Info("database connected", clog.String("driver", c.driver))
	return nil
}

func (c *dbConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy.Store(false)
	if c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	c.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *dbConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return ErrNotConnected
	}
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "%s connector[%s]: %v", c.driver, c.name, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *dbConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *dbConnector) Name() string {
	return c.name
}

func (c *dbConnector) GetClient() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}
