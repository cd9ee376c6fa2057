package db

import (
	"context"
	"fmt"

	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/observability"
	obslogger "github.com/smallbiznis/attribution/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(FromAppConfig),
	fx.Provide(Open),
)

type Params struct {
	fx.In

	Lc     fx.Lifecycle
	Cfg    Config
	AppCfg config.Config
	ObsCfg observability.Config
	Log    *zap.Logger
}

// Open connects gorm with tracing, pool metrics and zap query logging attached.
func Open(p Params) (*gorm.DB, error) {
	dialector, err := Dialect(p.Cfg)
	if err != nil {
		return nil, err
	}

	logCfg := obslogger.DefaultGormLoggerConfig()
	if p.ObsCfg.SQLLogging {
		logCfg.Level = gormlogger.Info
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(p.Log, logCfg),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Cfg.Type, err)
	}

	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(p.Cfg.Name), otelgorm.WithoutQueryVariables())); err != nil {
		return nil, err
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          p.Cfg.Name,
		RefreshInterval: 15,
		Labels:          map[string]string{"service": p.AppCfg.AppName},
	})); err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if p.Cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(p.Cfg.MaxIdleConn)
	}
	if p.Cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(p.Cfg.MaxOpenConn)
	}
	if p.Cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.Cfg.ConnMaxLifetime)
	}
	if p.Cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.Cfg.ConnMaxIdleTime)
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sqlDB.PingContext(ctx)
		},
		OnStop: func(context.Context) error {
			return sqlDB.Close()
		},
	})
	return conn, nil
}
