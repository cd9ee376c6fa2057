package migration

import (
	"github.com/smallbiznis/attribution/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			return nil
		}
		log.Named("migration").Info("applying schema", zap.Int("tables", len(Models())))
		return AutoMigrate(conn)
	}),
)
