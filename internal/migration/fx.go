package migration

import (
	"context"

	"github.com/smallbiznis/soldiers/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			log.Info("skipping schema migrations")
			return nil
		}
		if conn.Dialector.Name() == "mysql" {
			log.Warn("schema migrations are not bundled for mysql; apply them externally")
			return nil
		}
		return Apply(context.Background(), conn)
	}),
)
