package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"

	"cafe-settlement/internal/config"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var embedded embed.FS

// RunMigrations применяет миграции к базе данных
func RunMigrations(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("начало применения миграций")

	db, dir, err := open(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	logger.Info("миграции успешно применены")
	return nil
}

// GetMigrationStatus выводит статус миграций
func GetMigrationStatus(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("проверка статуса миграций")

	db, dir, err := open(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.Status(db, dir); err != nil {
		return fmt.Errorf("ошибка получения статуса миграций: %w", err)
	}
	return nil
}

func open(cfg *config.Config, logger *zap.Logger) (*sql.DB, string, error) {
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, "", fmt.Errorf("ошибка установки диалекта: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, "", fmt.Errorf("ошибка подключения к базе данных для миграций: %w", err)
	}

	fsys, dir := Source(cfg.Database.MigrationPath, logger)
	goose.SetBaseFS(fsys)
	return db, dir, nil
}

// Source выбирает каталог миграций: путь из конфигурации, если он есть на диске,
// иначе встроенные в бинарник файлы
func Source(configPath string, logger *zap.Logger) (fs.FS, string) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			logger.Info("используем путь к миграциям из конфигурации", zap.String("path", configPath))
			return nil, configPath
		}
		logger.Warn("каталог миграций не найден, используем встроенные", zap.String("path", configPath))
	}
	return embedded, "sql"
}
