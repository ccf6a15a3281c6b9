package database

import (
	"errors"
	"fmt"
	"strings"

	"preorder/internal/config"
	"preorder/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 按配置选择驱动连接数据库，并完成建表与种子数据。
func Open(cfg config.AppConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DBDSN)
	default:
		dialector = sqlite.Open(cfg.DBDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if cfg.DBDriver == "sqlite" {
		// SQLite 单写者：串行化连接，避免 "database is locked"。
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenSQLiteMemory 打开独立的内存库，name 区分并行的调用方（测试用）。
func OpenSQLiteMemory(name string) (*gorm.DB, error) {
	return Open(config.AppConfig{
		DBDriver: "sqlite",
		DBDSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", name),
	})
}

// Migrate 建表并初始化订单项状态。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Ingredient{},
		&model.Meal{},
		&model.MealIngredient{},
		&model.Status{},
		&model.CollectionSlot{},
		&model.Order{},
		&model.OrderItem{},
		&model.Payment{},
	); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	for _, name := range model.DefaultItemStatuses {
		st := model.Status{Name: name}
		if err := db.Where(model.Status{Name: name}).FirstOrCreate(&st).Error; err != nil {
			return fmt.Errorf("seed status %s: %w", name, err)
		}
	}
	return nil
}

// IsUniqueViolation 识别唯一索引冲突（TranslateError 之外再兜底匹配驱动原始错误文本）。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "duplicate key")
}

// IsNotFound 是否为 gorm 的记录不存在错误。
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
