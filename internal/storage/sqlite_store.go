package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"liuproxy_selector/internal/shared/logger"
)

const defaultLimit = 50

// SQLiteStore 实现了 Store 接口，使用 sqlite 持久化。
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite 在 dataDir 下打开 (或创建) history.db。
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "history.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	l := logger.WithComponent("Storage")
	l.Info().Str("path", path).Msg("History database opened.")
	return s, nil
}

// NewSQLiteStore wraps an open gorm handle and migrates the schema.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&TestRecord{}, &SwitchRecord{}, &QueueRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordTest(ctx context.Context, rec TestRecord) error {
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *SQLiteStore) RecordSwitch(ctx context.Context, rec SwitchRecord) error {
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *SQLiteStore) RecentSwitches(ctx context.Context, subscriptionID string, limit int) ([]SwitchRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	var out []SwitchRecord
	q := s.db.WithContext(ctx).Order("switched_at desc, id desc").Limit(limit)
	if subscriptionID != "" {
		q = q.Where("subscription_id = ?", subscriptionID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) RecentTests(ctx context.Context, subscriptionID string, nodeIndex, limit int) ([]TestRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	var out []TestRecord
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND node_index = ?", subscriptionID, nodeIndex).
		Order("tested_at desc, id desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveQueue 用快照替换该订阅之前保存的队列。
func (s *SQLiteStore) SaveQueue(ctx context.Context, subscriptionID string, recs []QueueRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscription_id = ?", subscriptionID).Delete(&QueueRecord{}).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for i := range recs {
			recs[i].ID = 0
			recs[i].SubscriptionID = subscriptionID
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "node_index"}},
			UpdateAll: true,
		}).Create(&recs).Error
	})
}

func (s *SQLiteStore) LoadQueue(ctx context.Context, subscriptionID string) ([]QueueRecord, error) {
	var out []QueueRecord
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("score desc, node_index asc").
		Find(&out).Error
	return out, err
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
