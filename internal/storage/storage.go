package storage

import (
	"context"
	"time"
)

// TestRecord 一次探测的历史记录。
type TestRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID string    `gorm:"index;not null" json:"subscription_id"`
	NodeIndex      int       `gorm:"not null" json:"node_index"`
	NodeName       string    `json:"node_name"`
	Success        bool      `json:"success"`
	LatencyMS      int64     `json:"latency"`
	Error          string    `json:"error,omitempty"`
	TestType       string    `gorm:"size:16" json:"test_type"`
	TestedAt       time.Time `gorm:"index" json:"test_time"`
}

// SwitchRecord 活动节点切换日志。
type SwitchRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID string    `gorm:"index;not null" json:"subscription_id"`
	FromIndex      *int      `json:"from_node_index,omitempty"`
	FromName       string    `json:"from_node_name,omitempty"`
	ToIndex        int       `json:"to_node_index"`
	ToName         string    `json:"to_node_name"`
	Reason         string    `gorm:"size:32" json:"switch_reason"`
	ScoreBefore    float64   `json:"score_before"`
	ScoreAfter     float64   `json:"score_after"`
	LatencyBefore  int64     `json:"latency_before"`
	LatencyAfter   int64     `json:"latency_after"`
	SwitchedAt     time.Time `gorm:"index" json:"switch_time"`
}

// QueueRecord 候选队列快照，每个 (subscription, node_index) 一行。
type QueueRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	SubscriptionID string    `gorm:"uniqueIndex:idx_queue_sub_node;not null" json:"subscription_id"`
	NodeIndex      int       `gorm:"uniqueIndex:idx_queue_sub_node;not null" json:"node_index"`
	NodeName       string    `json:"node_name"`
	LatencyMS      int64     `json:"latency"`
	Speed          float64   `json:"speed"`
	Score          float64   `json:"score"`
	SuccessRate    float64   `json:"success_rate"`
	TestCount      int       `json:"test_count"`
	FailCount      int       `json:"fail_count"`
	LastTestTime   time.Time `json:"last_test_time"`
	UpdatedAt      time.Time `json:"-"`
}

// Store 定义了历史数据持久化的行为。
type Store interface {
	RecordTest(ctx context.Context, rec TestRecord) error
	RecordSwitch(ctx context.Context, rec SwitchRecord) error
	RecentSwitches(ctx context.Context, subscriptionID string, limit int) ([]SwitchRecord, error)
	RecentTests(ctx context.Context, subscriptionID string, nodeIndex, limit int) ([]TestRecord, error)
	SaveQueue(ctx context.Context, subscriptionID string, recs []QueueRecord) error
	LoadQueue(ctx context.Context, subscriptionID string) ([]QueueRecord, error)
	Close() error
}

// NopStore discards everything. Used when no data directory is configured.
type NopStore struct{}

func (NopStore) RecordTest(context.Context, TestRecord) error     { return nil }
func (NopStore) RecordSwitch(context.Context, SwitchRecord) error { return nil }
func (NopStore) RecentSwitches(context.Context, string, int) ([]SwitchRecord, error) {
	return []SwitchRecord{}, nil
}
func (NopStore) RecentTests(context.Context, string, int, int) ([]TestRecord, error) {
	return []TestRecord{}, nil
}
func (NopStore) SaveQueue(context.Context, string, []QueueRecord) error { return nil }
func (NopStore) LoadQueue(context.Context, string) ([]QueueRecord, error) {
	return nil, nil
}
func (NopStore) Close() error { return nil }
