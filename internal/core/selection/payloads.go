package selection

import (
	"time"

	"liuproxy_selector/internal/core/queue"
	"liuproxy_selector/internal/shared/types"
)

// State 是引擎的生命周期状态。
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const advisoryManualSwitch = "manual_switch_available"

// TestingProgress 是 TestingPhase 的进度，同时用于 testing_progress 事件和状态查询。
type TestingProgress struct {
	SubscriptionID string `json:"subscription_id"`
	IsRunning      bool   `json:"is_running"`
	CurrentNode    string `json:"current_node,omitempty"`
	Progress       int    `json:"progress"`
	TestedNodes    int    `json:"tested_nodes"`
	TotalNodes     int    `json:"total_nodes"`
	SuccessNodes   int    `json:"success_nodes"`
	FailedNodes    int    `json:"failed_nodes"`
	SkippedNodes   int    `json:"skipped_nodes"` // 拉黑中，本轮跳过
}

// SwitchNode 是 node_switch 事件里的节点摘要。
type SwitchNode struct {
	NodeIndex int     `json:"node_index"`
	NodeName  string  `json:"node_name"`
	Latency   int64   `json:"latency"`
	Score     float64 `json:"score"`
}

type switchPayload struct {
	SubscriptionID string             `json:"subscription_id"`
	FromNode       *SwitchNode        `json:"from_node,omitempty"`
	ToNode         SwitchNode         `json:"to_node"`
	SwitchReason   types.SwitchReason `json:"switch_reason"`
	SwitchTime     time.Time          `json:"switch_time"`
}

type queueUpdatePayload struct {
	SubscriptionID string             `json:"subscription_id"`
	QueueSize      int                `json:"queue_size"`
	AvailableNodes int                `json:"available_nodes"`
	FailedNodes    int                `json:"failed_nodes"`
	Advisory       string             `json:"advisory,omitempty"`
	Reason         types.SwitchReason `json:"reason,omitempty"`
	Suggested      *SwitchNode        `json:"suggested_node,omitempty"`
}

type lifecyclePayload struct {
	SubscriptionID string                 `json:"subscription_id"`
	Message        string                 `json:"message"`
	Config         *types.SelectionConfig `json:"config,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

type testingStartPayload struct {
	SubscriptionID string `json:"subscription_id"`
	TotalNodes     int    `json:"total_nodes"`
}

type testingCompletePayload struct {
	SubscriptionID string `json:"subscription_id"`
	TotalNodes     int    `json:"total_nodes"`
	SuccessNodes   int    `json:"success_nodes"`
	FailedNodes    int    `json:"failed_nodes"`
	Duration       int64  `json:"duration_ms"`
}

type togglePayload struct {
	SubscriptionID string `json:"subscription_id"`
	Enabled        bool   `json:"enabled"`
}

// Status 是 GET /intelligent-proxy/status 返回的数据。
type Status struct {
	IsRunning        bool                   `json:"is_running"`
	State            State                  `json:"state"`
	SubscriptionID   string                 `json:"subscription_id"`
	ActiveNode       *queue.Entry           `json:"active_node"`
	Queue            []queue.Entry          `json:"queue"`
	Blacklist        []queue.BlacklistEntry `json:"blacklist"`
	QueueSize        int                    `json:"queue_size"`
	TotalSwitches    int                    `json:"total_switches"`
	TestedNodes      int                    `json:"tested_nodes"`
	FailedNodes      int                    `json:"failed_nodes"`
	Uptime           int64                  `json:"uptime"` // 秒
	StartTime        *time.Time             `json:"start_time,omitempty"`
	TestingProgress  *TestingProgress       `json:"testing_progress,omitempty"`
	Config           types.SelectionConfig  `json:"config"`
	AutoSwitch       bool                   `json:"auto_switch"`
	LastSwitchTime   *time.Time             `json:"last_switch_time,omitempty"`
	LastSwitchReason types.SwitchReason     `json:"last_switch_reason,omitempty"`
	LastTestTime     *time.Time             `json:"last_test_time,omitempty"`
}

func summarize(e queue.Entry) SwitchNode {
	return SwitchNode{NodeIndex: e.NodeIndex, NodeName: e.NodeName, Latency: e.LatencyMS, Score: e.Score}
}
