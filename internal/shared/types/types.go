package types

import (
	"encoding/json"
	"time"
)

// NodeStatus 节点的运行状态
type NodeStatus string

const (
	NodeIdle       NodeStatus = "idle"
	NodeConnecting NodeStatus = "connecting"
	NodeConnected  NodeStatus = "connected"
	NodeTesting    NodeStatus = "testing"
	NodeError      NodeStatus = "error"
)

// Node 是订阅中的一个代理节点。身份由 (SubscriptionID, Index) 唯一确定。
type Node struct {
	SubscriptionID string     `json:"subscription_id"`
	Index          int        `json:"index"`
	Name           string     `json:"name"`
	Protocol       string     `json:"protocol"`
	Server         string     `json:"server"`
	Port           int        `json:"port"`
	Status         NodeStatus `json:"status"`

	TestResult  *TestOutcome  `json:"test_result,omitempty"`
	SpeedResult *SpeedOutcome `json:"speed_result,omitempty"`

	IsRunning bool `json:"is_running"`
	HTTPPort  int  `json:"http_port,omitempty"`
	SOCKSPort int  `json:"socks_port,omitempty"`
}

// Bound reports whether the node currently exposes a local proxy port.
func (n Node) Bound() bool {
	return n.IsRunning && (n.HTTPPort > 0 || n.SOCKSPort > 0)
}

// TestOutcome 一次连通性测试的结果，产生后不再修改。
type TestOutcome struct {
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"-"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"test_time"`
	TestType  string        `json:"test_type,omitempty"`
}

type testOutcomeJSON struct {
	Success   bool      `json:"success"`
	LatencyMS int64     `json:"latency"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"test_time"`
	TestType  string    `json:"test_type,omitempty"`
}

// MarshalJSON 输出毫秒延迟。
func (o TestOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(testOutcomeJSON{
		Success:   o.Success,
		LatencyMS: o.Latency.Milliseconds(),
		Error:     o.Error,
		Timestamp: o.Timestamp,
		TestType:  o.TestType,
	})
}

func (o *TestOutcome) UnmarshalJSON(data []byte) error {
	var raw testOutcomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = TestOutcome{
		Success:   raw.Success,
		Latency:   time.Duration(raw.LatencyMS) * time.Millisecond,
		Error:     raw.Error,
		Timestamp: raw.Timestamp,
		TestType:  raw.TestType,
	}
	return nil
}

// SpeedOutcome 一次测速结果，单位 Mbps。
type SpeedOutcome struct {
	DownloadSpeed float64       `json:"download_speed"`
	UploadSpeed   float64       `json:"upload_speed"`
	Latency       time.Duration `json:"-"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"test_time"`
}

// Failed reports whether the measurement produced no usable throughput.
func (s SpeedOutcome) Failed() bool {
	return s.Error != "" || s.DownloadSpeed <= 0
}

// SwitchReason 切换原因，字符串值对外可见。
type SwitchReason string

const (
	ReasonManualSwitch        SwitchReason = "manual_switch"
	ReasonInitialActivation   SwitchReason = "initial_activation"
	ReasonBetterNodeAvailable SwitchReason = "better_node_available"
	ReasonHealthCheckFailed   SwitchReason = "health_check_failed"
	ReasonAutoFailover        SwitchReason = "auto_failover"
)

// APIResponse 是 REST 接口的统一返回结构
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Subscription 定义了 subscriptions.json 中的一个订阅及其节点列表。
// 节点的 Index 由其在列表中的位置决定。
type Subscription struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Nodes []*Node `json:"nodes"`
}
