package events

import (
	"encoding/json"
	"time"
)

// Kind 是事件的类型标签，同时作为 SSE 的 event 名称。
type Kind string

const (
	KindPing      Kind = "ping"
	KindConnected Kind = "connected"
	KindHeartbeat Kind = "heartbeat"
	KindClose     Kind = "close"

	// 批量测试
	KindProgress    Kind = "progress"
	KindFinalResult Kind = "final_result"
	KindCancelled   Kind = "cancelled"
	KindError       Kind = "error"

	// 智能选择引擎
	KindServiceStarted    Kind = "service_started"
	KindServiceStopped    Kind = "service_stopped"
	KindTestingStart      Kind = "testing_start"
	KindTestingProgress   Kind = "testing_progress"
	KindTestingComplete   Kind = "testing_complete"
	KindNodeSwitch        Kind = "node_switch"
	KindQueueUpdate       Kind = "queue_update"
	KindAutoSwitchToggled Kind = "auto_switch_toggled"
	KindConfigUpdated     Kind = "config_updated"
)

// Guaranteed events are appended even to a full subscriber queue.
func (k Kind) Guaranteed() bool {
	return k.Terminal() || k == KindNodeSwitch
}

// Terminal events end a batch session stream.
func (k Kind) Terminal() bool {
	switch k {
	case KindFinalResult, KindCancelled, KindError:
		return true
	}
	return false
}

// Droppable events carry no state and may be discarded under backpressure.
func (k Kind) Droppable() bool {
	return k == KindHeartbeat || k == KindPing
}

// Event 是所有内部事件的统一表示。Data 为事件负载，序列化为 SSE data 行。
type Event struct {
	Kind  Kind        `json:"type"`
	Topic string      `json:"-"`
	Seq   uint64      `json:"-"`
	Time  time.Time   `json:"-"`
	Data  interface{} `json:"data"`
}

// Payload returns the JSON encoding of Data.
func (e Event) Payload() ([]byte, error) {
	if e.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Data)
}

// Publisher 是事件生产者依赖的最小接口。
type Publisher interface {
	Publish(topic string, kind Kind, data interface{})
}

// Topic names.
const TopicSelection = "selection"

func BatchTopic(sessionID string) string {
	return "batch:" + sessionID
}
