package queue

import (
	"sort"
	"sync"
	"time"

	"liuproxy_selector/internal/shared/types"
)

const historyWindow = 10

const (
	StatusAvailable = "available"
	StatusFailed    = "failed"
	StatusActive    = "active"
	StatusStale     = "stale" // 从快照恢复，尚未重新测试
)

// Entry 是候选队列中的一个节点。
type Entry struct {
	SubscriptionID string    `json:"subscription_id"`
	NodeIndex      int       `json:"node_index"`
	NodeName       string    `json:"node_name"`
	Protocol       string    `json:"protocol"`
	Server         string    `json:"server"`
	Port           int       `json:"port"`
	LatencyMS      int64     `json:"latency"`
	Speed          float64   `json:"speed"`
	Score          float64   `json:"score"`
	SuccessRate    float64   `json:"success_rate"`
	TestCount      int       `json:"test_count"`
	FailCount      int       `json:"fail_count"`
	LastTestTime   time.Time `json:"last_test_time"`
	Available      bool      `json:"available"`
	IsActive       bool      `json:"is_active"`
	Status         string    `json:"status"`

	BlacklistedUntil *time.Time `json:"blacklisted_until,omitempty"`
}

// Queue 是一个订阅的候选队列，按分数降序、节点序号升序排列。
// 同一节点只会出现一次。读取返回拷贝。
type Queue struct {
	mu             sync.RWMutex
	subscriptionID string
	maxSize        int
	entries        []*Entry
	byIndex        map[int]*Entry
	history        map[int][]bool
	fails          map[int]int
	blacklist      map[int]BlacklistEntry
	now            func() time.Time
}

func New(subscriptionID string, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &Queue{
		subscriptionID: subscriptionID,
		maxSize:        maxSize,
		byIndex:        make(map[int]*Entry),
		history:        make(map[int][]bool),
		fails:          make(map[int]int),
		blacklist:      make(map[int]BlacklistEntry),
		now:            time.Now,
	}
}

// Record 记录一次连通性探测结果并重新评分、排序。
func (q *Queue) Record(node types.Node, outcome types.TestOutcome) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byIndex[node.Index]
	if !ok {
		e = &Entry{SubscriptionID: q.subscriptionID, NodeIndex: node.Index}
		q.byIndex[node.Index] = e
		q.entries = append(q.entries, e)
	}
	e.NodeName = node.Name
	e.Protocol = node.Protocol
	e.Server = node.Server
	e.Port = node.Port
	e.TestCount++
	if !outcome.Success {
		e.FailCount++
	}
	e.Available = outcome.Success
	if outcome.Success {
		e.LatencyMS = outcome.Latency.Milliseconds()
	}
	e.LastTestTime = outcome.Timestamp

	h := append(q.history[node.Index], outcome.Success)
	if len(h) > historyWindow {
		h = h[len(h)-historyWindow:]
	}
	q.history[node.Index] = h
	e.SuccessRate = rate(h)
	q.trackFailureLocked(e, outcome.Success, outcome.Error)

	q.rescoreLocked(e)
	q.sortAndEvictLocked()
	return *e
}

// RecordSpeed 更新节点的速度。测速失败只把速度记为 0，不影响可用性。
func (q *Queue) RecordSpeed(index int, speed types.SpeedOutcome) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byIndex[index]
	if !ok {
		return Entry{}, false
	}
	if speed.Failed() {
		e.Speed = 0
	} else {
		e.Speed = speed.DownloadSpeed
	}
	q.rescoreLocked(e)
	q.sortAndEvictLocked()
	return *e, true
}

func (q *Queue) rescoreLocked(e *Entry) {
	e.Score = Score(time.Duration(e.LatencyMS)*time.Millisecond, e.Available, e.Speed, e.SuccessRate)
	switch {
	case e.IsActive:
		e.Status = StatusActive
	case e.Available:
		e.Status = StatusAvailable
	case e.TestCount == 0:
		e.Status = StatusStale
	default:
		e.Status = StatusFailed
	}
}

func (q *Queue) sortAndEvictLocked() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		if q.entries[i].Score != q.entries[j].Score {
			return q.entries[i].Score > q.entries[j].Score
		}
		return q.entries[i].NodeIndex < q.entries[j].NodeIndex
	})
	// 从最低分开始淘汰，活动节点不淘汰
	for i := len(q.entries) - 1; len(q.entries) > q.maxSize && i >= 0; i-- {
		e := q.entries[i]
		if e.IsActive {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		delete(q.byIndex, e.NodeIndex)
		delete(q.history, e.NodeIndex)
		delete(q.fails, e.NodeIndex)
	}
}

// SetActive 标记活动节点；index<0 清除标记。
func (q *Queue) SetActive(index int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		e.IsActive = e.NodeIndex == index
		q.rescoreLocked(e)
	}
}

func (q *Queue) Get(index int) (Entry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.byIndex[index]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Best 返回排名最高、最近一次探测成功且未被拉黑的节点。
func (q *Queue) Best() (Entry, bool) {
	return q.BestExcluding(-1)
}

// BestExcluding 同 Best，但跳过指定节点。
func (q *Queue) BestExcluding(index int) (Entry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	now := q.now()
	for _, e := range q.entries {
		if e.Available && e.NodeIndex != index && !q.blacklistedLocked(e.NodeIndex, now) {
			return *e, true
		}
	}
	return Entry{}, false
}

// Snapshot 按当前排序返回所有条目的拷贝。
func (q *Queue) Snapshot() []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Counts returns how many entries are available and failed.
func (q *Queue) Counts() (available, failed int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, e := range q.entries {
		if e.Available {
			available++
		} else if e.TestCount > 0 {
			failed++
		}
	}
	return
}

func (q *Queue) SetMaxSize(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxSize = n
	q.sortAndEvictLocked()
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.byIndex = make(map[int]*Entry)
	q.history = make(map[int][]bool)
	q.fails = make(map[int]int)
	q.blacklist = make(map[int]BlacklistEntry)
}

// Restore 用持久化快照预填队列。恢复的条目不可用，直到重新测试。
func (q *Queue) Restore(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, in := range entries {
		if _, dup := q.byIndex[in.NodeIndex]; dup {
			continue
		}
		e := in
		e.SubscriptionID = q.subscriptionID
		e.Available = false
		e.IsActive = false
		e.TestCount = 0
		e.FailCount = 0
		e.BlacklistedUntil = nil
		q.history[e.NodeIndex] = seedHistory(in.SuccessRate, in.TestCount)
		e.SuccessRate = rate(q.history[e.NodeIndex])
		q.byIndex[e.NodeIndex] = &e
		q.entries = append(q.entries, &e)
		q.rescoreLocked(&e)
	}
	q.sortAndEvictLocked()
}

func seedHistory(successRate float64, count int) []bool {
	if count > historyWindow {
		count = historyWindow
	}
	successes := int(successRate*float64(count) + 0.5)
	h := make([]bool, count)
	for i := 0; i < successes && i < count; i++ {
		h[i] = true
	}
	return h
}

func rate(h []bool) float64 {
	if len(h) == 0 {
		return 0
	}
	ok := 0
	for _, v := range h {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(h))
}
