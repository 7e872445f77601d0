package queue

import (
	"sort"
	"strings"
	"time"
)

// BlacklistAfter 连续失败达到该次数后节点被拉黑。
const BlacklistAfter = 3

// BlacklistEntry 描述一个被暂时拉黑的节点。
type BlacklistEntry struct {
	NodeIndex int       `json:"node_index"`
	NodeName  string    `json:"node_name"`
	Reason    string    `json:"reason"`
	Until     time.Time `json:"until"`
}

// BlacklistDuration 按错误类别决定拉黑时长。
func BlacklistDuration(errText string) time.Duration {
	s := strings.ToLower(errText)
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "timed out"), strings.Contains(s, "deadline exceeded"):
		return 30 * time.Minute
	case strings.Contains(s, "connection refused"):
		return time.Hour
	case strings.Contains(s, "no route to host"):
		return 2 * time.Hour
	default:
		return 15 * time.Minute
	}
}

// trackFailureLocked 更新连续失败计数，达到阈值时拉黑节点。
func (q *Queue) trackFailureLocked(e *Entry, success bool, errText string) {
	if success {
		delete(q.fails, e.NodeIndex)
		delete(q.blacklist, e.NodeIndex)
		e.BlacklistedUntil = nil
		return
	}
	q.fails[e.NodeIndex]++
	if q.fails[e.NodeIndex] < BlacklistAfter {
		return
	}
	until := q.now().Add(BlacklistDuration(errText))
	q.blacklist[e.NodeIndex] = BlacklistEntry{NodeIndex: e.NodeIndex, NodeName: e.NodeName, Reason: errText, Until: until}
	e.BlacklistedUntil = &until
}

func (q *Queue) blacklistedLocked(index int, now time.Time) bool {
	b, ok := q.blacklist[index]
	return ok && now.Before(b.Until)
}

// Blacklisted 报告节点当前是否处于拉黑期。
func (q *Queue) Blacklisted(index int) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.blacklistedLocked(index, q.now())
}

// PruneBlacklist 移除已过期的拉黑记录，返回移除数量。
// 过期节点的连续失败计数也一并清零，下一次失败不会立即再次拉黑。
func (q *Queue) PruneBlacklist() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for idx, b := range q.blacklist {
		if now.Before(b.Until) {
			continue
		}
		delete(q.blacklist, idx)
		delete(q.fails, idx)
		if e, ok := q.byIndex[idx]; ok {
			e.BlacklistedUntil = nil
		}
		n++
	}
	return n
}

// Blacklist 返回仍在拉黑期内的节点，按节点序号排序。
func (q *Queue) Blacklist() []BlacklistEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	now := q.now()
	out := make([]BlacklistEntry, 0, len(q.blacklist))
	for _, b := range q.blacklist {
		if now.Before(b.Until) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeIndex < out[j].NodeIndex })
	return out
}
