package batch

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry 保存所有进行中的批量测试会话。底层是分段加锁的并发 map，
// 不同订阅的会话互不争用。
type Registry struct {
	sessions *xsync.Map[string, *Session]
}

func NewRegistry() *Registry {
	return &Registry{sessions: xsync.NewMap[string, *Session]()}
}

func (r *Registry) Register(s *Session) error {
	if _, loaded := r.sessions.LoadOrStore(s.ID, s); loaded {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	return nil
}

// Lookup 查找会话。会话结束后被移除，查不到是正常情况。
func (r *Registry) Lookup(id string) (*Session, bool) {
	return r.sessions.Load(id)
}

func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
}

func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Range iterates over live sessions until fn returns false.
func (r *Registry) Range(fn func(s *Session) bool) {
	r.sessions.Range(func(_ string, s *Session) bool {
		return fn(s)
	})
}
