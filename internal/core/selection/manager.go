package selection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"liuproxy_selector/internal/core/queue"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/settings"
	"liuproxy_selector/internal/shared/types"
	"liuproxy_selector/internal/storage"
)

// Manager 按订阅管理选择引擎。每个订阅最多一个运行中的引擎。
type Manager struct {
	deps     Deps
	defaults atomic.Pointer[types.SelectionConfig]

	mu      sync.Mutex
	engines map[string]*Engine
}

var _ settings.ConfigurableModule = (*Manager)(nil)

func NewManager(deps Deps, defaults types.SelectionConfig) *Manager {
	if deps.History == nil {
		deps.History = storage.NopStore{}
	}
	m := &Manager{deps: deps, engines: make(map[string]*Engine)}
	d := defaults.Normalize()
	m.defaults.Store(&d)
	return m
}

// OnSettingsUpdate 更新之后启动的引擎使用的默认配置。
func (m *Manager) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	cfg, ok := newSettings.(*types.SelectionConfig)
	if !ok {
		return fmt.Errorf("invalid settings type for selection manager: %T", newSettings)
	}
	d := cfg.Normalize()
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	m.defaults.Store(&d)
	logger.Info().Int("test_concurrency", d.TestConcurrency).Float64("switch_threshold", d.SwitchThreshold).Msg("Selection defaults updated.")
	return nil
}

func (m *Manager) Defaults() types.SelectionConfig { return *m.defaults.Load() }

// Start 为订阅启动引擎。cfg 为 nil 时使用默认配置。
func (m *Manager) Start(ctx context.Context, subscriptionID string, cfg *types.SelectionConfig) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription_id is required", ErrInvalidRequest)
	}
	if _, err := m.deps.Nodes.Nodes(subscriptionID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.engines[subscriptionID]; running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, subscriptionID)
	}
	c := m.Defaults()
	if cfg != nil {
		c = cfg.Normalize()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	e := newEngine(subscriptionID, c, m.deps)
	m.engines[subscriptionID] = e
	e.start(ctx)
	return nil
}

func (m *Manager) Stop(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.resolveLocked(subscriptionID)
	if err != nil {
		return err
	}
	delete(m.engines, e.subscriptionID)
	e.stop(ctx)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.engines {
		delete(m.engines, id)
		e.stop(ctx)
	}
}

// resolveLocked 空 subscriptionID 解析为唯一运行中的引擎。
func (m *Manager) resolveLocked(subscriptionID string) (*Engine, error) {
	if subscriptionID != "" {
		e, ok := m.engines[subscriptionID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, subscriptionID)
		}
		return e, nil
	}
	switch len(m.engines) {
	case 0:
		return nil, ErrNotRunning
	case 1:
		for _, e := range m.engines {
			return e, nil
		}
	}
	return nil, ErrSubscriptionRequired
}

func (m *Manager) engine(subscriptionID string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(subscriptionID)
}

// Running returns the ids of running subscriptions, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Retest(subscriptionID string) error {
	e, err := m.engine(subscriptionID)
	if err != nil {
		return err
	}
	return e.Retest()
}

func (m *Manager) ToggleAutoSwitch(subscriptionID string, enabled bool) error {
	e, err := m.engine(subscriptionID)
	if err != nil {
		return err
	}
	return e.ToggleAutoSwitch(enabled)
}

func (m *Manager) SwitchTo(ctx context.Context, subscriptionID string, index int) error {
	e, err := m.engine(subscriptionID)
	if err != nil {
		return err
	}
	return e.SwitchTo(ctx, index)
}

func (m *Manager) UpdateConfig(subscriptionID string, cfg types.SelectionConfig) (types.SelectionConfig, error) {
	e, err := m.engine(subscriptionID)
	if err != nil {
		return types.SelectionConfig{}, err
	}
	return e.UpdateConfig(cfg)
}

// Status 返回引擎状态；订阅未运行时返回 is_running=false 的默认状态。
func (m *Manager) Status(subscriptionID string) Status {
	e, err := m.engine(subscriptionID)
	if err != nil {
		cfg := m.Defaults()
		return Status{
			State:          StateStopped,
			SubscriptionID: subscriptionID,
			Queue:          []queue.Entry{},
			Blacklist:      []queue.BlacklistEntry{},
			Config:         cfg,
			AutoSwitch:     cfg.EnableAutoSwitch,
		}
	}
	return e.Status()
}
