package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"liuproxy_selector/internal/shared/types"
)

// ErrUnknownModule is returned by Update for a module key with no settings section.
var ErrUnknownModule = errors.New("unknown settings module")

// ErrInvalidSettings is returned by Update when the new values cannot be applied.
var ErrInvalidSettings = errors.New("invalid settings")

// SettingsManager 是运行时配置的核心管理器。
// 读取走原子快照，更新时持久化并通知订阅者。
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // *RuntimeSettings
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 保护 subscribers 和文件写入
}

// NewSettingsManager 创建配置管理器并立即加载。filePath 为空时只在内存中保存默认配置。
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(createDefaultSettings())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

// load 从磁盘加载 settings.json；文件不存在时写入默认配置。
func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = createDefaultSettings()
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的快照。调用方不得修改返回值。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Selection returns a copy of the default selection config.
func (sm *SettingsManager) Selection() types.SelectionConfig {
	return *sm.Get().Selection
}

// Update 接收一个模块的原始 JSON，原子地更新内存配置、持久化到磁盘并通知订阅者。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	newSettings := deepCopy(sm.Get())

	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("%w: %s", ErrUnknownModule, moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("%w: failed to parse JSON for module %s: %v", ErrInvalidSettings, moduleKey, err)
	}
	if sel, ok := targetModule.(*types.SelectionConfig); ok {
		*sel = sel.Normalize()
		if err := sel.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}

	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	sm.settings.Store(newSettings)

	// 异步通知订阅者
	go sm.notify(moduleKey, targetModule)

	return nil
}

func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	sm.mu.RLock()
	subscribers := append([]ConfigurableModule(nil), sm.subscribers[moduleKey]...)
	sm.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}
	log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
			log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
		}
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Selection != nil {
		sel := *s.Selection
		newS.Selection = &sel
	}
	if s.Batch != nil {
		b := *s.Batch
		newS.Batch = &b
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModuleSelection:
		return s.Selection
	case ModuleBatch:
		return s.Batch
	default:
		return nil
	}
}
