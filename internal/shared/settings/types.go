package settings

import "liuproxy_selector/internal/shared/types"

const (
	ModuleSelection = "selection"
	ModuleBatch     = "batch"
)

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager 会调用 OnSettingsUpdate。
type ConfigurableModule interface {
	// moduleKey: 发生变化的模块 (e.g., "selection", "batch")。
	// newSettings: 对应模块已解析好的新配置结构体指针 (e.g., *types.SelectionConfig)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型，JSON 中缺少某个模块时对应字段为 nil，由 ensureDefaultModules 补齐。
type RuntimeSettings struct {
	Selection *types.SelectionConfig `json:"selection"`
	Batch     *BatchSettings         `json:"batch"`
}

// BatchSettings 对应 settings.json 中的 "batch" 模块。
type BatchSettings struct {
	Concurrency     int `json:"concurrency"`
	ProbeTimeoutSec int `json:"probe_timeout_sec"`
}

func createDefaultSettings() *RuntimeSettings {
	sel := types.DefaultSelectionConfig()
	return &RuntimeSettings{
		Selection: &sel,
		Batch:     &BatchSettings{Concurrency: 2, ProbeTimeoutSec: 30},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	defaults := createDefaultSettings()
	if s.Selection == nil {
		s.Selection = defaults.Selection
	}
	if s.Batch == nil {
		s.Batch = defaults.Batch
	}
}
