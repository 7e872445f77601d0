package types

// CommonConf 包含共有的配置
type CommonConf struct {
	DataDir string `ini:"data_dir"` // 历史数据库目录，为空时不持久化
}

// LocalConf 包含 Web 服务相关的配置
type LocalConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// BatchConf 批量测试的行为配置
type BatchConf struct {
	Concurrency          int `ini:"concurrency"`
	ProbeTimeoutSec      int `ini:"probe_timeout_sec"`
	HeartbeatIntervalSec int `ini:"heartbeat_interval_sec"`
	SubscriberBuffer     int `ini:"subscriber_buffer"`
}

// SelectionConf 智能选择引擎的进程级配置。运行期参数在 settings.json 中。
type SelectionConf struct {
	SpeedTestURL   string `ini:"speed_test_url"`
	SpeedTestBytes int64  `ini:"speed_test_bytes"`
}

// Config 是统一配置结构体 (只包含行为配置)
type Config struct {
	CommonConf    `ini:"common"`
	LocalConf     `ini:"local"`
	LogConf       `ini:"log"`
	BatchConf     `ini:"batch"`
	SelectionConf `ini:"selection"`
}

// ApplyDefaults 填充未配置的字段。
func (c *Config) ApplyDefaults() {
	if c.BatchConf.Concurrency <= 0 {
		c.BatchConf.Concurrency = 2
	}
	if c.BatchConf.ProbeTimeoutSec <= 0 {
		c.BatchConf.ProbeTimeoutSec = 30
	}
	if c.BatchConf.HeartbeatIntervalSec <= 0 || c.BatchConf.HeartbeatIntervalSec > 30 {
		c.BatchConf.HeartbeatIntervalSec = 15
	}
	if c.BatchConf.SubscriberBuffer <= 0 {
		c.BatchConf.SubscriberBuffer = 256
	}
	if c.SelectionConf.SpeedTestBytes <= 0 {
		c.SelectionConf.SpeedTestBytes = 10 << 20
	}
	if c.LogConf.Level == "" {
		c.LogConf.Level = "info"
	}
}
