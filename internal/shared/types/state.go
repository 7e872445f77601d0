package types

import (
	"fmt"
	"net/url"
	"time"
)

// SelectionConfig 是一次智能选择运行的配置。运行中只会被整体替换，不会被原地修改。
type SelectionConfig struct {
	TestConcurrency     int     `json:"test_concurrency"`
	TestInterval        int     `json:"test_interval"`         // 分钟
	HealthCheckInterval int     `json:"health_check_interval"` // 秒
	TestTimeout         int     `json:"test_timeout"`          // 秒
	TestURL             string  `json:"test_url"`
	SwitchThreshold     float64 `json:"switch_threshold"`
	MaxQueueSize        int     `json:"max_queue_size"`
	HTTPPort            int     `json:"http_port"`
	SOCKSPort           int     `json:"socks_port"`
	EnableAutoSwitch    bool    `json:"enable_auto_switch"`
	EnableRetesting     bool    `json:"enable_retesting"`
	EnableHealthCheck   bool    `json:"enable_health_check"`
	EnableSpeedTest     bool    `json:"enable_speed_test"`

	// 测试用的细粒度间隔，优先于分钟/秒字段；不对外暴露。
	TestPeriod   time.Duration `json:"-"`
	HealthPeriod time.Duration `json:"-"`
}

// DefaultSelectionConfig 返回默认配置。
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		TestConcurrency:     10,
		TestInterval:        30,
		HealthCheckInterval: 60,
		TestTimeout:         30,
		TestURL:             "https://www.google.com",
		SwitchThreshold:     100,
		MaxQueueSize:        50,
		HTTPPort:            7890,
		SOCKSPort:           7891,
		EnableAutoSwitch:    true,
		EnableRetesting:     true,
		EnableHealthCheck:   true,
	}
}

// Normalize fills zero values from DefaultSelectionConfig.
func (c SelectionConfig) Normalize() SelectionConfig {
	d := DefaultSelectionConfig()
	if c.TestConcurrency <= 0 {
		c.TestConcurrency = d.TestConcurrency
	}
	if c.TestInterval <= 0 {
		c.TestInterval = d.TestInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = d.TestTimeout
	}
	if c.TestURL == "" {
		c.TestURL = d.TestURL
	}
	if c.SwitchThreshold < 0 {
		c.SwitchThreshold = 0
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.HTTPPort <= 0 {
		c.HTTPPort = d.HTTPPort
	}
	if c.SOCKSPort <= 0 {
		c.SOCKSPort = d.SOCKSPort
	}
	return c
}

// MinTestTimeout 是 test_timeout 的下限 (秒)。
const MinTestTimeout = 5

// Validate 检查 Normalize 之后仍可能非法的字段。
func (c SelectionConfig) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	if c.SOCKSPort <= 0 || c.SOCKSPort > 65535 {
		return fmt.Errorf("invalid socks_port: %d", c.SOCKSPort)
	}
	if c.HTTPPort == c.SOCKSPort {
		return fmt.Errorf("http_port and socks_port must differ")
	}
	if c.TestConcurrency < 1 || c.TestConcurrency > 100 {
		return fmt.Errorf("test_concurrency must be between 1 and 100, got %d", c.TestConcurrency)
	}
	if c.TestTimeout < MinTestTimeout {
		return fmt.Errorf("test_timeout must be at least %d seconds, got %d", MinTestTimeout, c.TestTimeout)
	}
	u, err := url.Parse(c.TestURL)
	if err != nil {
		return fmt.Errorf("invalid test_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid test_url: %q", c.TestURL)
	}
	return nil
}

func (c SelectionConfig) TestEvery() time.Duration {
	if c.TestPeriod > 0 {
		return c.TestPeriod
	}
	return time.Duration(c.TestInterval) * time.Minute
}

func (c SelectionConfig) HealthEvery() time.Duration {
	if c.HealthPeriod > 0 {
		return c.HealthPeriod
	}
	return time.Duration(c.HealthCheckInterval) * time.Second
}

func (c SelectionConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.TestTimeout) * time.Second
}
