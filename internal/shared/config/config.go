package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"liuproxy_selector/internal/shared/types"
)

// LoadIni 加载 selector.ini 行为配置文件，然后应用环境变量覆盖。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	return nil
}

// LoadDotEnv 读取 .env 文件到进程环境变量。文件不存在不是错误。
// 已存在的环境变量不会被覆盖。
func LoadDotEnv(fileName string) error {
	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(fileName)
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.LocalConf.WebPort, "SELECTOR_WEB_PORT")
	overrideFromEnvString(&cfg.LocalConf.WebUser, "SELECTOR_WEB_USER")
	overrideFromEnvString(&cfg.LocalConf.WebPassword, "SELECTOR_WEB_PASSWORD")
	overrideFromEnvInt(&cfg.BatchConf.Concurrency, "SELECTOR_BATCH_CONCURRENCY")
	overrideFromEnvString(&cfg.CommonConf.DataDir, "SELECTOR_DATA_DIR")
	overrideFromEnvString(&cfg.LogConf.Level, "SELECTOR_LOG_LEVEL")
}

// LoadSubscriptions 加载 subscriptions.json 数据文件。
func LoadSubscriptions(fileName string) ([]*types.Subscription, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return []*types.Subscription{}, nil
		}
		return nil, fmt.Errorf("failed to read subscriptions file: %w", err)
	}

	var subs []*types.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscriptions.json: %w", err)
	}
	for _, sub := range subs {
		if sub.ID == "" {
			return nil, fmt.Errorf("subscription without id in %s", fileName)
		}
		for i, n := range sub.Nodes {
			n.SubscriptionID = sub.ID
			n.Index = i
			if n.Status == "" {
				n.Status = types.NodeIdle
			}
		}
	}
	return subs, nil
}

// SaveSubscriptions 将订阅列表保存到 subscriptions.json。
func SaveSubscriptions(fileName string, subs []*types.Subscription) error {
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal subscriptions: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
