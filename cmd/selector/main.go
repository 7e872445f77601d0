package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"liuproxy_selector/internal/app"
	"liuproxy_selector/internal/shared/config"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "selector.ini")
	subscriptionsPath := filepath.Join(*configDir, "subscriptions.json")

	// 0. .env 中的变量在 ini 之后作为覆盖项生效
	if err := config.LoadDotEnv(filepath.Join(*configDir, ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// 1. 加载 .ini 行为配置
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 加载 subscriptions.json 数据配置
	subs, err := config.LoadSubscriptions(subscriptionsPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load subscriptions file '%s'", subscriptionsPath)
	}

	// 3. 创建并运行服务器
	appServer, err := app.New(cfg, *configDir, subs)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize server")
	}
	appServer.Run()
}
