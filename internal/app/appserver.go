package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"liuproxy_selector/internal/core/batch"
	"liuproxy_selector/internal/core/binding"
	"liuproxy_selector/internal/core/events"
	"liuproxy_selector/internal/core/nodes"
	"liuproxy_selector/internal/core/probe"
	"liuproxy_selector/internal/core/selection"
	"liuproxy_selector/internal/metrics"
	"liuproxy_selector/internal/service/web"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/settings"
	"liuproxy_selector/internal/shared/types"
	"liuproxy_selector/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg               *types.Config
	subscriptionsPath string

	settingsManager *settings.SettingsManager
	nodes           *nodes.Store
	history         storage.Store
	broker          *events.Broker
	metrics         *metrics.Metrics
	orchestrator    *batch.Orchestrator
	selection       *selection.Manager
	hub             *web.Hub
	httpServer      *http.Server

	subscriptionsFileLock sync.Mutex

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 组装所有组件。subscriptions 通常来自 subscriptions.json。
func New(cfg *types.Config, configDir string, subscriptions []*types.Subscription) (*AppServer, error) {
	cfg.ApplyDefaults()
	s := &AppServer{
		cfg:               cfg,
		subscriptionsPath: filepath.Join(configDir, "subscriptions.json"),
		nodes:             nodes.NewStore(subscriptions),
		metrics:           metrics.New(),
	}

	sm, err := settings.NewSettingsManager(filepath.Join(configDir, "settings.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	s.settingsManager = sm

	if cfg.CommonConf.DataDir != "" {
		dataDir := cfg.CommonConf.DataDir
		if !filepath.IsAbs(dataDir) {
			dataDir = filepath.Join(configDir, dataDir)
		}
		store, err := storage.OpenSQLite(dataDir)
		if err != nil {
			return nil, err
		}
		s.history = store
	} else {
		logger.Warn().Msg("data_dir is not set, test history will not be persisted.")
		s.history = storage.NopStore{}
	}

	s.broker = events.NewBroker(cfg.BatchConf.SubscriberBuffer, s.metrics)

	initialSettings := sm.Get()
	prober := &probe.ProxiedProber{TestURL: initialSettings.Selection.TestURL, Fallback: probe.DialProber{}}
	var speed probe.SpeedProber
	if cfg.SelectionConf.SpeedTestURL != "" {
		speed = &probe.HTTPSpeedProber{
			URL:        cfg.SelectionConf.SpeedTestURL,
			MaxBytes:   cfg.SelectionConf.SpeedTestBytes,
			Forwarding: binding.Forwards(s.nodes),
		}
	}
	runner := probe.NewRunner(prober, speed, s.metrics)

	s.orchestrator = batch.New(batch.Options{
		Nodes:     s.nodes,
		State:     s.nodes,
		Runner:    runner,
		Publisher: s.broker,
		History:   s.history,
		Metrics:   s.metrics,
		Defaults: batch.Defaults{
			Concurrency:  cfg.BatchConf.Concurrency,
			ProbeTimeout: time.Duration(cfg.BatchConf.ProbeTimeoutSec) * time.Second,
		},
	})
	s.selection = selection.NewManager(selection.Deps{
		Nodes:     s.nodes,
		Runner:    runner,
		Publisher: s.broker,
		History:   s.history,
		Metrics:   s.metrics,
	}, *initialSettings.Selection)

	// settings.json 覆盖 ini 中的批量测试默认值
	if err := s.orchestrator.OnSettingsUpdate(settings.ModuleBatch, initialSettings.Batch); err != nil {
		return nil, fmt.Errorf("failed to apply initial batch settings: %w", err)
	}
	sm.Register(settings.ModuleBatch, s.orchestrator)
	sm.Register(settings.ModuleSelection, s.selection)

	s.hub = web.NewHub(s.broker, s.metrics)
	return s, nil
}

// Handler 返回完整的 HTTP 路由，供 Run 和测试使用。
func (s *AppServer) Handler() http.Handler {
	handler := web.NewHandler(web.Options{
		Orchestrator: s.orchestrator,
		Broker:       s.broker,
		Selection:    s.selection,
		Nodes:        s.nodes,
		History:      s.history,
		Settings:     s.settingsManager,
		Metrics:      s.metrics,
		Heartbeat:    time.Duration(s.cfg.BatchConf.HeartbeatIntervalSec) * time.Second,
	})
	return web.NewMux(handler, s.hub, s.metrics, s.cfg.LocalConf.WebUser, s.cfg.LocalConf.WebPassword)
}

// Start 启动后台组件和 Web 服务，不阻塞。
func (s *AppServer) Start() error {
	logger.Info().Int("subscriptions", len(s.nodes.Subscriptions())).Msg("Starting node selector...")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(ctx)
	}()

	srv, err := web.StartServer(ctx, &s.waitGroup, s.cfg, s.Handler())
	if err != nil {
		cancel()
		return err
	}
	s.httpServer = srv
	return nil
}

// Run 启动并阻塞到收到 SIGINT/SIGTERM。
func (s *AppServer) Run() {
	if err := s.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received.")

	s.Stop()
	s.Wait()
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 先停引擎，保存候选队列并释放活动节点
		s.selection.StopAll(ctx)
		if err := s.orchestrator.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Batch sessions did not finish before shutdown deadline.")
		}
		// 结束 hub 和所有事件流
		if s.cancel != nil {
			s.cancel()
		}
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Web server shutdown error.")
			}
		}
		if err := s.SaveSubscriptionsToFile(); err != nil {
			logger.Error().Err(err).Msg("Failed to persist subscriptions.")
		}
		if err := s.history.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close history store.")
		}
		logger.Info().Msg("Server stopped.")
	})
}

// Wait blocks until all background goroutines have exited.
func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}
