package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"liuproxy_selector/internal/metrics"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/types"
)

type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf("[WebServer] Connection accepted from: %s", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux 注册所有路由。修改状态的接口和设置接口需要认证；只读接口和事件流公开。
func NewMux(handler *Handler, hub *Hub, m *metrics.Metrics, webUser, webPassword string) *http.ServeMux {
	mux := http.NewServeMux()
	protect := func(f http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(f, webUser, webPassword)
	}

	// 批量测试
	mux.Handle("/batch-test", protect(handler.HandleBatchTest))
	mux.Handle("/cancel-batch-test", protect(handler.HandleCancelBatchTest))
	mux.Handle("/batch-test-sse", protect(handler.HandleBatchTestSSE))

	// 智能代理
	mux.Handle("/intelligent-proxy/start", protect(handler.HandleStart))
	mux.Handle("/intelligent-proxy/stop", protect(handler.HandleStop))
	mux.Handle("/intelligent-proxy/retest", protect(handler.HandleRetest))
	mux.Handle("/intelligent-proxy/switch", protect(handler.HandleSwitch))
	mux.Handle("/intelligent-proxy/toggle-auto-switch", protect(handler.HandleToggleAutoSwitch))
	mux.Handle("/intelligent-proxy/config", protect(handler.HandleSelectionConfig))
	mux.HandleFunc("/intelligent-proxy/status", handler.HandleSelectionStatus)
	mux.HandleFunc("/intelligent-proxy/switches", handler.HandleSwitches)
	mux.HandleFunc("/intelligent-proxy/events", handler.HandleSelectionEvents)

	mux.HandleFunc("/nodes", handler.HandleNodes)

	// 统一配置管理 API
	mux.Handle("/api/settings", protect(handler.HandleGetSettings))
	mux.Handle("/api/settings/", protect(handler.HandleUpdateSettings)) // 捕获 /api/settings/{module}

	mux.HandleFunc("/api/status", handler.HandleStatus)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	if hub != nil {
		mux.HandleFunc("/intelligent-proxy/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}
	return mux
}

// StartServer 在后台启动 Web 服务。web_port 为 0 时返回 nil。
// 事件流是长连接，因此不设置 WriteTimeout；ctx 取消时所有请求的 context 随之取消。
func StartServer(ctx context.Context, wg *sync.WaitGroup, cfg *types.Config, mux http.Handler) (*http.Server, error) {
	if cfg.LocalConf.WebPort <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (web_port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.LocalConf.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logger.Info().Msgf("SUCCESS: Web API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
