package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"liuproxy_selector/internal/core/batch"
	"liuproxy_selector/internal/core/binding"
	"liuproxy_selector/internal/core/events"
	"liuproxy_selector/internal/core/nodes"
	"liuproxy_selector/internal/core/selection"
	"liuproxy_selector/internal/metrics"
	"liuproxy_selector/internal/shared/logger"
	"liuproxy_selector/internal/shared/settings"
	"liuproxy_selector/internal/shared/types"
	"liuproxy_selector/internal/storage"
)

const defaultHeartbeat = 15 * time.Second

type Options struct {
	Orchestrator *batch.Orchestrator
	Broker       *events.Broker
	Selection    *selection.Manager
	Nodes        *nodes.Store
	History      storage.Store
	Settings     *settings.SettingsManager
	Metrics      *metrics.Metrics
	Heartbeat    time.Duration
}

type Handler struct {
	orchestrator    *batch.Orchestrator
	broker          *events.Broker
	selection       *selection.Manager
	nodes           *nodes.Store
	history         storage.Store
	settingsManager *settings.SettingsManager
	metrics         *metrics.Metrics
	heartbeat       time.Duration
	startTime       time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.History == nil {
		opts.History = storage.NopStore{}
	}
	return &Handler{
		orchestrator:    opts.Orchestrator,
		broker:          opts.Broker,
		selection:       opts.Selection,
		nodes:           opts.Nodes,
		history:         opts.History,
		settingsManager: opts.Settings,
		metrics:         opts.Metrics,
		heartbeat:       opts.Heartbeat,
		startTime:       time.Now(),
	}
}

// --- 响应辅助 ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("[Handler] Failed to encode response.")
	}
}

func writeOK(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), types.APIResponse{Success: false, Error: err.Error()})
}

// statusFor 把领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrInvalidRequest),
		errors.Is(err, selection.ErrInvalidRequest),
		errors.Is(err, selection.ErrSubscriptionRequired),
		errors.Is(err, settings.ErrInvalidSettings),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, nodes.ErrSubscriptionNotFound),
		errors.Is(err, nodes.ErrNodeNotFound),
		errors.Is(err, selection.ErrNodeNotInQueue),
		errors.Is(err, batch.ErrSessionNotFound),
		errors.Is(err, settings.ErrUnknownModule):
		return http.StatusNotFound
	case errors.Is(err, selection.ErrAlreadyRunning),
		errors.Is(err, selection.ErrNotRunning),
		errors.Is(err, selection.ErrTestingInProgress),
		errors.Is(err, binding.ErrAlreadyActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read request body", errBadRequest)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON format: %v", errBadRequest, err)
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// parseIndices 接受 JSON 数组 "[1,2]"、逗号分隔 "1,2" 或重复的查询参数。
func parseIndices(values []string) ([]int, error) {
	var out []int
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, "[") {
			var arr []int
			if err := json.Unmarshal([]byte(v), &arr); err != nil {
				return nil, fmt.Errorf("%w: invalid node_indexes: %v", errBadRequest, err)
			}
			out = append(out, arr...)
			continue
		}
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid node index %q", errBadRequest, part)
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// --- 批量测试 ---

type batchTestRequest struct {
	SubscriptionID string `json:"subscription_id"`
	NodeIndexes    []int  `json:"node_indexes"`
	Concurrency    int    `json:"concurrency,omitempty"`
}

type batchTestResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Total     int    `json:"total"`
}

// HandleBatchTest 处理 POST /batch-test
func (h *Handler) HandleBatchTest(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req batchTestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.orchestrator.StartBatch(req.SubscriptionID, req.NodeIndexes, req.Concurrency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchTestResponse{Success: true, SessionID: s.ID, Total: s.Total()})
}

// HandleCancelBatchTest 处理 POST /cancel-batch-test，幂等。
func (h *Handler) HandleCancelBatchTest(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orchestrator.Cancel(req.SessionID))
}

type connectedPayload struct {
	SessionID      string `json:"sessionId"`
	SubscriptionID string `json:"subscription_id"`
	Total          int    `json:"total"`
	Completed      int    `json:"completed"`
	Message        string `json:"message"`
}

// HandleBatchTestSSE 处理 GET /batch-test-sse。
// 带 session_id 时附加到已有会话；否则创建并启动新会话，客户端断开时取消该会话。
func (h *Handler) HandleBatchTestSSE(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()

	var s *batch.Session
	created := false
	if id := q.Get("session_id"); id != "" {
		var ok bool
		if s, ok = h.orchestrator.Lookup(id); !ok {
			writeError(w, fmt.Errorf("%w: %s", batch.ErrSessionNotFound, id))
			return
		}
	} else {
		indices, err := parseIndices(q["node_indexes"])
		if err != nil {
			writeError(w, err)
			return
		}
		concurrency, _ := strconv.Atoi(q.Get("concurrency"))
		if s, err = h.orchestrator.Create(q.Get("subscription_id"), indices, concurrency); err != nil {
			writeError(w, err)
			return
		}
		created = true
	}

	sub := h.broker.Subscribe(events.BatchTopic(s.ID))
	defer sub.Close()

	sw, err := newSSEWriter(w)
	if err != nil {
		if created {
			h.orchestrator.Discard(s)
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.metrics.SubscriberAdded("sse")
	defer h.metrics.SubscriberRemoved("sse")

	snap := s.Snapshot()
	err = sw.send(events.KindPing, 0, map[string]int64{"timestamp": time.Now().UnixMilli()})
	if err == nil {
		err = sw.send(events.KindConnected, 0, connectedPayload{
			SessionID:      s.ID,
			SubscriptionID: s.SubscriptionID,
			Total:          snap.Total,
			Completed:      snap.Completed,
			Message:        "batch test stream connected",
		})
	}
	if err != nil {
		logger.Info().Err(err).Str("session_id", s.ID).Msg("[Handler] Batch test stream closed before start.")
		if created {
			h.orchestrator.Discard(s)
		}
		return
	}
	if created {
		h.orchestrator.Run(s)
	}

	if err := streamBatch(r.Context(), sw, sub, s, h.heartbeat); err != nil {
		logger.Info().Err(err).Str("session_id", s.ID).Msg("[Handler] Batch test stream closed by peer.")
		if created {
			h.orchestrator.Cancel(s.ID)
		}
	}
}

// --- 智能代理 ---

type subscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

type startRequest struct {
	SubscriptionID string          `json:"subscription_id"`
	Config         json.RawMessage `json:"config"`
}

func (r startRequest) hasConfig() bool {
	return len(r.Config) > 0 && string(r.Config) != "null"
}

// mergeConfig 把请求中的 (可能不完整的) 配置叠加到 base 上，未给出的字段保留 base 的值。
func mergeConfig(base types.SelectionConfig, raw json.RawMessage) (types.SelectionConfig, error) {
	if err := json.Unmarshal(raw, &base); err != nil {
		return types.SelectionConfig{}, fmt.Errorf("%w: invalid config: %v", errBadRequest, err)
	}
	return base, nil
}

// HandleStart 处理 POST /intelligent-proxy/start
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	logger.Info().Str("subscription_id", req.SubscriptionID).Msg("[Handler] Received request to start intelligent proxy.")
	var cfg *types.SelectionConfig
	if req.hasConfig() {
		merged, err := mergeConfig(h.selection.Defaults(), req.Config)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg = &merged
	}
	if err := h.selection.Start(r.Context(), req.SubscriptionID, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "intelligent proxy started", nil)
}

func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req subscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.selection.Stop(r.Context(), req.SubscriptionID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "intelligent proxy stopped", nil)
}

func (h *Handler) HandleRetest(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req subscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.selection.Retest(req.SubscriptionID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "retest started", nil)
}

func (h *Handler) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SubscriptionID string `json:"subscription_id"`
		NodeIndex      *int   `json:"node_index"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeIndex == nil {
		writeError(w, fmt.Errorf("%w: node_index is required", errBadRequest))
		return
	}
	if err := h.selection.SwitchTo(r.Context(), req.SubscriptionID, *req.NodeIndex); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "node switched", nil)
}

func (h *Handler) HandleToggleAutoSwitch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SubscriptionID string `json:"subscription_id"`
		Enabled        *bool  `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, fmt.Errorf("%w: enabled is required", errBadRequest))
		return
	}
	if err := h.selection.ToggleAutoSwitch(req.SubscriptionID, *req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "auto switch updated", map[string]bool{"enabled": *req.Enabled})
}

// HandleSelectionStatus 处理 GET /intelligent-proxy/status
func (h *Handler) HandleSelectionStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeOK(w, "", h.selection.Status(r.URL.Query().Get("subscription_id")))
}

// HandleSelectionConfig 处理 POST /intelligent-proxy/config，替换运行中的配置。
func (h *Handler) HandleSelectionConfig(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.hasConfig() {
		writeError(w, fmt.Errorf("%w: config is required", errBadRequest))
		return
	}
	cfg, err := mergeConfig(h.selection.Status(req.SubscriptionID).Config, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	applied, err := h.selection.UpdateConfig(req.SubscriptionID, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "config updated", applied)
}

// HandleSwitches 处理 GET /intelligent-proxy/switches，返回切换日志。
func (h *Handler) HandleSwitches(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	subID := q.Get("subscription_id")
	if subID == "" {
		subID = h.selection.Status("").SubscriptionID
	}
	recs, err := h.history.RecentSwitches(r.Context(), subID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.SwitchRecord{}
	}
	writeOK(w, "", recs)
}

// HandleSelectionEvents 处理 GET /intelligent-proxy/events，保持打开直到对端断开。
func (h *Handler) HandleSelectionEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sub := h.broker.Subscribe(events.TopicSelection)
	defer sub.Close()

	sw, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.metrics.SubscriberAdded("sse")
	defer h.metrics.SubscriberRemoved("sse")

	subID := r.URL.Query().Get("subscription_id")
	st := h.selection.Status(subID)
	if err := sw.send(events.KindConnected, 0, map[string]interface{}{
		"message":         "event stream connected",
		"subscription_id": st.SubscriptionID,
		"is_running":      st.IsRunning,
	}); err != nil {
		logger.Debug().Err(err).Msg("[Handler] Selection event stream closed before start.")
		return
	}

	err = streamFeed(r.Context(), sw, sub, h.heartbeat, subscriptionFilter(subID))
	logger.Debug().Err(err).Msg("[Handler] Selection event stream closed.")
}

// --- 节点、设置与服务状态 ---

// HandleNodes 处理 GET /nodes。不带 subscription_id 时返回订阅列表。
func (h *Handler) HandleNodes(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	subID := r.URL.Query().Get("subscription_id")
	if subID == "" {
		writeOK(w, "", h.nodes.Subscriptions())
		return
	}
	list, err := h.nodes.Nodes(subID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "", list)
}

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.settingsManager.Get())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	// 从 URL 路径中提取模块名
	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		writeJSON(w, statusFor(err), types.APIResponse{Success: false, Error: err.Error()})
		return
	}
	writeOK(w, "Settings updated successfully", nil)
}

// HandleStatus 处理公开的 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		Status           string   `json:"status"`
		Uptime           int64    `json:"uptime"`
		ActiveSessions   int      `json:"active_sessions"`
		RunningEngines   []string `json:"running_engines"`
		EventSubscribers int      `json:"event_subscribers"`
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:           "running",
		Uptime:           int64(time.Since(h.startTime).Seconds()),
		ActiveSessions:   h.orchestrator.Registry().Len(),
		RunningEngines:   h.selection.Running(),
		EventSubscribers: h.broker.Subscribers(events.TopicSelection),
	})
}
