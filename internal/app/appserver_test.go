package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_selector/internal/shared/config"
	"liuproxy_selector/internal/shared/types"
)

func newTestServer(t *testing.T) (*AppServer, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &types.Config{}
	cfg.CommonConf.DataDir = "data"
	subs := []*types.Subscription{{
		ID:   "sub1",
		Name: "test",
		Nodes: []*types.Node{
			{SubscriptionID: "sub1", Index: 0, Name: "a", Server: "127.0.0.1", Port: 1},
			{SubscriptionID: "sub1", Index: 1, Name: "b", Server: "127.0.0.1", Port: 2},
		},
	}}
	s, err := New(cfg, dir, subs)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, dir
}

func TestNew_CreatesSettingsAndHistory(t *testing.T) {
	_, dir := newTestServer(t)

	_, err := os.Stat(filepath.Join(dir, "settings.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "data", "history.db"))
	assert.NoError(t, err)
}

func TestHandler_ServesStatusAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "running", status.Status)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStop_PersistsSubscriptionsWithoutRuntimeState(t *testing.T) {
	s, dir := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	// 127.0.0.1:1 和 :2 通常拒绝连接，两次测试都应失败但有结果
	resp, err := http.Post(srv.URL+"/batch-test", "application/json",
		strings.NewReader(`{"subscription_id":"sub1","node_indexes":[0,1]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return s.orchestrator.Registry().Len() == 0 }, 10*time.Second, 20*time.Millisecond)

	s.Stop()

	subs, err := config.LoadSubscriptions(filepath.Join(dir, "subscriptions.json"))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Len(t, subs[0].Nodes, 2)
	for _, n := range subs[0].Nodes {
		assert.Equal(t, types.NodeIdle, n.Status)
		assert.False(t, n.IsRunning)
		assert.NotNil(t, n.TestResult)
	}
}
