package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer 按脚本输出 SSE 帧，并记录收到的取消请求。
type fakeServer struct {
	script func(w http.ResponseWriter, f http.Flusher, r *http.Request)

	mu        sync.Mutex
	cancelled []string
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/batch-test-sse":
		if r.URL.Query().Get("node_indexes") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"success":false,"error":"node_indexes must not be empty"}`)
			return
		}
		s.script(w, w.(http.Flusher), r)
	case "/cancel-batch-test":
		var req struct {
			SessionID string `json:"session_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.cancelled = append(s.cancelled, req.SessionID)
		s.mu.Unlock()
		fmt.Fprint(w, `{"success":true,"message":"batch test cancellation requested"}`)
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeServer) cancels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

func frame(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

func openStream(w http.ResponseWriter, f http.Flusher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	frame(w, f, "ping", `{}`)
	frame(w, f, "connected", `{"sessionId":"s-1","total":2}`)
}

func startFake(t *testing.T, script func(w http.ResponseWriter, f http.Flusher, r *http.Request)) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{script: script}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func TestWatchBatch_EndsOnTerminalEvent(t *testing.T) {
	fs, srv := startFake(t, func(w http.ResponseWriter, f http.Flusher, r *http.Request) {
		openStream(w, f)
		frame(w, f, "progress", `{"completed":1}`)
		frame(w, f, "heartbeat", `{}`)
		frame(w, f, "progress", `{"completed":2}`)
		frame(w, f, "final_result", `{"success_count":2}`)
		frame(w, f, "close", `{}`)
	})

	var kinds []string
	sid, err := New(srv.URL).WatchBatch(context.Background(), "sub1", []int{0, 1}, func(m Message) error {
		kinds = append(kinds, m.Event)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s-1", sid)
	assert.Equal(t, []string{"ping", "connected", "progress", "heartbeat", "progress", "final_result"}, kinds)
	assert.Empty(t, fs.cancels())
}

func TestWatchBatch_SilenceTimeoutCancelsSession(t *testing.T) {
	fs, srv := startFake(t, func(w http.ResponseWriter, f http.Flusher, r *http.Request) {
		openStream(w, f)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				frame(w, f, "heartbeat", `{}`)
			}
		}
	})

	c := New(srv.URL, WithPolicy(Policy{SilenceTimeout: 100 * time.Millisecond}))
	sid, err := c.WatchBatch(context.Background(), "sub1", []int{0, 1}, func(Message) error { return nil })
	assert.ErrorIs(t, err, ErrSilenceTimeout)
	assert.Equal(t, "s-1", sid)
	assert.Equal(t, []string{"s-1"}, fs.cancels())
}

func TestWatchBatch_TotalTimeout(t *testing.T) {
	_, srv := startFake(t, func(w http.ResponseWriter, f http.Flusher, r *http.Request) {
		openStream(w, f)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				frame(w, f, "progress", `{}`)
			}
		}
	})

	c := New(srv.URL, WithPolicy(Policy{TotalTimeout: 150 * time.Millisecond}))
	_, err := c.WatchBatch(context.Background(), "sub1", []int{0}, func(Message) error { return nil })
	assert.ErrorIs(t, err, ErrTotalTimeout)
}

func TestWatchBatch_ConnectTimeout(t *testing.T) {
	_, srv := startFake(t, func(w http.ResponseWriter, f http.Flusher, r *http.Request) {
		<-r.Context().Done()
	})

	c := New(srv.URL, WithPolicy(Policy{ConnectTimeout: 50 * time.Millisecond}))
	sid, err := c.WatchBatch(context.Background(), "sub1", []int{0}, func(Message) error { return nil })
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Empty(t, sid)
}

func TestWatchBatch_StreamClosedEarly(t *testing.T) {
	fs, srv := startFake(t, func(w http.ResponseWriter, f http.Flusher, r *http.Request) {
		openStream(w, f)
		frame(w, f, "progress", `{}`)
	})

	_, err := New(srv.URL).WatchBatch(context.Background(), "sub1", []int{0}, func(Message) error { return nil })
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Empty(t, fs.cancels())
}

func TestWatchBatch_CallbackErrorStopsAndCancels(t *testing.T) {
	fs, srv := startFake(t, func(w http.ResponseWriter, f http.Flusher, r *http.Request) {
		openStream(w, f)
		frame(w, f, "progress", `{}`)
		<-r.Context().Done()
	})

	stop := fmt.Errorf("stop")
	_, err := New(srv.URL).WatchBatch(context.Background(), "sub1", []int{0}, func(m Message) error {
		if m.Event == "progress" {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"s-1"}, fs.cancels())
}

func TestWatchBatch_ValidationError(t *testing.T) {
	_, srv := startFake(t, nil)

	_, err := New(srv.URL).WatchBatch(context.Background(), "sub1", nil, func(Message) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_indexes must not be empty")
}

func TestReadStream_MultilineDataAndComments(t *testing.T) {
	in := ": comment\nid: 7\nevent: progress\ndata: {\"a\":\ndata: 1}\n\n"
	var got []Message
	require.NoError(t, readStream(strings.NewReader(in), func(m Message) error {
		got = append(got, m)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "progress", got[0].Event)
	assert.Equal(t, "7", got[0].ID)
	assert.JSONEq(t, `{"a":1}`, string(got[0].Data))
}
