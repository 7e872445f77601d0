package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"liuproxy_selector/internal/core/batch"
	"liuproxy_selector/internal/core/events"
)

var errStreamingUnsupported = errors.New("streaming unsupported")

// sseWriter 把事件写成 text/event-stream 帧。每帧写完立即 flush。
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) send(kind events.Kind, seq uint64, data interface{}) error {
	var payload []byte
	switch v := data.(type) {
	case nil:
		payload = []byte("{}")
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", kind, err)
		}
		payload = b
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) sendEvent(ev events.Event) error {
	payload, err := ev.Payload()
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind, err)
	}
	return s.send(ev.Kind, ev.Seq, payload)
}

func (s *sseWriter) heartbeat(dropped int) error {
	return s.send(events.KindHeartbeat, 0, map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
		"dropped":   dropped,
	})
}

// streamBatch 转发会话事件直到终止事件，然后发送 close。
// 会话结束但终止事件没有送达 (订阅晚于结束) 时，根据会话快照补发终止事件。
func streamBatch(ctx context.Context, sw *sseWriter, sub *events.Subscription, s *batch.Session, heartbeat time.Duration) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	forward := func() (bool, error) {
		for _, ev := range sub.Drain() {
			if err := sw.sendEvent(ev); err != nil {
				return false, err
			}
			if ev.Kind.Terminal() {
				return true, sw.send(events.KindClose, 0, map[string]string{"session_id": s.ID})
			}
		}
		return false, nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sw.heartbeat(sub.Dropped()); err != nil {
				return err
			}
		case <-sub.Ready():
			if done, err := forward(); done || err != nil {
				return err
			}
		case <-sub.Done():
			// 订阅因溢出被断开：先送出断开前已入队的事件
			if done, err := forward(); done || err != nil {
				return err
			}
			return sub.Err()
		case <-s.Done():
			if done, err := forward(); done || err != nil {
				return err
			}
			if err := sw.send(s.TerminalKind(), 0, s.Snapshot()); err != nil {
				return err
			}
			return sw.send(events.KindClose, 0, map[string]string{"session_id": s.ID})
		}
	}
}

// streamFeed 转发订阅级事件流，直到对端断开或订阅溢出。filter 为 nil 时转发全部事件。
func streamFeed(ctx context.Context, sw *sseWriter, sub *events.Subscription, heartbeat time.Duration, filter func(events.Event) bool) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	forward := func() error {
		for _, ev := range sub.Drain() {
			if filter != nil && !filter(ev) {
				continue
			}
			if err := sw.sendEvent(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sw.heartbeat(sub.Dropped()); err != nil {
				return err
			}
		case <-sub.Ready():
			if err := forward(); err != nil {
				return err
			}
		case <-sub.Done():
			if err := forward(); err != nil {
				return err
			}
			return sub.Err()
		}
	}
}

// subscriptionFilter 只保留 subscription_id 匹配的事件。
func subscriptionFilter(subscriptionID string) func(events.Event) bool {
	if subscriptionID == "" {
		return nil
	}
	return func(ev events.Event) bool {
		payload, err := ev.Payload()
		if err != nil {
			return false
		}
		var probe struct {
			SubscriptionID string `json:"subscription_id"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			return false
		}
		return probe.SubscriptionID == "" || probe.SubscriptionID == subscriptionID
	}
}
