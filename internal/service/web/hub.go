package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liuproxy_selector/internal/core/events"
	"liuproxy_selector/internal/metrics"
	"liuproxy_selector/internal/shared/logger"
)

const (
	writeWait = 10 * time.Second
	// 每个客户端待写消息的上限，写不过来的客户端会被断开。
	clientQueue = 64
)

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type events.Kind     `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data"`
}

// wsConn 是 hub 用到的 *websocket.Conn 方法子集。
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// wsClient 拥有自己的写协程，send 只由 Hub.Run 关闭。
type wsClient struct {
	conn wsConn
	send chan []byte
}

func newWSClient(conn wsConn) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, clientQueue)}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Warn().Err(err).Str("remote_addr", c.conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub 把选择引擎的事件流镜像给所有 WebSocket 客户端。
type Hub struct {
	broker  *events.Broker
	metrics *metrics.Metrics

	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.Mutex
}

func NewHub(broker *events.Broker, m *metrics.Metrics) *Hub {
	return &Hub{
		broker:     broker,
		metrics:    m,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run 在 ctx 结束前持续转发事件。客户端集合只在这个协程里修改。
func (h *Hub) Run(ctx context.Context) {
	sub := h.broker.Subscribe(events.TopicSelection)
	defer func() { sub.Close() }()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			go c.writePump()
			h.metrics.SubscriberAdded("ws")
			logger.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.dropLocked(c)
				logger.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case <-sub.Ready():
			h.broadcastAll(sub.Drain())
		case <-sub.Done():
			// hub 自己跟不上时 broker 会断开订阅；转发剩余事件后重新订阅
			h.broadcastAll(sub.Drain())
			logger.Warn().Err(sub.Err()).Msg("Hub: selection subscription closed, resubscribing.")
			sub = h.broker.Subscribe(events.TopicSelection)
		}
	}
}

func (h *Hub) dropLocked(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	// 唤醒可能卡在写操作上的 writePump
	_ = c.conn.Close()
	h.metrics.SubscriberRemoved("ws")
}

func (h *Hub) broadcastAll(evs []events.Event) {
	for _, ev := range evs {
		h.broadcast(ev)
	}
}

// broadcast 只把消息放进各客户端的队列，不做网络写。
func (h *Hub) broadcast(ev events.Event) {
	payload, err := ev.Payload()
	if err != nil {
		logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Hub: Failed to marshal event")
		return
	}
	msg, err := json.Marshal(WebSocketMessage{Type: ev.Kind, Seq: ev.Seq, Data: payload})
	if err != nil {
		logger.Error().Err(err).Msg("Hub: Failed to marshal websocket message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			logger.Warn().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client too slow, disconnecting.")
			h.dropLocked(c)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	c := newWSClient(conn)
	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}

	// 读循环只用于发现对端关闭。
	go func() {
		defer func() {
			select {
			case hub.unregister <- c:
			case <-hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
