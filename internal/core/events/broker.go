package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"liuproxy_selector/internal/metrics"
)

const defaultBuffer = 256

var (
	// ErrOverflow 表示订阅者跟不上事件流，已被断开。
	ErrOverflow = errors.New("subscriber queue overflow")
	ErrClosed   = errors.New("subscription closed")
)

// Broker 按 topic 把事件分发给订阅者。每个订阅者有独立的有界队列，
// 发布永远不会因为慢订阅者而阻塞。
type Broker struct {
	mu      sync.Mutex
	topics  map[string]map[*Subscription]struct{}
	buffer  int
	seq     uint64
	metrics *metrics.Metrics
}

func NewBroker(buffer int, m *metrics.Metrics) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		topics:  make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe 注册一个订阅者。订阅之前发布的事件不会被补发。
func (b *Broker) Subscribe(topic string) *Subscription {
	s := &Subscription{
		topic:    topic,
		capacity: b.buffer,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		broker:   b,
		metrics:  b.metrics,
	}
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
}

// Publish 把事件追加到 topic 下每个订阅者的队列。
// 全局锁保证同一 topic 的事件在所有订阅者处顺序一致。
func (b *Broker) Publish(topic string, kind Kind, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev := Event{Kind: kind, Topic: topic, Seq: b.seq, Time: time.Now(), Data: data}
	subs := b.topics[topic]
	for s := range subs {
		if !s.push(ev) {
			delete(subs, s)
		}
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Subscription 是单个订阅者的有界事件队列。
type Subscription struct {
	topic    string
	capacity int
	broker   *Broker
	metrics  *metrics.Metrics

	mu      sync.Mutex
	queue   []Event
	ready   chan struct{}
	done    chan struct{}
	closed  bool
	err     error
	dropped int
}

func (s *Subscription) Topic() string { return s.topic }

// Ready is signalled whenever events are pending.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the subscription ends, either by Close or by overflow.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err 返回订阅结束的原因：ErrOverflow、ErrClosed，仍在订阅时为 nil。
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain 取走当前队列中的全部事件，保持产生顺序。
// 因溢出断开后，断开之前已入队的事件仍然可以取走。
func (s *Subscription) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	return out
}

// Next blocks until an event is available or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Event{}, err
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.ready:
		case <-s.done:
		}
	}
}

// Dropped returns how many heartbeat or ping events this subscriber skipped.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close 取消订阅。可重复调用。
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.queue = nil
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = ErrClosed
	s.queue = nil
	close(s.done)
	s.mu.Unlock()
	s.broker.unsubscribe(s)
}

// push 实现背压策略，返回 false 表示订阅者已因溢出断开：
//   - 保证送达的事件 (终止事件和 node_switch) 总是入队；
//   - 队列满时心跳和 ping 直接丢弃；
//   - 队列满时其它事件不会被丢弃或挤掉，订阅者被断开。
//
// 调用方持有 broker.mu。
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.capacity && !ev.Kind.Guaranteed() {
		if ev.Kind.Droppable() {
			s.dropped++
			s.mu.Unlock()
			s.metrics.EventDropped(string(ev.Kind))
			return true
		}
		s.closed = true
		s.err = ErrOverflow
		close(s.done)
		s.mu.Unlock()
		s.metrics.EventDropped(string(ev.Kind))
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}
