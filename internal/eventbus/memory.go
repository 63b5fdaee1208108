package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Memory is a process-local Bus with no persistence and no offsets.
// Every subscriber on a topic receives every message published after it
// subscribed. Suitable for tests and development only.
type Memory struct {
	log *logrus.Entry

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*memorySub
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
}

// NewMemory creates an empty in-memory bus.
func NewMemory(log *logrus.Logger) *Memory {
	return &Memory{
		log:  log.WithField("component", "eventbus-memory"),
		subs: make(map[string]map[int]*memorySub),
	}
}

// Publish fans the JSON-serialized payload out to current subscribers.
// A subscriber whose buffer is full drops the message; durability is
// what the stream-backed bus is for.
func (m *Memory) Publish(ctx context.Context, topic string, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		m.log.WithError(err).WithField("topic", topic).Error("marshal failed")
		return false
	}

	m.mu.Lock()
	targets := make([]*memorySub, 0, len(m.subs[topic]))
	for _, s := range m.subs[topic] {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- body:
		case <-s.done:
		default:
			m.log.WithField("topic", topic).Warn("subscriber buffer full, dropping")
		}
	}
	return true
}

// Subscribe registers a handler for the topic. Group and consumer are
// accepted for contract parity but carry no meaning here.
func (m *Memory) Subscribe(topic, group, consumer string, handler Handler) (UnsubscribeFunc, error) {
	sub := &memorySub{
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]*memorySub)
	}
	m.subs[topic][id] = sub
	m.mu.Unlock()

	go func() {
		for {
			select {
			case body := <-sub.ch:
				if err := handler(context.Background(), body); err != nil {
					m.log.WithError(err).WithField("topic", topic).Error("handler failed")
				}
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[topic], id)
			m.mu.Unlock()
			close(sub.done)
		})
	}, nil
}
