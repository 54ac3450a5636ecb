package network

import (
	"sync"
)

const memoryBuffer = 256

// MemoryPubSub is a process-local transport. Several chat sessions sharing
// one MemoryPubSub behave like peers on the same gossip mesh.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	closed bool
	subs   map[string]map[int]chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]chan Message)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[topic] {
		msg := Message{Topic: topic, From: "memory", Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
			// Slow subscribers lose samples instead of stalling publishers.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, memoryBuffer)
	m.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subsByTopic, ok := m.subs[topic]
			if !ok {
				return
			}
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub)
			}
			if len(subsByTopic) == 0 {
				delete(m.subs, topic)
			}
		})
	}
	return ch, cancel, nil
}

// Close closes every subscription channel. Publish and Subscribe fail afterwards.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subsByTopic := range m.subs {
		for id, ch := range subsByTopic {
			close(ch)
			delete(subsByTopic, id)
		}
		delete(m.subs, topic)
	}
	return nil
}
