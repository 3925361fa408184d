// Package pubsub is a small in-process publisher used by the mint to
// fan out quote state changes to interested subscribers.
package pubsub

import (
	"sync"
)

type Message struct {
	topic   string
	payload []byte
}

func (m *Message) Topic() string   { return m.topic }
func (m *Message) Payload() []byte { return m.payload }

type PubSub struct {
	mu     sync.RWMutex
	nextId uint64
	topics map[string]map[uint64]*Subscriber
}

func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]map[uint64]*Subscriber),
	}
}

func (p *PubSub) Subscribe(topic string) *Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.topics[topic] == nil {
		p.topics[topic] = make(map[uint64]*Subscriber)
	}

	p.nextId++
	s := &Subscriber{
		id:       p.nextId,
		topic:    topic,
		messages: make(chan *Message, 8),
	}
	p.topics[topic][s.id] = s
	return s
}

func (p *PubSub) Unsubscribe(s *Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if subs, ok := p.topics[s.topic]; ok {
		if _, ok := subs[s.id]; ok {
			delete(subs, s.id)
			close(s.messages)
		}
	}
}

// Publish delivers the payload to every subscriber of the topic.
// Subscribers that are not draining their channel are skipped rather
// than blocking the publisher.
func (p *PubSub) Publish(topic string, payload []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, s := range p.topics[topic] {
		select {
		case s.messages <- &Message{topic: topic, payload: payload}:
		default:
		}
	}
}

type Subscriber struct {
	id       uint64
	topic    string
	messages chan *Message
}

func (s *Subscriber) Messages() <-chan *Message {
	return s.messages
}
