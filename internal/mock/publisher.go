package mock

import (
	"context"
	"sync"

	"stock_trader/internal/core"
)

// Publisher implements core.IPublisher and records everything published.
type Publisher struct {
	mu       sync.Mutex
	byTopic  map[string][]core.Message
	FailWith error
}

func NewPublisher() *Publisher {
	return &Publisher{byTopic: make(map[string][]core.Message)}
}

func (p *Publisher) Publish(ctx context.Context, topic string, msg core.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return p.FailWith
	}
	p.byTopic[topic] = append(p.byTopic[topic], msg)
	return nil
}

// Published returns a copy of the messages seen on a topic.
func (p *Publisher) Published(topic string) []core.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Message, len(p.byTopic[topic]))
	copy(out, p.byTopic[topic])
	return out
}

// Count returns how many messages a topic received.
func (p *Publisher) Count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTopic[topic])
}

// Reset clears all recorded messages.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byTopic = make(map[string][]core.Message)
}
