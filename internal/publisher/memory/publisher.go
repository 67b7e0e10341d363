// Package memory records published events in-process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var _ crawler.Publisher = (*Publisher)(nil)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher keeps messages for inspection. It backs local runs without
// Pub/Sub credentials as well as tests.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	seq      int
	limit    int
}

// New returns a memory Publisher that keeps every message.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded returns a memory Publisher that keeps only the newest limit
// messages, for long-running processes.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a sequential pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append(p.messages[:0], p.messages[len(p.messages)-p.limit:]...)
	}
	return fmt.Sprintf("memory-%d", p.seq), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded completion events in publish order.
func (p *Publisher) Events() []crawler.CompletionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.CompletionEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(crawler.CompletionEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
