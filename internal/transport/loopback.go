package transport

import (
	"context"
	"strings"
	"sync"
)

// Loopback is an in-memory Publisher. It exists for tests, examples and
// single-process deployments where the broker is not wired yet.
//
// FailRecipient/FailTopic inject transport failures for specific
// destinations so retry paths can be exercised deterministically.
type Loopback struct {
	mu sync.Mutex

	inboxes map[string][]Message // recipient -> delivered messages
	topics  map[string][]Message // topic -> delivered messages

	failRecipients map[string]int // remaining failures per recipient
	failTopics     map[string]int
}

func NewLoopback() *Loopback {
	return &Loopback{
		inboxes:        map[string][]Message{},
		topics:         map[string][]Message{},
		failRecipients: map[string]int{},
		failTopics:     map[string]int{},
	}
}

// FailRecipient makes the next n sends to recipient fail. n < 0 fails forever.
func (l *Loopback) FailRecipient(recipient string, n int) {
	l.mu.Lock()
	l.failRecipients[recipient] = n
	l.mu.Unlock()
}

// FailTopic makes the next n publishes to topic fail. n < 0 fails forever.
func (l *Loopback) FailTopic(topic string, n int) {
	l.mu.Lock()
	l.failTopics[topic] = n
	l.mu.Unlock()
}

func (l *Loopback) SendToRecipient(ctx context.Context, recipient, destination string, msg Message) bool {
	if ctx.Err() != nil {
		return false
	}
	if strings.TrimSpace(recipient) == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.failRecipients[recipient]; ok && n != 0 {
		if n > 0 {
			l.failRecipients[recipient] = n - 1
		}
		return false
	}
	l.inboxes[recipient] = append(l.inboxes[recipient], msg)
	return true
}

func (l *Loopback) SendToTopic(ctx context.Context, topic string, msg Message) bool {
	if ctx.Err() != nil {
		return false
	}
	if strings.TrimSpace(topic) == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.failTopics[topic]; ok && n != 0 {
		if n > 0 {
			l.failTopics[topic] = n - 1
		}
		return false
	}
	l.topics[topic] = append(l.topics[topic], msg)
	return true
}

// Inbox returns a copy of the messages delivered to recipient.
func (l *Loopback) Inbox(recipient string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.inboxes[recipient]...)
}

// Topic returns a copy of the messages published to topic.
func (l *Loopback) Topic(topic string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.topics[topic]...)
}
