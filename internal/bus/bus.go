package bus

import (
	"fmt"
	"strings"
	"sync"

	"log/slog"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
)

const (
	stackTopicPrefix      = "stack:"
	deploymentTopicPrefix = "deployment:"

	defaultBuffer = 64
)

// StackTopic addresses the long-lived stream of one stack.
func StackTopic(name string) string { return stackTopicPrefix + name }

// DeploymentTopic addresses the stream of one deployment. It ends with
// that deployment's terminal event.
func DeploymentTopic(id string) string { return deploymentTopicPrefix + id }

// Subscription receives the events of one topic in publish order.
type Subscription struct {
	topic string
	ch    chan domain.Event
	bus   *Bus

	// guarded by bus.mu
	dropped int
	closed  bool
}

// Events yields events until the topic ends or Close is called. The
// channel is closed afterwards.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Close removes the subscription. Safe to call more than once and after
// the event channel has already been closed.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// Bus routes events to topic subscribers. Publishing never blocks: when
// a subscriber's buffer is full the oldest buffered event is dropped and
// the loss is surfaced on the stream as a warning log event.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
	closed bool
}

// New returns a bus whose subscribers buffer up to buffer events each.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a listener on topic. On a closed bus the returned
// subscription is already ended.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{topic: topic, ch: make(chan domain.Event, b.buffer), bus: b}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers event to every subscriber of topic. A terminal event
// on a deployment topic ends that topic's subscriptions; stack topics
// persist across deployments.
func (b *Bus) Publish(topic string, event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	set := b.topics[topic]
	for sub := range set {
		b.deliver(sub, event)
	}
	if event.Terminal() && strings.HasPrefix(topic, deploymentTopicPrefix) {
		for sub := range set {
			b.end(sub)
		}
	}
}

// deliver enqueues event without ever blocking. Caller holds b.mu, which
// makes this the only sender on sub.ch.
func (b *Bus) deliver(sub *Subscription, event domain.Event) {
	if sub.closed {
		return
	}
	if sub.dropped > 0 && cap(sub.ch)-len(sub.ch) >= 2 {
		sub.ch <- lossNotice(sub.dropped, event)
		sub.dropped = 0
	}
	select {
	case sub.ch <- event:
		return
	default:
	}
	// Buffer full: drop the oldest buffered event so the newest wins.
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- event
	sub.dropped++
	b.logger.Warn("subscriber lagging, dropped oldest event",
		"topic", sub.topic, "pending_drops", sub.dropped)
}

// lossNotice tells a lagging subscriber how many events it missed.
func lossNotice(count int, after domain.Event) domain.Event {
	return domain.Event{
		Type:         domain.EventDeploymentLog,
		Timestamp:    after.Timestamp,
		DeploymentID: after.DeploymentID,
		StackName:    after.StackName,
		Data: domain.DeploymentLog{
			Level:   domain.LogWarning,
			Message: fmt.Sprintf("%d events dropped for slow subscriber", count),
			Context: map[string]any{"dropped": count},
		},
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.end(sub)
}

// end closes a subscription and forgets empty topics. Caller holds b.mu.
func (b *Bus) end(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if set, ok := b.topics[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	close(sub.ch)
}

// Subscribers reports the number of listeners on a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// SubscriptionCount reports the number of live subscriptions across all
// topics.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, set := range b.topics {
		total += len(set)
	}
	return total
}

// Close ends every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.topics {
		for sub := range set {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	b.topics = make(map[string]map[*Subscription]struct{})
}
