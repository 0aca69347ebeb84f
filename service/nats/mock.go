package nats

import (
	"context"
	"sync"
)

// MockPublisher is an in-memory Publisher and Subscriber for testing.
// Published events are recorded and handed to every matching subscription.
type MockPublisher struct {
	mu                sync.RWMutex
	publishedEvents   []*PaymentEvent
	publishError      error
	publishBatchError error
	subscribeError    error
	subs              map[*mockSub]struct{}
	closed            bool
}

type mockSub struct {
	address string
	ch      chan *PaymentEvent
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*PaymentEvent, 0),
		subs:            make(map[*mockSub]struct{}),
	}
}

// PublishPayment records the event and returns any configured error.
func (m *MockPublisher) PublishPayment(ctx context.Context, event *PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	m.fanOutLocked(event)
	return nil
}

// PublishPaymentBatch records the events and returns any configured error.
func (m *MockPublisher) PublishPaymentBatch(ctx context.Context, events []*PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishBatchError != nil {
		return m.publishBatchError
	}

	m.publishedEvents = append(m.publishedEvents, events...)
	for _, e := range events {
		m.fanOutLocked(e)
	}
	return nil
}

// fanOutLocked drops the event for subscribers whose buffer is full.
func (m *MockPublisher) fanOutLocked(event *PaymentEvent) {
	for s := range m.subs {
		if s.address != "" && s.address != event.WatchedAddress {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

// Subscribe registers a subscription that lives until ctx is done.
func (m *MockPublisher) Subscribe(ctx context.Context, address string) (<-chan *PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeError != nil {
		return nil, m.subscribeError
	}

	s := &mockSub{address: address, ch: make(chan *PaymentEvent, 64)}
	m.subs[s] = struct{}{}
	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, s)
		close(s.ch)
	})
	return s.ch, nil
}

// SubscriberCount returns the number of live subscriptions.
func (m *MockPublisher) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to avoid race conditions
	events := make([]*PaymentEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetPublishedEventsForAddress returns events published for a specific watched address.
func (m *MockPublisher) GetPublishedEventsForAddress(address string) []*PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*PaymentEvent, 0)
	for _, event := range m.publishedEvents {
		if event.WatchedAddress == address {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on PublishPayment.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// SetPublishBatchError configures the mock to return an error on PublishPaymentBatch.
func (m *MockPublisher) SetPublishBatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishBatchError = err
}

// SetSubscribeError configures the mock to return an error on Subscribe.
func (m *MockPublisher) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*PaymentEvent, 0)
	m.publishError = nil
	m.publishBatchError = nil
	m.subscribeError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
