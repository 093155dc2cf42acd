package mqtt

import (
	"sync"
)

// Published records one Publish call on FakeClient
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient is an in-memory Client for tests
type FakeClient struct {
	mu           sync.Mutex
	subs         map[string]MessageHandler
	published    []Published
	subscribeErr error
	publishErr   error
	closed       bool
}

// NewFakeClient creates a fake broker connection
func NewFakeClient() *FakeClient {
	return &FakeClient{subs: make(map[string]MessageHandler)}
}

// FailSubscribe makes every later Subscribe return err; nil clears it
func (f *FakeClient) FailSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// FailPublish makes every later Publish return err; nil clears it
func (f *FakeClient) FailPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *FakeClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subs[topic] = handler
	return nil
}

func (f *FakeClient) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subs, t)
	}
	return nil
}

func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

func (f *FakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Deliver routes a message to every subscription whose filter matches topic.
// It returns the number of handlers invoked.
func (f *FakeClient) Deliver(topic string, payload []byte) int {
	f.mu.Lock()
	var handlers []MessageHandler
	for filter, h := range f.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// Subscriptions lists active topic filters
func (f *FakeClient) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.subs))
	for t := range f.subs {
		topics = append(topics, t)
	}
	return topics
}

// Published returns a copy of everything published so far
func (f *FakeClient) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.published))
	copy(out, f.published)
	return out
}

// Closed reports whether Close was called
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
