package mqtt

import (
	"sync"

	"go.uber.org/zap"
)

const topicQueueSize = 64

type delivery struct {
	topic   string
	payload []byte
	handler MessageHandler
}

// dispatcher hands incoming messages to one worker goroutine per topic.
// paho's router stays free while a handler runs, and messages on the same
// topic are still handled in arrival order.
type dispatcher struct {
	logger *zap.Logger

	mu     sync.RWMutex
	queues map[string]chan delivery
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		queues: make(map[string]chan delivery),
	}
}

func (d *dispatcher) queue(topic string) chan delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	q, ok := d.queues[topic]
	if !ok {
		q = make(chan delivery, topicQueueSize)
		d.queues[topic] = q
		d.wg.Add(1)
		go d.work(q)
	}
	return q
}

func (d *dispatcher) work(q chan delivery) {
	defer d.wg.Done()
	for msg := range q {
		msg.handler(msg.topic, msg.payload)
	}
}

// dispatch enqueues a message and returns without running the handler
func (d *dispatcher) dispatch(topic string, payload []byte, handler MessageHandler) {
	q := d.queue(topic)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if q == nil || d.closed {
		d.logger.Debug("Dropping message after close", zap.String("topic", topic))
		return
	}

	msg := delivery{topic: topic, payload: payload, handler: handler}
	select {
	case q <- msg:
	default:
		d.logger.Warn("Handler falling behind, blocking topic", zap.String("topic", topic))
		q <- msg
	}
}

// close stops accepting messages and waits for queued ones to be handled
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
