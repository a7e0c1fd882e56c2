package rmq

import "sync"

// AckFunc is the completion handle delivered alongside a message batch.
// The pull worker treats the batch as unacked until the func is called;
// the handles the pull worker hands out are wrapped with onceAck, so
// calling one more than once is a no-op after the first call.
type AckFunc func()

// MessageListener is the canonical two-argument delivery callback: it
// receives a batch (messages presented in broker-assigned queueOffset
// order, per spec.md §4.F) and must call ack once it has durably finished
// with the batch. Exactly one batch is in flight per queue at a time.
type MessageListener func(mq MessageQueue, batch []*Message, ack AckFunc)

// LegacyMessageListener is the one-argument, auto-acking form
// spec.md §4.G and §9 describe for backwards compatibility: the batch is
// considered acked as soon as the listener returns without panicking.
type LegacyMessageListener func(mq MessageQueue, batch []*Message)

// wrapLegacy adapts a LegacyMessageListener to MessageListener, recovering
// a panic and treating it as a failed ack (the delivery-timeout error
// path) rather than silently dropping the batch, per SPEC_FULL.md §9.
func wrapLegacy(fn LegacyMessageListener, onPanic func(recovered interface{})) MessageListener {
	return func(mq MessageQueue, batch []*Message, ack AckFunc) {
		defer func() {
			if r := recover(); r != nil {
				if onPanic != nil {
					onPanic(r)
				}
				return
			}
			ack()
		}()
		fn(mq, batch)
	}
}

// MessageQueueChangedListener is invoked on a rebalance with a non-empty
// diff for topic (spec.md §4.G).
type MessageQueueChangedListener func(topic string, assigned []MessageQueue)

// ErrorListener funnels asynchronous errors from MQClient, OffsetStore,
// and the pull workers (spec.md §4.G, §7).
type ErrorListener func(err error)

// eventEmitter fans façade events out to registered listeners. The
// listener lists are copied under a dedicated mutex separate from any
// internal loop's own locks, and the listeners are then invoked
// synchronously on the emitting goroutine after that mutex is released,
// so a slow listener delays the goroutine that emitted the event.
// ErrorListener invocations recover a panicking listener so it cannot
// bring down the goroutine that reported the error; message and
// queue-changed listeners are not recovered here.
type eventEmitter struct {
	mu sync.Mutex

	message             []MessageListener
	messageQueueChanged []MessageQueueChangedListener
	error               []ErrorListener
}

func newEventEmitter() *eventEmitter { return &eventEmitter{} }

func (e *eventEmitter) onMessage(l MessageListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = append(e.message, l)
}

func (e *eventEmitter) onMessageQueueChanged(l MessageQueueChangedListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messageQueueChanged = append(e.messageQueueChanged, l)
}

func (e *eventEmitter) onError(l ErrorListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.error = append(e.error, l)
}

func (e *eventEmitter) emitMessage(mq MessageQueue, batch []*Message, ack AckFunc) {
	e.mu.Lock()
	listeners := append([]MessageListener(nil), e.message...)
	e.mu.Unlock()
	for _, l := range listeners {
		l(mq, batch, ack)
	}
}

func (e *eventEmitter) emitMessageQueueChanged(topic string, assigned []MessageQueue) {
	e.mu.Lock()
	listeners := append([]MessageQueueChangedListener(nil), e.messageQueueChanged...)
	e.mu.Unlock()
	for _, l := range listeners {
		l(topic, assigned)
	}
}

func (e *eventEmitter) emitError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	listeners := append([]ErrorListener(nil), e.error...)
	e.mu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(err)
		}()
	}
}

func (e *eventEmitter) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = nil
	e.messageQueueChanged = nil
	e.error = nil
}

// onceAck returns an AckFunc that runs fn exactly once across however many
// times the returned func is called.
func onceAck(fn func()) AckFunc {
	var once sync.Once
	return func() { once.Do(fn) }
}
