package rmq

import "errors"

// Sentinel errors surfaced by the core, per the error-kind taxonomy in
// spec.md §7.
var (
	// ErrNoConsumerGroup is a configuration error: no consumer group was
	// set on the Config passed to NewConsumer. Fatal at construction.
	ErrNoConsumerGroup = errors.New("rmq: consumer group is required")

	// ErrEmptyExpression is a configuration error: a subscription's raw
	// filter expression parsed to nothing (e.g. "||" with no tokens).
	// Fatal at construction of the SubscriptionData.
	ErrEmptyExpression = errors.New("rmq: subscription expression is empty")

	// ErrClosed is returned by Init when it is invoked after Close.
	ErrClosed = errors.New("rmq: consumer closed")

	// ErrNoBrokerAddr is a route error: MQClient has no known address for
	// the broker a pull was about to target, even after a route refresh.
	ErrNoBrokerAddr = errors.New("rmq: no broker address after route refresh")

	// ErrDeliveryTimeout is a delivery-timeout error: the user's ack
	// callback did not complete within the configured DeliveryTimeout.
	ErrDeliveryTimeout = errors.New("rmq: delivery ack timed out")
)
