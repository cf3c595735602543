package interfaces

import "context"

// Delivery is one message pulled off the broker queue. Tag identifies it for
// acknowledgement.
type Delivery struct {
	Body []byte
	Tag  uint64
}

// Broker is a durable message transport. Send returns only after the broker
// has durably accepted the message (publisher confirms). Deliveries must be
// acknowledged; an unacknowledged delivery is redelivered, so consumers get
// at-least-once semantics.
type Broker interface {
	Send(ctx context.Context, body []byte) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Ack(ctx context.Context, delivery Delivery) error
	Close() error
}
