package broker

import amqp "github.com/rabbitmq/amqp091-go"

// SetDial swaps the connection factory so tests can fail dialing without a
// live broker.
func (c *Client) SetDial(dial func(url string) (*amqp.Connection, error)) {
	c.dial = dial
}

// ClientConfig exposes the filled configuration.
func (c *Client) ClientConfig() Config {
	return c.cfg
}
