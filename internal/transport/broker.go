package transport

import "time"

// Handler receives messages delivered on a subscribed topic.
type Handler func(topic string, payload []byte)

// Events are the broker callbacks that drive a Session's state machine.
// Brokers invoke them from their own goroutines.
type Events struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnReconnecting   func()
	OnConnectFailed  func(err error)
}

// Broker is the pub/sub capability a Session is built on. Any broker client
// able to connect, publish, subscribe and disconnect can satisfy it.
type Broker interface {
	// Connect starts connecting in the background and keeps reconnecting
	// until Disconnect. Progress is reported through events.
	Connect(events Events) error
	// Publish sends payload and calls done exactly once with the outcome.
	Publish(topic string, qos byte, retain bool, payload []byte, done func(error))
	Subscribe(topic string, qos byte, handler Handler) error
	Unsubscribe(topic string) error
	// Disconnect stops reconnection, closes the connection and calls done.
	// force skips the quiesce period for in-flight work.
	Disconnect(force bool, done func())
}

// Backoff is an exponential reconnect delay: Initial * 2^(attempt-1),
// capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff matches the 1 s reconnect period of the remote clients.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 1 * time.Second, Max: 30 * time.Second}
}

// Delay returns the wait before the given (1-based) attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Initial <= 0 {
		return 0
	}
	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}
