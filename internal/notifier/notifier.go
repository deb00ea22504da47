package notifier

// Notifier sends out-of-band alerts (liquidations, panics, feed failures).
type Notifier interface {
	Send(message string) error
}

// Noop discards all messages. Used when no telegram credentials are set.
type Noop struct{}

func (Noop) Send(string) error { return nil }
