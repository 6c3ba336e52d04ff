package events

// Subscriber receives events from the bus on the bus goroutine.
// Implementations must not block for long.
type Subscriber interface {
	HandleEvent(event Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(event Event)

func (f SubscriberFunc) HandleEvent(event Event) { f(event) }

// ChannelSubscriber forwards events to a buffered channel, dropping them
// when the consumer falls behind. Used by SSE clients.
type ChannelSubscriber struct {
	C chan Event
}

// NewChannelSubscriber creates a subscriber with the given buffer.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{C: make(chan Event, buffer)}
}

func (c *ChannelSubscriber) HandleEvent(event Event) {
	select {
	case c.C <- event:
	default:
	}
}
