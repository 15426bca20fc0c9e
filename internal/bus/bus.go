package bus

// MessageBus decouples chat channels from the orchestrator.
//
// Channels push InboundMessages; the orchestrator consumes them, runs the
// pipeline, and pushes OutboundMessages back for the channel manager to
// route. Both directions are buffered so producers rarely block on a slow
// consumer.
type MessageBus struct {
	Inbound  chan InboundMessage  // channels → orchestrator
	Outbound chan OutboundMessage // orchestrator → channels
}

// NewMessageBus creates a bus with the given buffer size per direction.
func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
	}
}

// Publish enqueues an inbound message, blocking when the buffer is full.
func (b *MessageBus) Publish(m InboundMessage) { b.Inbound <- m }

// Deliver enqueues an outbound message for channel delivery.
func (b *MessageBus) Deliver(m OutboundMessage) { b.Outbound <- m }

func (b *MessageBus) InboundSize() int { return len(b.Inbound) }

func (b *MessageBus) OutboundSize() int { return len(b.Outbound) }
