package transport

// Capabilities describes what a transport offers the pull broker bridge.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a nacked message is redelivered by the
	// transport itself. When false, the bridge republishes released events.
	SupportsNack bool

	// SupportsOrdering indicates messages within a partition/stream are
	// delivered in order.
	SupportsOrdering bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64
}

// RequiresRedeliveryEmulation reports whether releasing an event needs a
// republish because the transport cannot redeliver on nack.
func (c Capabilities) RequiresRedeliveryEmulation() bool {
	return !c.SupportsNack
}

// SupportsReliableDelivery returns true if the transport supports
// at-least-once delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a body of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsOrdering: true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports get a zero value carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
