// Package transports registers all built-in transports with the default
// registry. Import it for side effects, or call RegisterAll after swapping
// the registry in tests.
package transports

import (
	"github.com/drblury/gridflow/transport/channel"
	"github.com/drblury/gridflow/transport/kafka"
	"github.com/drblury/gridflow/transport/nats"
	"github.com/drblury/gridflow/transport/rabbitmq"
)

func init() {
	RegisterAll()
}

// RegisterAll registers the channel, kafka, rabbitmq and nats transports.
func RegisterAll() {
	channel.Register()
	kafka.Register()
	rabbitmq.Register()
	nats.Register()
}
