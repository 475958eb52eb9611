package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/gridflow/transport"
)

func TestRegisterAll(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	RegisterAll()

	assert.Equal(t, []string{"channel", "kafka", "nats", "rabbitmq"}, transport.DefaultRegistry.Names())
	assert.True(t, transport.DefaultRegistry.Has("gochannel"))
	assert.True(t, transport.DefaultRegistry.Has("amqp"))
}
