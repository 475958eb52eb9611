package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }

type mockPublisher struct {
	closed   int
	closeErr error
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed++
	return m.closeErr
}

type mockSubscriber struct {
	closed   int
	closeErr error
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed++
	return m.closeErr
}

func mockBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher:  &mockPublisher{},
		Subscriber: &mockSubscriber{},
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Test-Transport", mockBuilder)

	assert.True(t, reg.Has("test-transport"))
	assert.Contains(t, reg.Names(), "test-transport")
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("test-transport", mockBuilder, Capabilities{
		Name:         "test-transport",
		SupportsNack: true,
	})

	caps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", caps.Name)
	assert.True(t, caps.SupportsNack)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.True(t, caps.RequiresRedeliveryEmulation())
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestRegistry_Alias(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("channel", mockBuilder, ChannelCapabilities)
	reg.Alias("gochannel", "channel")

	assert.True(t, reg.Has("gochannel"))
	assert.Equal(t, "channel", reg.GetCapabilities("GoChannel").Name)

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "gochannel"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
}

func TestRegistry_Build(t *testing.T) {
	t.Run("known transport", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register("test", mockBuilder)

		tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
	})

	t.Run("unknown transport", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register("b", mockBuilder)
		reg.Register("a", mockBuilder)

		_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "missing"}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownTransport)
		assert.Contains(t, err.Error(), "[a b]")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewRegistry().Build(context.Background(), nil, nil)
		require.Error(t, err)
	})

	t.Run("builder error propagates", func(t *testing.T) {
		reg := NewRegistry()
		boom := errors.New("boom")
		reg.Register("failing", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
			return Transport{}, boom
		})

		_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "failing"}, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestDefaultRegistryHelpers(t *testing.T) {
	original := DefaultRegistry
	t.Cleanup(func() { DefaultRegistry = original })
	DefaultRegistry = NewRegistry()

	Register("plain", mockBuilder)
	RegisterWithCapabilities("caps", mockBuilder, Capabilities{Name: "caps", SupportsAck: true})

	assert.True(t, DefaultRegistry.Has("plain"))
	assert.True(t, GetCapabilities("caps").SupportsAck)

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "plain"}, nil)
	require.NoError(t, err)
}

func TestTransport_Close(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{closeErr: errors.New("sub failed")}

	err := Transport{Publisher: pub, Subscriber: sub}.Close()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub failed")
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
	assert.NoError(t, Transport{}.Close())
}
