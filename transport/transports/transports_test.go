package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/workflows/internal/config"
	"github.com/drblury/workflows/transport"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()

	assert.Equal(t, []string{"aws", "channel", "http", "io", "kafka", "nats", "nats-jetstream", "rabbitmq"}, reg.Names())
	assert.Equal(t, transport.KafkaCapabilities, reg.Capabilities("kafka"))
	assert.Equal(t, transport.JetStreamCapabilities, reg.Capabilities("nats-jetstream"))
}

func TestNewTransportFromConfig(t *testing.T) {
	reg := NewRegistry()

	tr, err := reg.NewTransport(&config.Config{Backend: "channel"}, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.ChannelCapabilities, tr.Capabilities())
	assert.False(t, tr.IsConnected())
}
