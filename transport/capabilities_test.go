package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		wantBool bool
	}{
		{
			name: "supports ack and nack",
			caps: Capabilities{
				SupportsAck:  true,
				SupportsNack: true,
			},
			wantBool: true,
		},
		{
			name: "supports ack only",
			caps: Capabilities{
				SupportsAck:  true,
				SupportsNack: false,
			},
			wantBool: false,
		},
		{
			name: "supports nack only",
			caps: Capabilities{
				SupportsAck:  false,
				SupportsNack: true,
			},
			wantBool: false,
		},
		{
			name: "supports neither",
			caps: Capabilities{
				SupportsAck:  false,
				SupportsNack: false,
			},
			wantBool: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantBool, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	// Test that all predefined capability sets are properly configured
	t.Run("ChannelCapabilities", func(t *testing.T) {
		assert.Equal(t, "channel", ChannelCapabilities.Name)
		assert.True(t, ChannelCapabilities.SupportsOrdering)
		assert.True(t, ChannelCapabilities.SupportsAck)
		assert.True(t, ChannelCapabilities.SupportsNack)
		assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
	})

	t.Run("KafkaCapabilities", func(t *testing.T) {
		assert.Equal(t, "kafka", KafkaCapabilities.Name)
		assert.True(t, KafkaCapabilities.SupportsOrdering)
		assert.True(t, KafkaCapabilities.SupportsPartitioning)
		assert.True(t, KafkaCapabilities.SupportsBatching)
		assert.Greater(t, KafkaCapabilities.MaxMessageSize, int64(0))
	})

	t.Run("RabbitMQCapabilities", func(t *testing.T) {
		assert.Equal(t, "rabbitmq", RabbitMQCapabilities.Name)
		assert.True(t, RabbitMQCapabilities.SupportsAck)
		assert.True(t, RabbitMQCapabilities.SupportsNack)
		assert.True(t, RabbitMQCapabilities.SupportsTracing)
	})

	t.Run("NATSCapabilities", func(t *testing.T) {
		assert.Equal(t, "nats", NATSCapabilities.Name)
		assert.False(t, NATSCapabilities.SupportsAck)
		assert.False(t, NATSCapabilities.SupportsReliableDelivery())
	})

	t.Run("NATSJetStreamCapabilities", func(t *testing.T) {
		assert.Equal(t, "nats-jetstream", NATSJetStreamCapabilities.Name)
		assert.True(t, NATSJetStreamCapabilities.SupportsOrdering)
		assert.True(t, NATSJetStreamCapabilities.SupportsReliableDelivery())
	})

	t.Run("AWSCapabilities", func(t *testing.T) {
		assert.Equal(t, "aws", AWSCapabilities.Name)
		assert.True(t, AWSCapabilities.SupportsBatching)
		assert.Greater(t, AWSCapabilities.MaxMessageSize, int64(0))
	})

	t.Run("HTTPCapabilities", func(t *testing.T) {
		assert.Equal(t, "http", HTTPCapabilities.Name)
		assert.True(t, HTTPCapabilities.SupportsTracing)
		assert.False(t, HTTPCapabilities.SupportsReliableDelivery())
	})

	t.Run("IOCapabilities", func(t *testing.T) {
		assert.Equal(t, "io", IOCapabilities.Name)
		assert.True(t, IOCapabilities.SupportsOrdering)
		assert.False(t, IOCapabilities.SupportsAck)
	})
}

func TestGetCapabilities_PackageLevel(t *testing.T) {
	// Test the package-level GetCapabilities function
	// Note: This relies on the DefaultRegistry which may be empty in tests
	caps := GetCapabilities("nonexistent")
	assert.Equal(t, "nonexistent", caps.Name)
}

func TestCapabilities_ZeroValue(t *testing.T) {
	// Test that zero value is safe
	var caps Capabilities
	assert.False(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsAck)
	assert.False(t, caps.SupportsReliableDelivery())
	assert.Zero(t, caps.MaxMessageSize)
}
