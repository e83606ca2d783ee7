package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsReserveConsumerConnections(t *testing.T) {
	opts := options(ClientConfig{Addr: "localhost:6379", PoolSize: 20, Consumers: 17, MaxRetries: 3})
	assert.Equal(t, 37, opts.PoolSize)
	assert.Equal(t, 17, opts.MinIdleConns)
	assert.Equal(t, "orderbookd", opts.ClientName)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Nil(t, opts.TLSConfig)
}

func TestOptionsKeepDriverDefaultsWithoutPoolSize(t *testing.T) {
	opts := options(ClientConfig{Addr: "localhost:6379", Consumers: 5, TLSEnabled: true})
	assert.Zero(t, opts.PoolSize)
	assert.Zero(t, opts.MinIdleConns)
	if assert.NotNil(t, opts.TLSConfig) {
		assert.NotZero(t, opts.TLSConfig.MinVersion)
	}
}
