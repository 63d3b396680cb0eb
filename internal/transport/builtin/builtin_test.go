package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{
		"http", "https", "mqtt", "mqtts", "nats", "postgres", "postgresql",
		"redis", "rediss", "tcp", "tls+nats", "udp", "ws", "wss",
	}, r.Schemes())

	for _, scheme := range r.Schemes() {
		tr, err := r.New(scheme)
		require.NoError(t, err, scheme)
		assert.NotNil(t, tr, scheme)
	}
}
