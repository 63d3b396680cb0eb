// Package builtin registers every bundled transport.
package builtin

import (
	"github.com/rickgao/courier/internal/transport"
	"github.com/rickgao/courier/internal/transport/http"
	"github.com/rickgao/courier/internal/transport/mqtt"
	"github.com/rickgao/courier/internal/transport/nats"
	"github.com/rickgao/courier/internal/transport/postgres"
	"github.com/rickgao/courier/internal/transport/redis"
	"github.com/rickgao/courier/internal/transport/tcp"
	"github.com/rickgao/courier/internal/transport/udp"
	"github.com/rickgao/courier/internal/transport/ws"
)

// Register adds the bundled transports to r.
func Register(r *transport.Registry) {
	r.Register(tcp.New, tcp.Scheme)
	r.Register(udp.New, udp.Scheme)
	r.Register(http.New, http.Schemes...)
	r.Register(ws.New, ws.Schemes...)
	r.Register(mqtt.New, mqtt.Schemes...)
	r.Register(nats.New, nats.Schemes...)
	r.Register(redis.New, redis.Schemes...)
	r.Register(postgres.New, postgres.Schemes...)
}

// NewRegistry returns a registry holding the bundled transports.
func NewRegistry() *transport.Registry {
	r := transport.NewRegistry()
	Register(r)
	return r
}
