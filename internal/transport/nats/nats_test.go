package nats

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:  "127.0.0.1",
		Port:  -1,
		NoLog: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready within timeout")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func newTransport(t *testing.T, raw string) *Transport {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	tr := New().(*Transport)
	require.NoError(t, tr.Init(u, model.Properties{model.PropertyNATSTimeout: "2000"}))
	t.Cleanup(tr.Dispose)
	return tr
}

type inbox struct{ ch chan any }

func (i *inbox) Arrived(_ string, msg any) { i.ch <- msg }

func TestTransport_Publish(t *testing.T) {
	ns := startServer(t)

	nc, err := natsgo.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("orders.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	u, _ := url.Parse(ns.ClientURL())
	tr := newTransport(t, "nats://"+u.Host+"/orders/new")

	require.NoError(t, tr.Send(context.Background(), map[string]any{"id": 1}))
	m, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "orders.new", m.Subject)
	assert.JSONEq(t, `{"id":1}`, string(m.Data))

	require.NoError(t, tr.SendTo(context.Background(), "x", "r", "/orders/eu/cancelled", nil))
	m, err = sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "orders.eu.cancelled", m.Subject)
}

func TestTransport_AddPath(t *testing.T) {
	ns := startServer(t)
	u, _ := url.Parse(ns.ClientURL())
	tr := newTransport(t, "nats://"+u.Host)

	in := &inbox{ch: make(chan any, 1)}
	require.NoError(t, tr.AddPath("/replies/a", in))

	nc, err := natsgo.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.Publish("replies.a", []byte(`{"ok":true}`)))
	require.NoError(t, nc.Flush())

	select {
	case msg := <-in.ch:
		assert.Equal(t, map[string]any{"ok": true}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
	}

	require.NoError(t, tr.RemovePath("/replies/a", in))
	assert.ErrorIs(t, tr.RemovePath("/replies/a", in), transport.ErrValidation)
	assert.Empty(t, tr.subs)
}

func TestTransport_Unreachable(t *testing.T) {
	ns := startServer(t)
	u, _ := url.Parse(ns.ClientURL())
	ns.Shutdown()

	tr := newTransport(t, "nats://"+u.Host+"/s")
	assert.ErrorIs(t, tr.Send(context.Background(), "x"), transport.ErrConnectivity)
}

func TestTransport_Validation(t *testing.T) {
	u, _ := url.Parse("nats:///s")
	assert.ErrorIs(t, New().Init(u, nil), transport.ErrValidation)

	tr := newTransport(t, "nats://127.0.0.1:1")
	assert.ErrorIs(t, tr.Send(context.Background(), "x"), transport.ErrValidation)
	assert.Equal(t, "tls://127.0.0.1:1", newTransport(t, "tls+nats://127.0.0.1:1").server)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "a.b.c", subjectFor("/a/b/c/"))
	assert.Equal(t, "", subjectFor(""))
}
