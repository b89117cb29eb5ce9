package raft

import (
	"net"
	"testing"
	"time"

	"github.com/galdor/go-log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeTCPAddress(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	return address
}

func newTestHTTPTransport(t *testing.T, id EndpointId, address string, peers map[EndpointId]string) *HTTPTransport {
	t.Helper()

	transport, err := NewHTTPTransport(HTTPTransportCfg{
		Id:           id,
		LocalAddress: address,
		Peers:        peers,
		Logger:       log.DefaultLogger(string(id)),
	})
	require.NoError(t, err)

	return transport
}

func TestHTTPTransport(t *testing.T) {
	addressA := freeTCPAddress(t)
	addressB := freeTCPAddress(t)

	ta := newTestHTTPTransport(t, "a", addressA,
		map[EndpointId]string{"b": addressB})
	tb := newTestHTTPTransport(t, "b", addressB, nil)
	tb.AddPeer("a", addressA)

	ra := newTestReceiver()
	rb := newTestReceiver()

	require.NoError(t, ta.Start(ra))
	defer ta.Stop()

	require.NoError(t, tb.Start(rb))
	defer tb.Stop()

	require.NoError(t, ta.Send(Message{DestinationId: "b", Data: []byte("ping")}))

	msg := rb.waitMessage(t)
	assert.Equal(t, EndpointId("a"), msg.SourceId)
	assert.Equal(t, EndpointId("b"), msg.DestinationId)
	assert.Equal(t, []byte("ping"), msg.Data)

	require.NoError(t, tb.Send(Message{DestinationId: "a", Data: []byte("pong")}))

	msg = ra.waitMessage(t)
	assert.Equal(t, EndpointId("b"), msg.SourceId)
	assert.Equal(t, []byte("pong"), msg.Data)

	var connErr *ConnectivityError

	err := ta.Send(Message{DestinationId: "c"})
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, EndpointId("c"), connErr.EndpointId)
}

func TestHTTPTransportDeliveryFailure(t *testing.T) {
	ta := newTestHTTPTransport(t, "a", freeTCPAddress(t),
		map[EndpointId]string{"b": freeTCPAddress(t)})

	ra := newTestReceiver()

	require.NoError(t, ta.Start(ra))
	defer ta.Stop()

	require.NoError(t, ta.Send(Message{DestinationId: "b", Data: []byte("ping")}))

	select {
	case err := <-ra.failures:
		var connErr *ConnectivityError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, EndpointId("b"), connErr.EndpointId)

	case <-time.After(5 * time.Second):
		require.FailNow(t, "no delivery failure reported")
	}
}

func TestHTTPTransportStop(t *testing.T) {
	ta := newTestHTTPTransport(t, "a", freeTCPAddress(t),
		map[EndpointId]string{"b": freeTCPAddress(t)})

	require.NoError(t, ta.Start(newTestReceiver()))
	ta.Stop()
	ta.Stop()

	var connErr *ConnectivityError

	err := ta.Send(Message{DestinationId: "b"})
	require.ErrorAs(t, err, &connErr)
}
