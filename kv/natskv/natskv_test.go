package natskv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/kv/kvtest"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestStore(t *testing.T) {
	js := startJetStream(t)
	n := 0
	kvtest.Run(t, func(t *testing.T) kv.Store {
		n++
		s, err := New(context.Background(), js, DefaultConfig(fmt.Sprintf("SEMFLOW_TEST_%d", n)), nil)
		require.NoError(t, err)
		return s
	})
}

func TestReopenExistingBucket(t *testing.T) {
	ctx := context.Background()
	js := startJetStream(t)

	first, err := New(ctx, js, DefaultConfig("SEMFLOW_REOPEN"), nil)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "wf:1", []byte("v1"), 0))

	second, err := New(ctx, js, DefaultConfig("SEMFLOW_REOPEN"), nil)
	require.NoError(t, err)
	got, err := second.Get(ctx, "wf:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestKeyEncoding(t *testing.T) {
	assert.Equal(t, "idem.reconciler.m-1", encodeKey("idem:reconciler:m-1"))
	assert.Equal(t, "idem:reconciler:m-1", decodeKey("idem.reconciler.m-1"))
	assert.Equal(t, time.Second, roundTTL(10*time.Millisecond))
	assert.Equal(t, 2*time.Second, roundTTL(1500*time.Millisecond))
	assert.Equal(t, time.Minute, roundTTL(time.Minute))
}
