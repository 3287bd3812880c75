package broker

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStartEmbedded(t *testing.T) {
	e, err := StartEmbedded(Config{StoreDir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Shutdown()

	nc, err := nats.Connect(e.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	defer nc.Close()

	js, err := nc.JetStream()
	require.NoError(t, err)

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "PING",
		Subjects: []string{"ping.>"},
		Storage:  nats.MemoryStorage,
	})
	require.NoError(t, err)

	ack, err := js.Publish("ping.check", []byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, "PING", ack.Stream)
	assert.Equal(t, uint64(1), ack.Sequence)
}
