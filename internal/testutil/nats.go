package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// JetStreamEnv is an embedded NATS server with JetStream and a client connection
type JetStreamEnv struct {
	Server *server.Server
	Conn   *nats.Conn
	JS     nats.JetStreamContext
}

// StartJetStream starts a NATS server with JetStream on a random port and
// registers its shutdown with t.Cleanup.
func StartJetStream(t *testing.T) *JetStreamEnv {
	t.Helper()

	s, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
		s.WaitForShutdown()
	})

	return &JetStreamEnv{Server: s, Conn: nc, JS: js}
}

// WaitForConsumer waits for a consumer to be created
func WaitForConsumer(t *testing.T, js nats.JetStreamContext, stream, consumer string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.ConsumerInfo(stream, consumer)
		if err == nil {
			return nil
		}
		if err != nats.ErrConsumerNotFound {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for consumer %s on stream %s", consumer, stream)
}

// CollectMessages subscribes to a core NATS subject and returns a function
// that reports the payloads received so far.
func CollectMessages(t *testing.T, nc *nats.Conn, subject string) func() [][]byte {
	t.Helper()

	msgChan := make(chan []byte, 100)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		msgChan <- msg.Data
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	var received [][]byte
	return func() [][]byte {
		for {
			select {
			case data := <-msgChan:
				received = append(received, data)
			default:
				return received
			}
		}
	}
}
