// Package broker runs an in-process NATS server for single-node deployments.
package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

const defaultReadyTimeout = 10 * time.Second

// ErrNotReady is returned when the embedded server does not accept
// connections in time
var ErrNotReady = errors.New("embedded nats server not ready")

// Config defines configuration for the embedded server
type Config struct {
	Host         string
	Port         int
	StoreDir     string
	ReadyTimeout time.Duration
}

// Embedded is a running nats-server with JetStream enabled
type Embedded struct {
	logger *zap.Logger
	server *server.Server
}

// StartEmbedded starts a JetStream-enabled server and waits until it accepts
// connections. A zero port picks a random one.
func StartEmbedded(config Config, logger *zap.Logger) (*Embedded, error) {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.Port == 0 {
		config.Port = server.RANDOM_PORT
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaultReadyTimeout
	}

	s, err := server.NewServer(&server.Options{
		ServerName: "promptcron-embedded",
		Host:       config.Host,
		Port:       config.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   config.StoreDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nats server: %w", err)
	}

	go s.Start()
	if !s.ReadyForConnections(config.ReadyTimeout) {
		s.Shutdown()
		return nil, ErrNotReady
	}

	e := &Embedded{logger: logger.Named("broker"), server: s}
	e.logger.Info("Embedded NATS server started",
		zap.String("url", s.ClientURL()),
		zap.String("store_dir", config.StoreDir))
	return e, nil
}

// ClientURL returns the URL clients connect to
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.logger.Info("Embedded NATS server stopped")
}
