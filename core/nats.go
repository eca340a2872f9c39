package core

import (
	"context"
	"time"

	"github.com/alwitt/driverloc/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS server with URI
	ServerURI string `validate:"required,uri"`
	// ClientName is the connection name reported to the server
	ClientName string
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration `validate:"gt=0"`
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration `validate:"gt=0"`
	// PingInterval interval between client PINGs
	PingInterval time.Duration `validate:"gt=0"`
	// MaxPingsOutstanding unanswered PINGs before the connection is declared stale
	MaxPingsOutstanding int `validate:"gte=1"`
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient wrapper around a NATS connection
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush then close a NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if c.nc.IsConnected() {
		if err := c.nc.FlushWithContext(ctxt); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
		}
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Conn fetch the NATS connection
func (c NatsClient) Conn() *nats.Conn {
	return c.nc
}

// GetNatsClient define a new NATS client
//
// The client retries the initial connect and every later reconnect indefinitely. When
// the server is unreachable at start, this returns immediately with a client that is
// still connecting, and OnReconnectCallback fires once it succeeds.
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	options := []nats.Option{
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(param.ReconnectWait),
		nats.PingInterval(param.PingInterval),
		nats.MaxPingsOutstanding(param.MaxPingsOutstanding),
	}
	if param.ClientName != "" {
		options = append(options, nats.Name(param.ClientName))
	}
	if param.OnDisconnectCallback != nil {
		options = append(options, nats.DisconnectErrHandler(param.OnDisconnectCallback))
	}
	if param.OnReconnectCallback != nil {
		options = append(options, nats.ReconnectHandler(param.OnReconnectCallback))
	}
	if param.OnCloseCallback != nil {
		options = append(options, nats.ClosedHandler(param.OnCloseCallback))
	}
	nc, err := nats.Connect(param.ServerURI, options...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return &NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
