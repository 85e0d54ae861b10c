package qdrive

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/qdrive/qengine"
	"github.com/gordian-engine/qdrive/qsock"
)

const (
	// DefaultIOLoopBound is the number of socket calls or engine polls
	// a driver goroutine makes before yielding to other goroutines.
	DefaultIOLoopBound = 10

	// DefaultAcceptQueueLimit is the number of incoming connections
	// that may wait for [*Endpoint.Accept] before new ones are refused.
	DefaultAcceptQueueLimit = 64

	// DefaultRetiredIDLifetime is how long the identifiers of a drained
	// connection keep swallowing datagrams.
	DefaultRetiredIDLifetime = 30 * time.Second
)

// EndpointConfig is the configuration for an [*Endpoint].
type EndpointConfig struct {
	// The socket to drive. The endpoint takes ownership of it
	// and closes it when the endpoint closes.
	Socket qsock.Socket

	// Extracts connection identifiers from received datagrams.
	Router qengine.Router

	// Creates engines for [*Endpoint.Connect].
	// If nil, the endpoint cannot dial out.
	ClientFactory qengine.Factory

	// Creates engines for incoming connections.
	// If nil, the endpoint never accepts connections.
	ServerFactory qengine.Factory

	// Maximum number of accepted connections waiting for [*Endpoint.Accept].
	// Further connection attempts are dropped until the queue drains.
	// If zero, DefaultAcceptQueueLimit is used.
	AcceptQueueLimit int

	// Maximum socket calls per receive or transmit turn,
	// and maximum datagrams or transmits a connection driver
	// handles per turn, before yielding.
	// If zero, DefaultIOLoopBound is used.
	IOLoopBound int

	// How long identifiers of drained connections are remembered.
	// If zero, DefaultRetiredIDLifetime is used.
	RetiredIDLifetime time.Duration

	// Called instead of runtime.Gosched when a goroutine yields.
	onYield func()
}

// validate panics if there are any illegal settings in the configuration.
// It also warns about any suspect settings.
func (c EndpointConfig) validate(log *slog.Logger) {
	var panicErrs error

	if c.Socket == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("EndpointConfig.Socket must not be nil"),
		)
	}

	if c.Router == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("EndpointConfig.Router must not be nil"),
		)
	}

	if c.ClientFactory == nil && c.ServerFactory == nil {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("at least one of EndpointConfig.ClientFactory and EndpointConfig.ServerFactory must be set"),
		)
	}

	if c.AcceptQueueLimit < 0 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("EndpointConfig.AcceptQueueLimit must not be negative (got %d)", c.AcceptQueueLimit),
		)
	}

	if c.IOLoopBound < 0 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("EndpointConfig.IOLoopBound must not be negative (got %d)", c.IOLoopBound),
		)
	}

	if c.RetiredIDLifetime < 0 {
		panicErrs = errors.Join(
			panicErrs,
			fmt.Errorf("EndpointConfig.RetiredIDLifetime must not be negative (got %s)", c.RetiredIDLifetime),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}

	if c.IOLoopBound == 1 {
		log.Warn(
			"IOLoopBound of 1 yields after every socket call; throughput will suffer",
		)
	}

	if c.Socket.Capabilities().BatchSize < 1 {
		log.Warn(
			"Socket reports a batch size below 1; using 1",
			"batch_size", c.Socket.Capabilities().BatchSize,
		)
	}
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.AcceptQueueLimit == 0 {
		c.AcceptQueueLimit = DefaultAcceptQueueLimit
	}
	if c.IOLoopBound == 0 {
		c.IOLoopBound = DefaultIOLoopBound
	}
	if c.RetiredIDLifetime == 0 {
		c.RetiredIDLifetime = DefaultRetiredIDLifetime
	}
	return c
}
