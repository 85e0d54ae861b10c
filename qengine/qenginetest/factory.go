package qenginetest

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gordian-engine/qdrive/qengine"
)

// Factory is a [qengine.Factory] creating toy engines.
type Factory struct {
	Config Config
}

var _ qengine.Factory = Factory{}

// NewFactory returns a Factory using [DefaultConfig].
func NewFactory() Factory {
	return Factory{Config: DefaultConfig()}
}

func (f Factory) validate() error {
	var errs error
	if f.Config.IDLen < 0 || f.Config.IDLen > 20 {
		errs = errors.Join(errs, fmt.Errorf("IDLen must be in [0, 20] (got %d)", f.Config.IDLen))
	}
	if f.Config.MaxDatagramSize < minInitialSize {
		errs = errors.Join(errs, fmt.Errorf(
			"MaxDatagramSize must be at least %d (got %d)", minInitialSize, f.Config.MaxDatagramSize,
		))
	}
	if f.Config.StreamWindow == 0 {
		errs = errors.Join(errs, errors.New("StreamWindow must be positive"))
	}
	return errs
}

// NewClient implements [qengine.Factory].
// The serverName is ignored; the toy handshake has no authentication.
func (f Factory) NewClient(now time.Time, remote net.Addr, serverName string) (qengine.Engine, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	e, err := newEngine(now, f.Config, qengine.Client, remote)
	if err != nil {
		return nil, err
	}

	// Initial destination IDs are always 8 random bytes,
	// regardless of the configured generator.
	e.initialID, err = RandomIDs{Len: 8}.GenerateConnectionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate initial connection ID: %w", err)
	}
	e.needHello = true
	return e, nil
}

// NewServer implements [qengine.Factory].
func (f Factory) NewServer(now time.Time, first qengine.Datagram) (qengine.Engine, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	h, _, err := parseHeader(first.Data, f.Config.IDLen)
	if err != nil {
		return nil, fmt.Errorf("failed to parse first datagram: %w", err)
	}
	if !h.long || first.Data[0] != flagsClientInitial {
		return nil, errors.New("first datagram is not a client initial")
	}
	if len(first.Data) < minInitialSize {
		return nil, fmt.Errorf("client initial too small (%d bytes)", len(first.Data))
	}

	return newEngine(now, f.Config, qengine.Server, first.Remote)
}
