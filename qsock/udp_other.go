//go:build !linux

package qsock

import (
	"net"

	"github.com/gordian-engine/qdrive/qengine"
)

func setupPlatform(*net.UDPConn, bool) (Capabilities, error) {
	return DefaultCapabilities(), nil
}

func appendSendOOB(oob []byte, _, _ qengine.Transmit, _ bool) []byte {
	return oob
}

func parseRecvOOB([]byte, *RecvMeta) {}
