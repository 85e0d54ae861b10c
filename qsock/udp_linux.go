//go:build linux

package qsock

import (
	"encoding/binary"
	"net"
	"net/netip"
	"unsafe"

	"github.com/gordian-engine/qdrive/qengine"
	"golang.org/x/sys/unix"
)

const (
	linuxBatchSize = 32

	// Kernel limit for UDP_SEGMENT (UDP_MAX_SEGMENTS).
	linuxMaxGSOSegments = 64
)

func setupPlatform(c *net.UDPConn, isV6 bool) (Capabilities, error) {
	caps := Capabilities{
		MaxGSOSegments: 1,
		BatchSize:      linuxBatchSize,
	}

	rc, err := c.SyscallConn()
	if err != nil {
		return caps, err
	}

	var gsoErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		// Failures to enable ECN or GRO only lose metadata,
		// so they are deliberately ignored.
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTOS, 1)
		if isV6 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVTCLASS, 1)
		} else {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
		}
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_UDP, unix.UDP_GRO, 1)

		// Probing UDP_SEGMENT tells us whether the kernel supports GSO at all.
		_, gsoErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_UDP, unix.UDP_SEGMENT)
	})
	if ctrlErr != nil {
		return caps, ctrlErr
	}
	if gsoErr == nil {
		caps.MaxGSOSegments = linuxMaxGSOSegments
	}
	return caps, nil
}

func appendSendOOB(oob []byte, t, part qengine.Transmit, isV6 bool) []byte {
	if part.SegmentSize > 0 && part.Segments() > 1 {
		var seg [2]byte
		binary.NativeEndian.PutUint16(seg[:], uint16(part.SegmentSize))
		oob = appendCmsg(oob, unix.SOL_UDP, unix.UDP_SEGMENT, seg[:])
	}

	if t.ECN != qengine.NotECT {
		var tos [4]byte
		binary.NativeEndian.PutUint32(tos[:], uint32(t.ECN))
		if isV6 && !isIPv4(t.Destination) {
			oob = appendCmsg(oob, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos[:])
		} else {
			oob = appendCmsg(oob, unix.IPPROTO_IP, unix.IP_TOS, tos[:])
		}
	}
	return oob
}

func appendCmsg(b []byte, level, typ int, data []byte) []byte {
	start := len(b)
	b = append(b, make([]byte, unix.CmsgSpace(len(data)))...)

	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[start]))
	h.Level = int32(level)
	h.Type = int32(typ)
	h.SetLen(unix.CmsgLen(len(data)))

	copy(b[start+unix.CmsgLen(0):], data)
	return b
}

func parseRecvOOB(oob []byte, m *RecvMeta) {
	if len(oob) == 0 {
		return
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, msg := range msgs {
		switch {
		case msg.Header.Level == unix.IPPROTO_IP && msg.Header.Type == unix.IP_TOS && len(msg.Data) >= 1:
			m.ECN = qengine.ECN(msg.Data[0] & 0b11)

		case msg.Header.Level == unix.IPPROTO_IPV6 && msg.Header.Type == unix.IPV6_TCLASS && len(msg.Data) >= 4:
			m.ECN = qengine.ECN(binary.NativeEndian.Uint32(msg.Data) & 0b11)

		case msg.Header.Level == unix.IPPROTO_IP && msg.Header.Type == unix.IP_PKTINFO && len(msg.Data) >= unix.SizeofInet4Pktinfo:
			info := (*unix.Inet4Pktinfo)(unsafe.Pointer(&msg.Data[0]))
			m.DstIP = netip.AddrFrom4(info.Addr)

		case msg.Header.Level == unix.IPPROTO_UDP && msg.Header.Type == unix.UDP_GRO && len(msg.Data) >= 4:
			if s := int(binary.NativeEndian.Uint32(msg.Data)); s > 0 {
				m.Stride = s
			}
		}
	}
}

func isIPv4(a net.Addr) bool {
	ua, ok := a.(*net.UDPAddr)
	return ok && ua.IP.To4() != nil
}
