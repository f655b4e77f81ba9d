package util

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

const maxPairAttempts = 32

// ListenUDP binds a UDP socket with address reuse enabled. Port 0 picks a free port.
func ListenUDP(host string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp port %d", port)
	}
	return pc.(*net.UDPConn), nil
}

// LocalPort returns the bound port of a UDP socket.
func LocalPort(c *net.UDPConn) int {
	return c.LocalAddr().(*net.UDPAddr).Port
}

// ListenUDPPair binds an RTP socket on an even port and its RTCP socket on the next one.
func ListenUDPPair(host string) (*net.UDPConn, *net.UDPConn, error) {
	for i := 0; i < maxPairAttempts; i++ {
		rtpConn, err := ListenUDP(host, 0)
		if err != nil {
			return nil, nil, err
		}

		port := LocalPort(rtpConn)
		if port%2 != 0 || port >= 65535 {
			CloseQuiet(rtpConn)
			continue
		}

		rtcpConn, err := ListenUDP(host, port+1)
		if err != nil {
			CloseQuiet(rtpConn)
			continue
		}
		return rtpConn, rtcpConn, nil
	}
	return nil, nil, errors.Errorf("no free rtp/rtcp port pair after %d attempts", maxPairAttempts)
}

// ReserveRTPPort binds an RTP socket whose next port was free at bind time.
// The RTCP side is released again so it can be bound once the peer's ports are known.
func ReserveRTPPort(host string) (*net.UDPConn, error) {
	rtpConn, rtcpConn, err := ListenUDPPair(host)
	if err != nil {
		return nil, err
	}
	CloseQuiet(rtcpConn)
	return rtpConn, nil
}
