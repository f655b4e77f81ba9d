package relay

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
	"github.com/media-streaming-mesh/camera-relay/internal/rtcpsession"
	"github.com/media-streaming-mesh/camera-relay/internal/util"
)

func TestParseServerPorts(t *testing.T) {
	tests := []struct {
		in   string
		rtp  int
		rtcp int
		ok   bool
	}{
		{"RTP/AVP;unicast;client_port=5000-5001;server_port=6970-6971", 6970, 6971, true},
		{"RTP/AVP;unicast;server_port=6970-6971;ssrc=1234ABCD", 6970, 6971, true},
		{"RTP/AVP;unicast;server_port=6970-0", 6970, 0, true},
		{"RTP/AVP;unicast;client_port=5000-5001", 0, 0, false},
		{"RTP/AVP;unicast;server_port=6970", 0, 0, false},
		{"RTP/AVP;unicast;server_port=70000-70001", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		rtpPort, rtcpPort, ok := ParseServerPorts(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.rtp, rtpPort, tt.in)
		assert.Equal(t, tt.rtcp, rtcpPort, tt.in)
	}
}

type fakeCamera struct {
	rtp  *net.UDPConn
	rtcp *net.UDPConn
}

func newFakeCamera(t *testing.T) *fakeCamera {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	c := &fakeCamera{rtp: rtpConn, rtcp: rtcpConn}
	t.Cleanup(func() {
		rtpConn.Close()
		rtcpConn.Close()
	})
	return c
}

func (c *fakeCamera) transport(clientRTP int) string {
	return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d",
		clientRTP, clientRTP+1, util.LocalPort(c.rtp), util.LocalPort(c.rtcp))
}

func (c *fakeCamera) readRTCP(t *testing.T, timeout time.Duration) ([]byte, *net.UDPAddr) {
	buf := make([]byte, 1500)
	require.NoError(t, c.rtcp.SetReadDeadline(time.Now().Add(timeout)))
	n, addr, err := c.rtcp.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], addr
}

func (c *fakeCamera) expectSilence(t *testing.T, timeout time.Duration) {
	buf := make([]byte, 1500)
	require.NoError(t, c.rtcp.SetReadDeadline(time.Now().Add(timeout)))
	_, _, err := c.rtcp.ReadFromUDP(buf)
	require.Error(t, err)
}

func rtpPacket(t *testing.T, ssrc uint32, seq uint16) []byte {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: []byte{0x65, 0x88},
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

func senderReport(t *testing.T, ssrc uint32) []byte {
	buf, err := rtcp.Marshal([]rtcp.Packet{&rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     0xe3a1b2c3d4e5f607,
		RTPTime:     90000,
		PacketCount: 1,
		OctetCount:  2,
	}})
	require.NoError(t, err)
	return buf
}

func waitPacket(t *testing.T, ch <-chan []byte) []byte {
	select {
	case pkt := <-ch:
		return pkt
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no packet delivered")
		return nil
	}
}

func newTestChannel(t *testing.T, transport func(rtpPort int) string, policy model.ReportPolicy) (*TrackChannel, chan []byte, chan []byte) {
	rtpConn, err := util.ReserveRTPPort("127.0.0.1")
	require.NoError(t, err)

	rtpOut := make(chan []byte, 16)
	rtcpOut := make(chan []byte, 16)

	ch, err := NewTrackChannel(TrackConfig{
		Name:      "trackID=0",
		RTPConn:   rtpConn,
		CameraIP:  net.IPv4(127, 0, 0, 1),
		Transport: transport(util.LocalPort(rtpConn)),
		Session:   rtcpsession.New(rtcpsession.UsePolicy(policy)),
		OnRTP:     func(pkt []byte) { rtpOut <- pkt },
		OnRTCP:    func(pkt []byte) { rtcpOut <- pkt },
	})
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch, rtpOut, rtcpOut
}

func TestTrackChannelPunchAndReport(t *testing.T) {
	cam := newFakeCamera(t)
	ch, rtpOut, rtcpOut := newTestChannel(t, cam.transport, model.Loose)
	require.True(t, ch.HasRTCP())

	rtpPort, rtcpPort := ch.LocalPorts()
	assert.Equal(t, rtpPort+1, rtcpPort)

	require.NoError(t, ch.Start())
	require.NoError(t, ch.Start())

	// exactly one punch, from the RTCP port
	punch, from := cam.readRTCP(t, 2*time.Second)
	assert.Equal(t, []byte{0}, punch)
	assert.Equal(t, rtcpPort, from.Port)
	cam.expectSilence(t, 100*time.Millisecond)

	relayRTP := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtpPort}
	relayRTCP := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtcpPort}

	_, err := cam.rtp.WriteToUDP(rtpPacket(t, 0x1234, 100), relayRTP)
	require.NoError(t, err)
	assert.Len(t, waitPacket(t, rtpOut), 14)

	sr := senderReport(t, 0x1234)
	_, err = cam.rtcp.WriteToUDP(sr, relayRTCP)
	require.NoError(t, err)
	assert.Equal(t, sr, waitPacket(t, rtcpOut))

	buf, from := cam.readRTCP(t, 2*time.Second)
	assert.Equal(t, rtcpPort, from.Port)
	assert.Equal(t, byte(201), buf[1])

	pkts, err := rtcp.Unmarshal(buf)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint32(0x1234), rr.Reports[0].SSRC)
	assert.Equal(t, uint32(0xb2c3d4e5), rr.Reports[0].LastSenderReport)
	// the first packet only seeds the validator
	assert.Equal(t, uint32(99), rr.Reports[0].LastSequenceNumber)
}

func TestTrackChannelIgnoresRTCPFromOtherHosts(t *testing.T) {
	stranger, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2)})
	if err != nil {
		t.Skipf("no second loopback address: %s", err)
	}
	defer stranger.Close()

	cam := newFakeCamera(t)
	ch, rtpOut, rtcpOut := newTestChannel(t, cam.transport, model.Loose)
	require.NoError(t, ch.Start())
	cam.readRTCP(t, 2*time.Second)

	rtpPort, rtcpPort := ch.LocalPorts()
	_, err = cam.rtp.WriteToUDP(rtpPacket(t, 1, 1), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtpPort})
	require.NoError(t, err)
	waitPacket(t, rtpOut)

	relayRTCP := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtcpPort}
	_, err = stranger.WriteToUDP(senderReport(t, 1), relayRTCP)
	require.NoError(t, err)

	cam.expectSilence(t, 200*time.Millisecond)
	assert.Empty(t, rtcpOut)
	assert.False(t, ch.Session().HasSenderReport())

	// the camera itself is still answered
	_, err = cam.rtcp.WriteToUDP(senderReport(t, 1), relayRTCP)
	require.NoError(t, err)
	waitPacket(t, rtcpOut)
	buf, _ := cam.readRTCP(t, 2*time.Second)
	assert.Equal(t, byte(201), buf[1])
}

func TestTrackChannelMalformedRTCPSkipsCycle(t *testing.T) {
	cam := newFakeCamera(t)
	ch, rtpOut, _ := newTestChannel(t, cam.transport, model.Loose)
	require.NoError(t, ch.Start())
	cam.readRTCP(t, 2*time.Second)

	rtpPort, rtcpPort := ch.LocalPorts()
	_, err := cam.rtp.WriteToUDP(rtpPacket(t, 1, 1), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtpPort})
	require.NoError(t, err)
	waitPacket(t, rtpOut)

	_, err = cam.rtcp.WriteToUDP([]byte{0x80, 0xc9}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtcpPort})
	require.NoError(t, err)
	cam.expectSilence(t, 200*time.Millisecond)
}

func TestTrackChannelStrictWaitsForRTP(t *testing.T) {
	cam := newFakeCamera(t)
	ch, _, rtcpOut := newTestChannel(t, cam.transport, model.Strict)
	require.NoError(t, ch.Start())
	cam.readRTCP(t, 2*time.Second)

	_, rtcpPort := ch.LocalPorts()
	_, err := cam.rtcp.WriteToUDP(senderReport(t, 7), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtcpPort})
	require.NoError(t, err)
	waitPacket(t, rtcpOut)

	// no RTP seen yet, nothing to report
	cam.expectSilence(t, 200*time.Millisecond)
}

func TestTrackChannelWithoutServerPorts(t *testing.T) {
	transports := map[string]func(int) string{
		"missing": func(p int) string {
			return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", p, p+1)
		},
		"zero rtcp": func(p int) string {
			return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=6970-0", p, p+1)
		},
	}

	for name, transport := range transports {
		t.Run(name, func(t *testing.T) {
			sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
			require.NoError(t, err)
			defer sender.Close()

			ch, rtpOut, _ := newTestChannel(t, transport, model.Loose)
			assert.False(t, ch.HasRTCP())

			rtpPort, rtcpPort := ch.LocalPorts()
			assert.Zero(t, rtcpPort)
			require.NoError(t, ch.Start())

			_, err = sender.WriteToUDP(rtpPacket(t, 9, 10), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtpPort})
			require.NoError(t, err)
			assert.NotEmpty(t, waitPacket(t, rtpOut))
		})
	}
}

func TestTrackChannelDropsNonRTP(t *testing.T) {
	cam := newFakeCamera(t)
	ch, rtpOut, _ := newTestChannel(t, cam.transport, model.Loose)
	require.NoError(t, ch.Start())

	rtpPort, _ := ch.LocalPorts()
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: rtpPort}
	_, err := cam.rtp.WriteToUDP([]byte{0x80, 0x60}, dst)
	require.NoError(t, err)
	_, err = cam.rtp.WriteToUDP(rtpPacket(t, 3, 30), dst)
	require.NoError(t, err)

	pkt := waitPacket(t, rtpOut)
	assert.Len(t, pkt, 14)

	info, ok := ch.Session().SequenceInfo()
	require.True(t, ok)
	assert.Equal(t, uint32(3), info.SSRC)
}

func TestTrackChannelCloseIdempotent(t *testing.T) {
	cam := newFakeCamera(t)
	ch, _, _ := newTestChannel(t, cam.transport, model.Loose)
	require.NoError(t, ch.Start())

	ch.Close()
	ch.Close()
	assert.ErrorIs(t, ch.Start(), net.ErrClosed)
}
