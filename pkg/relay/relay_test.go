package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/aler9/gortsplib/pkg/headers"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
	"github.com/media-streaming-mesh/camera-relay/internal/rtm/rtsp/rtsptest"
)

type frame struct {
	channel int
	payload []byte
}

// viewer is a downstream RTSP client receiving over TCP interleaved channels.
type viewer struct {
	t       *testing.T
	conn    net.Conn
	br      *bufio.Reader
	cseq    int
	base    string
	session string
	frames  []frame
}

func newViewer(t *testing.T, port int) *viewer {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &viewer{
		t:    t,
		conn: conn,
		br:   bufio.NewReader(conn),
		base: fmt.Sprintf("rtsp://127.0.0.1:%d/", port),
	}
}

func (v *viewer) do(method, path string, extra ...string) *base.Response {
	v.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s%s RTSP/1.0\r\nCSeq: %d\r\n", method, v.base, path, v.cseq)
	if v.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", v.session)
	}
	for _, h := range extra {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(v.conn, b.String())
	require.NoError(v.t, err)

	for {
		v.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		next, err := v.br.Peek(1)
		require.NoError(v.t, err)
		if next[0] == '$' {
			v.frames = append(v.frames, v.readFrame())
			continue
		}

		var res base.Response
		require.NoError(v.t, res.Read(v.br))
		return &res
	}
}

func (v *viewer) readFrame() frame {
	v.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f base.InterleavedFrame
	require.NoError(v.t, f.Read(65535, v.br))
	return frame{channel: f.Channel, payload: f.Payload}
}

// nextFrame returns buffered frames first.
func (v *viewer) nextFrame() frame {
	if len(v.frames) > 0 {
		f := v.frames[0]
		v.frames = v.frames[1:]
		return f
	}
	return v.readFrame()
}

func (v *viewer) play(t *testing.T, sdp string) {
	res := v.do("OPTIONS", "")
	require.Equal(t, base.StatusOK, res.StatusCode)

	res = v.do("DESCRIBE", "", "Accept: application/sdp")
	require.Equal(t, base.StatusOK, res.StatusCode)
	assert.Equal(t, sdp, string(res.Body))

	res = v.do("SETUP", "trackID=0", "Transport: RTP/AVP/TCP;unicast;interleaved=0-1")
	require.Equal(t, base.StatusOK, res.StatusCode)
	var sx headers.Session
	require.NoError(t, sx.Read(res.Header["Session"]))
	v.session = sx.Session

	res = v.do("PLAY", "")
	require.Equal(t, base.StatusOK, res.StatusCode)
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "condition not met")
}

func startRelay(t *testing.T, cam *rtsptest.Camera, opts ...Option) (*Server, int) {
	opts = append([]Option{UseTimeout(2 * time.Second)}, opts...)
	srv, port, err := ProxyUDPWithRTCP(cam.URL(), opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, port
}

func TestRelayEndToEnd(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDP)
	require.NoError(t, err)
	defer cam.Close()

	srv, port := startRelay(t, cam)
	assert.True(t, srv.Serving())

	v := newViewer(t, port)
	v.play(t, rtsptest.SDP)

	tracks, err := cam.WaitTracks(1, 3*time.Second)
	require.NoError(t, err)
	track := tracks[0]
	assert.Equal(t, "trackID=0", track.Path)

	_, err = cam.WaitRequest(base.Play, 3*time.Second)
	require.NoError(t, err)

	// the hole punch comes from the port the camera was told about
	punch, from, err := track.ReadRTCP(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, punch)
	assert.Equal(t, track.ClientRTCP.Port, from.Port)

	pkt := rtpPacket(t, 0xcafe, 500)
	require.NoError(t, track.SendRTP(pkt))

	f := v.nextFrame()
	assert.Equal(t, 0, f.channel)
	assert.Equal(t, pkt, f.payload)

	sr := senderReport(t, 0xcafe)
	require.NoError(t, track.SendRTCP(sr))

	f = v.nextFrame()
	assert.Equal(t, 1, f.channel)
	assert.Equal(t, sr, f.payload)

	buf, from, err := track.ReadRTCP(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, track.ClientRTCP.Port, from.Port)
	pkts, err := rtcp.Unmarshal(buf)
	require.NoError(t, err)
	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0xcafe), rr.Reports[0].SSRC)

	assert.Equal(t, 1, srv.Sessions())

	res := v.do("TEARDOWN", "")
	assert.Equal(t, base.StatusOK, res.StatusCode)

	_, err = cam.WaitRequest(base.Teardown, 3*time.Second)
	require.NoError(t, err)
	waitFor(t, func() bool { return srv.Sessions() == 0 })
}

func TestRelayOnlyForwardsSetupTracks(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDPTwoTracks)
	require.NoError(t, err)
	defer cam.Close()

	_, port := startRelay(t, cam, UseReportPolicy(model.Strict))

	v := newViewer(t, port)
	v.play(t, rtsptest.SDPTwoTracks)

	// both camera tracks are set up even though the viewer only asked for video
	tracks, err := cam.WaitTracks(2, 3*time.Second)
	require.NoError(t, err)
	_, err = cam.WaitRequest(base.Play, 3*time.Second)
	require.NoError(t, err)

	var video, audio *rtsptest.Track
	for _, tr := range tracks {
		switch tr.Path {
		case "trackID=0":
			video = tr
		case "trackID=1":
			audio = tr
		}
	}
	require.NotNil(t, video)
	require.NotNil(t, audio)

	// give both read loops time to start
	_, _, err = audio.ReadRTCP(3 * time.Second)
	require.NoError(t, err)
	_, _, err = video.ReadRTCP(3 * time.Second)
	require.NoError(t, err)

	require.NoError(t, audio.SendRTP(rtpPacket(t, 2, 1)))
	videoPkt := rtpPacket(t, 1, 1)
	require.NoError(t, video.SendRTP(videoPkt))

	f := v.nextFrame()
	assert.Equal(t, 0, f.channel)
	assert.Equal(t, videoPkt, f.payload)

	// audio is not forwarded but still answered toward the camera
	require.NoError(t, audio.SendRTCP(senderReport(t, 2)))
	buf, _, err := audio.ReadRTCP(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(201), buf[1])
}

func TestRelayCameraPlayFailure(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDP, rtsptest.WithPlayStatus(500))
	require.NoError(t, err)
	defer cam.Close()

	srv, port := startRelay(t, cam)

	v := newViewer(t, port)
	v.play(t, rtsptest.SDP)

	// the session is torn down, the viewer sees the connection close
	v.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = v.br.ReadByte()
	assert.Error(t, err)
	waitFor(t, func() bool { return srv.Sessions() == 0 })
}

func TestRelayTeardownBeforePlay(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDP)
	require.NoError(t, err)
	defer cam.Close()

	srv, port := startRelay(t, cam)

	v := newViewer(t, port)
	res := v.do("DESCRIBE", "")
	require.Equal(t, base.StatusOK, res.StatusCode)
	res = v.do("TEARDOWN", "")
	require.Equal(t, base.StatusOK, res.StatusCode)

	waitFor(t, func() bool { return srv.Sessions() == 0 })
	assert.Empty(t, cam.Tracks())
}

func TestRelayCloseTearsDownSessions(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDP)
	require.NoError(t, err)
	defer cam.Close()

	srv, port := startRelay(t, cam)

	v := newViewer(t, port)
	v.play(t, rtsptest.SDP)
	_, err = cam.WaitRequest(base.Play, 3*time.Second)
	require.NoError(t, err)

	srv.Close()
	srv.Close()
	assert.False(t, srv.Serving())
	assert.Zero(t, srv.Sessions())

	_, err = cam.WaitRequest(base.Teardown, 3*time.Second)
	require.NoError(t, err)

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestProxyNeedsCameraURL(t *testing.T) {
	_, _, err := ProxyUDPWithRTCP("")
	assert.Error(t, err)
}

func TestSessionTeardownIdempotent(t *testing.T) {
	cam, err := rtsptest.NewCamera(rtsptest.SDP)
	require.NoError(t, err)
	defer cam.Close()

	local, remote := net.Pipe()
	defer remote.Close()

	s := NewSession(local, UseCameraURL(cam.URL()), UseTimeout(time.Second))
	assert.Equal(t, model.Connecting, s.State())

	s.Teardown()
	s.Teardown()
	assert.Equal(t, model.Closed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}

	// a torn down session refuses to run
	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, model.Closed, s.State())
}
