// Package rtsptest provides an RTSP camera on loopback for relay tests.
package rtsptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/aler9/gortsplib/pkg/headers"
)

// SDP is a single H264 track stream.
const SDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Camera\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=0\r\n"

// SDPTwoTracks is a video and an audio track.
const SDPTwoTracks = SDP +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=rtpmap:97 MPEG4-GENERIC/16000/1\r\n" +
	"a=control:trackID=1\r\n"

// TransportFunc builds the Transport header a SETUP is answered with.
type TransportFunc func(client, server [2]int) string

// Option configures a Camera.
type Option func(*Camera)

// WithTransport overrides the SETUP Transport header.
func WithTransport(f TransportFunc) Option {
	return func(c *Camera) {
		c.transport = f
	}
}

// WithSessionTimeout announces a session timeout in seconds.
func WithSessionTimeout(sec int) Option {
	return func(c *Camera) {
		c.sessionTimeout = sec
	}
}

// WithPlayStatus answers PLAY with the given status code.
func WithPlayStatus(code int) Option {
	return func(c *Camera) {
		c.playStatus = code
	}
}

// Track is the camera side of one set up track.
type Track struct {
	Path       string
	RTP        *net.UDPConn
	RTCP       *net.UDPConn
	ClientRTP  *net.UDPAddr
	ClientRTCP *net.UDPAddr
}

// SendRTP sends a packet from the camera RTP port to the client RTP port.
func (t *Track) SendRTP(pkt []byte) error {
	_, err := t.RTP.WriteToUDP(pkt, t.ClientRTP)
	return err
}

// SendRTCP sends a packet from the camera RTCP port to the client RTCP port.
func (t *Track) SendRTCP(pkt []byte) error {
	_, err := t.RTCP.WriteToUDP(pkt, t.ClientRTCP)
	return err
}

// ReadRTCP waits for a datagram on the camera RTCP port.
func (t *Track) ReadRTCP(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, 1500)
	t.RTCP.SetReadDeadline(time.Now().Add(timeout))
	n, addr, err := t.RTCP.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// Camera answers OPTIONS, DESCRIBE, SETUP, PLAY and TEARDOWN and streams over UDP.
type Camera struct {
	ln             net.Listener
	sdp            []byte
	transport      TransportFunc
	sessionTimeout int
	playStatus     int

	// Requests receives every request the camera got, dropped when full.
	Requests chan *base.Request

	mu     sync.Mutex
	tracks []*Track
	conns  []net.Conn
	closed bool

	wg sync.WaitGroup
}

// NewCamera starts a camera on a loopback port.
func NewCamera(sdp string, opts ...Option) (*Camera, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	c := &Camera{
		ln:         ln,
		sdp:        []byte(sdp),
		playStatus: 200,
		Requests:   make(chan *base.Request, 64),
		transport: func(client, server [2]int) string {
			return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d",
				client[0], client[1], server[0], server[1])
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.accept()
	return c, nil
}

// URL is the stream URL of the camera.
func (c *Camera) URL() string {
	return "rtsp://" + c.ln.Addr().String() + "/live"
}

// Tracks returns the tracks set up so far.
func (c *Camera) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Track(nil), c.tracks...)
}

// WaitTracks waits until n tracks are set up.
func (c *Camera) WaitTracks(n int, timeout time.Duration) ([]*Track, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t := c.Tracks(); len(t) >= n {
			return t, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("%d tracks not set up within %s", n, timeout)
}

// WaitRequest waits for a request with the given method.
func (c *Camera) WaitRequest(m base.Method, timeout time.Duration) (*base.Request, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case req := <-c.Requests:
			if req.Method == m {
				return req, nil
			}
		case <-t.C:
			return nil, fmt.Errorf("no %s within %s", m, timeout)
		}
	}
}

// Close stops the camera and closes every socket it opened.
func (c *Camera) Close() {
	c.mu.Lock()
	c.closed = true
	for _, conn := range c.conns {
		conn.Close()
	}
	for _, t := range c.tracks {
		t.RTP.Close()
		t.RTCP.Close()
	}
	c.mu.Unlock()

	c.ln.Close()
	c.wg.Wait()
}

func (c *Camera) accept() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conns = append(c.conns, conn)
		c.mu.Unlock()

		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *Camera) serve(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		var req base.Request
		if err := req.Read(br); err != nil {
			return
		}

		select {
		case c.Requests <- &req:
		default:
		}

		cseq := ""
		if v, ok := req.Header["CSeq"]; ok && len(v) == 1 {
			cseq = v[0]
		}

		session := "cam12345"
		if c.sessionTimeout > 0 {
			session += ";timeout=" + strconv.Itoa(c.sessionTimeout)
		}

		var err error
		switch req.Method {
		case base.Options:
			err = writeResponse(conn, 200, cseq, [][2]string{
				{"Public", "OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN"},
			}, nil)

		case base.Describe:
			err = writeResponse(conn, 200, cseq, [][2]string{
				{"Content-Base", c.URL() + "/"},
				{"Content-Type", "application/sdp"},
			}, c.sdp)

		case base.Setup:
			var th headers.Transport
			if terr := th.Read(req.Header["Transport"]); terr != nil || th.ClientPorts == nil {
				err = writeResponse(conn, 461, cseq, nil, nil)
				break
			}

			track, terr := c.addTrack(conn, &req, *th.ClientPorts)
			if terr != nil {
				err = writeResponse(conn, 500, cseq, nil, nil)
				break
			}

			server := [2]int{
				track.RTP.LocalAddr().(*net.UDPAddr).Port,
				track.RTCP.LocalAddr().(*net.UDPAddr).Port,
			}
			err = writeResponse(conn, 200, cseq, [][2]string{
				{"Transport", c.transport(*th.ClientPorts, server)},
				{"Session", session},
			}, nil)

		case base.Play:
			err = writeResponse(conn, c.playStatus, cseq, [][2]string{
				{"Session", session},
			}, nil)

		case base.Teardown:
			writeResponse(conn, 200, cseq, nil, nil)
			return

		default:
			err = writeResponse(conn, 200, cseq, nil, nil)
		}

		if err != nil {
			return
		}
	}
}

func (c *Camera) addTrack(conn net.Conn, req *base.Request, client [2]int) (*Track, error) {
	rtp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	rtcp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		rtp.Close()
		return nil, err
	}

	ip := conn.RemoteAddr().(*net.TCPAddr).IP
	u := (*url.URL)(req.URL).String()
	t := &Track{
		Path:       u[strings.LastIndex(u, "/")+1:],
		RTP:        rtp,
		RTCP:       rtcp,
		ClientRTP:  &net.UDPAddr{IP: ip, Port: client[0]},
		ClientRTCP: &net.UDPAddr{IP: ip, Port: client[1]},
	}

	c.mu.Lock()
	c.tracks = append(c.tracks, t)
	c.mu.Unlock()
	return t, nil
}

func writeResponse(w io.Writer, code int, cseq string, hdr [][2]string, body []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %d %s\r\n", code, statusText(code))
	if cseq != "" {
		fmt.Fprintf(&b, "CSeq: %s\r\n", cseq)
	}
	for _, h := range hdr {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.Write(body)

	_, err := io.WriteString(w, b.String())
	return err
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 454:
		return "Session Not Found"
	case 461:
		return "Unsupported Transport"
	case 500:
		return "Internal Server Error"
	default:
		return "Error"
	}
}
