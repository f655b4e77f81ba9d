package rtsp

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/aler9/gortsplib/pkg/headers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
	"github.com/media-streaming-mesh/camera-relay/internal/util"
)

var (
	// ErrPlaybackAborted is returned by HandlePlayback when the client leaves before PLAY.
	ErrPlaybackAborted = errors.New("downstream client did not play")

	// ErrUnknownTrack is returned by SendTrack for a track the client did not set up.
	ErrUnknownTrack = errors.New("track not set up by downstream client")
)

// ServerTrack is a track set up by the downstream client.
type ServerTrack struct {
	Track    model.Track
	Protocol headers.TransportProtocol

	// TCP
	interleaved [2]int

	// UDP
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	rtpDst   *net.UDPAddr
	rtcpDst  *net.UDPAddr
}

// ServerConn answers one downstream RTSP client with the SDP of the camera
// and delivers the camera's packets on the transport the client set up.
type ServerConn struct {
	logger  *logrus.Logger
	timeout time.Duration

	conn net.Conn
	br   *bufio.Reader
	// guards bw and fb, responses and interleaved frames share it
	wmu sync.Mutex
	bw  *bufio.Writer
	fb  bytes.Buffer

	sdp    []byte
	tracks []model.Track

	session string
	// guards setupTracks once playing
	mu          sync.RWMutex
	setupTracks map[string]*ServerTrack
	playing     bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewServerConn builds the server context of an accepted connection.
func NewServerConn(conn net.Conn, sdp []byte, tracks []model.Track, opts ...Option) *ServerConn {
	cfg := newOptions(opts)

	return &ServerConn{
		logger:      cfg.Logger,
		timeout:     cfg.Timeout,
		conn:        conn,
		br:          bufio.NewReaderSize(conn, 4096),
		bw:          bufio.NewWriterSize(conn, 4096),
		sdp:         sdp,
		tracks:      tracks,
		setupTracks: make(map[string]*ServerTrack),
	}
}

// SetupTracks returns the tracks the client set up, keyed by track name.
func (s *ServerConn) SetupTracks() map[string]*ServerTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make(map[string]*ServerTrack, len(s.setupTracks))
	for k, v := range s.setupTracks {
		res[k] = v
	}
	return res
}

// HandlePlayback answers requests until the client sends PLAY.
// It returns ErrPlaybackAborted on TEARDOWN before PLAY.
func (s *ServerConn) HandlePlayback() error {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		req, err := readRequest(s.br)
		if err != nil {
			return errors.Wrap(err, "read downstream request")
		}

		res, state := s.handleRequest(req)
		if err := s.writeResponse(res); err != nil {
			return errors.Wrap(err, "write downstream response")
		}

		switch state {
		case statePlay:
			s.conn.SetReadDeadline(time.Time{})
			return nil
		case stateTeardown:
			return ErrPlaybackAborted
		}
	}
}

// Serve keeps answering keepalive requests after PLAY. It returns nil on
// TEARDOWN or when the client disconnects.
func (s *ServerConn) Serve() error {
	for {
		req, err := readRequest(s.br)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) || isEOF(err) {
				return nil
			}
			return errors.Wrap(err, "read downstream request")
		}

		res, state := s.handleRequest(req)
		if err := s.writeResponse(res); err != nil {
			return errors.Wrap(err, "write downstream response")
		}
		if state == stateTeardown {
			return nil
		}
	}
}

// SendTrack delivers one RTP or RTCP packet of a track to the client.
func (s *ServerConn) SendTrack(name string, packet []byte, isRTCP bool) error {
	s.mu.RLock()
	st, ok := s.setupTracks[name]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownTrack
	}

	if st.Protocol == headers.TransportProtocolTCP {
		ch := st.interleaved[0]
		if isRTCP {
			ch = st.interleaved[1]
		}

		s.wmu.Lock()
		defer s.wmu.Unlock()
		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		return writeInterleaved(s.bw, &s.fb, ch, packet)
	}

	if isRTCP {
		_, err := st.rtcpConn.WriteToUDP(packet, st.rtcpDst)
		return err
	}
	_, err := st.rtpConn.WriteToUDP(packet, st.rtpDst)
	return err
}

// Close releases the client connection and every UDP socket bound for it.
func (s *ServerConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		for _, st := range s.setupTracks {
			util.CloseQuiet(st.rtpConn)
			util.CloseQuiet(st.rtcpConn)
		}
		s.mu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *ServerConn) writeResponse(res *base.Response) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return writeResponse(s.bw, res)
}

func newSessionID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(b)), 10), nil
}

func (s *ServerConn) log(format string, args ...interface{}) {
	s.logger.Debugf("[RTSP] "+format, args...)
}

func (s *ServerConn) logError(format string, args ...interface{}) {
	s.logger.Errorf("[RTSP] "+format, args...)
}
