/*
 * Copyright (c) 2022 Cisco and/or its affiliates.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package relay

import (
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/media-streaming-mesh/camera-relay/internal/metrics"
	"github.com/media-streaming-mesh/camera-relay/internal/rtcpsession"
	"github.com/media-streaming-mesh/camera-relay/internal/util"
)

const maxDatagram = 1 << 16

var serverPortRe = regexp.MustCompile(`server_port=([0-9]+)-([0-9]+)`)

// ParseServerPorts extracts server_port=<rtp>-<rtcp> from a Transport header.
func ParseServerPorts(transport string) (int, int, bool) {
	m := serverPortRe.FindStringSubmatch(transport)
	if m == nil {
		return 0, 0, false
	}

	rtp, err := strconv.Atoi(m[1])
	if err != nil || rtp > 65535 {
		return 0, 0, false
	}
	rtcp, err := strconv.Atoi(m[2])
	if err != nil || rtcp > 65535 {
		return 0, 0, false
	}
	return rtp, rtcp, true
}

// TrackConfig describes an upstream track whose SETUP succeeded.
type TrackConfig struct {
	Name string

	// RTPConn is the socket the camera was told to stream to. The channel owns it.
	RTPConn *net.UDPConn

	// CameraIP is where hole punches and Receiver Reports go.
	CameraIP net.IP

	// Transport is the Transport header of the SETUP response.
	Transport string

	Session *rtcpsession.Session

	// OnRTP and OnRTCP receive every accepted packet, may be nil.
	OnRTP  func(pkt []byte)
	OnRTCP func(pkt []byte)

	Logger *logrus.Logger
}

// TrackChannel owns the RTP and RTCP sockets of one track toward the camera.
type TrackChannel struct {
	name    string
	logger  *logrus.Logger
	session *rtcpsession.Session
	onRTP   func([]byte)
	onRTCP  func([]byte)

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	camera   *net.UDPAddr

	closed    atomic.Bool
	closeOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup
}

// NewTrackChannel binds the RTCP socket next to the RTP socket when the camera
// reported usable server ports. Otherwise the channel only receives RTP.
func NewTrackChannel(cfg TrackConfig) (*TrackChannel, error) {
	if cfg.RTPConn == nil {
		return nil, errors.New("track channel needs an rtp socket")
	}
	if cfg.Session == nil {
		cfg.Session = rtcpsession.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}

	c := &TrackChannel{
		name:    cfg.Name,
		logger:  cfg.Logger,
		session: cfg.Session,
		onRTP:   cfg.OnRTP,
		onRTCP:  cfg.OnRTCP,
		rtpConn: cfg.RTPConn,
	}

	_, rtcpPort, ok := ParseServerPorts(cfg.Transport)
	switch {
	case !ok:
		c.logWarn("no server_port in transport '%s', rtcp disabled", cfg.Transport)
		return c, nil
	case rtcpPort == 0:
		c.logWarn("camera reported rtcp port 0, rtcp disabled")
		return c, nil
	}

	localPort := util.LocalPort(cfg.RTPConn) + 1
	rtcpConn, err := util.ListenUDP("", localPort)
	if err != nil {
		c.logWarn("unable to bind rtcp port %d, rtcp disabled: %s", localPort, err)
		return c, nil
	}

	c.rtcpConn = rtcpConn
	c.camera = &net.UDPAddr{IP: cfg.CameraIP, Port: rtcpPort}

	c.logger.WithFields(logrus.Fields{
		"track":  c.name,
		"rtp":    util.LocalPort(cfg.RTPConn),
		"rtcp":   localPort,
		"camera": c.camera.String(),
	}).Debug("[Track] rtcp bound")
	return c, nil
}

// Name returns the track name.
func (c *TrackChannel) Name() string {
	return c.name
}

// Session returns the receiver state of the track.
func (c *TrackChannel) Session() *rtcpsession.Session {
	return c.session
}

// HasRTCP reports whether Receiver Reports are exchanged with the camera.
func (c *TrackChannel) HasRTCP() bool {
	return c.rtcpConn != nil
}

// LocalPorts returns the local RTP and RTCP ports, RTCP is 0 when disabled.
func (c *TrackChannel) LocalPorts() (int, int) {
	rtcp := 0
	if c.rtcpConn != nil {
		rtcp = util.LocalPort(c.rtcpConn)
	}
	return util.LocalPort(c.rtpConn), rtcp
}

// Start punches the camera RTCP port and starts the read loops.
func (c *TrackChannel) Start() error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	if c.rtcpConn != nil {
		if _, err := c.rtcpConn.WriteToUDP([]byte{0}, c.camera); err != nil {
			c.logWarn("hole punch to %s failed: %s", c.camera, err)
		} else {
			metrics.PunchSent()
			c.log("hole punch sent to %s", c.camera)
		}

		c.wg.Add(1)
		go c.readRTCP()
	}

	c.wg.Add(1)
	go c.readRTP()
	return nil
}

func (c *TrackChannel) readRTP() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := c.rtpConn.ReadFromUDP(buf)
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, net.ErrClosed) {
				c.logError("rtp read: %s", err)
			}
			return
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		accepted, err := c.session.OnRtp(pkt)
		if err != nil {
			metrics.RTPRejected()
			c.logger.WithField("track", c.name).Tracef("[Track] dropping non-rtp datagram: %s", err)
			continue
		}
		if !accepted {
			c.logger.WithField("track", c.name).Trace("[Track] packet not validated")
		}

		if c.onRTP != nil {
			c.onRTP(pkt)
			metrics.RTPForwarded()
		}
	}
}

func (c *TrackChannel) readRTCP() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := c.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, net.ErrClosed) {
				c.logError("rtcp read: %s", err)
			}
			return
		}
		if !addr.IP.Equal(c.camera.IP) {
			c.logger.WithField("track", c.name).Tracef("[Track] dropping rtcp from %s", addr)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.handleRTCP(pkt)
	}
}

// handleRTCP answers one Sender Report with one Receiver Report.
func (c *TrackChannel) handleRTCP(pkt []byte) {
	if err := c.session.OnSenderReport(pkt); err != nil {
		metrics.MalformedRTCP()
		c.logWarn("skipping rtcp datagram: %s", err)
		return
	}
	metrics.SenderReportReceived()
	c.log("received sender report")

	if c.onRTCP != nil {
		c.onRTCP(pkt)
	}

	rr, ok, err := c.session.MarshalReceiverReport()
	if err != nil {
		c.logError("receiver report: %s", err)
		return
	}
	if !ok {
		c.log("no receiver report yet")
		return
	}

	if c.closed.Load() {
		return
	}
	if _, err := c.rtcpConn.WriteToUDP(rr, c.camera); err != nil {
		if !c.closed.Load() {
			c.logWarn("receiver report to %s failed: %s", c.camera, err)
		}
		return
	}
	metrics.ReceiverReportSent()
	c.log("sent receiver report")
}

// Close closes both sockets and waits for the read loops; safe to call more than once.
func (c *TrackChannel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		util.CloseQuiet(c.rtpConn)
		util.CloseQuiet(c.rtcpConn)
		c.wg.Wait()
		c.log("closed")
	})
}

func (c *TrackChannel) log(format string, args ...interface{}) {
	c.logger.WithField("track", c.name).Debugf("[Track] "+format, args...)
}

func (c *TrackChannel) logWarn(format string, args ...interface{}) {
	c.logger.WithField("track", c.name).Warnf("[Track] "+format, args...)
}

func (c *TrackChannel) logError(format string, args ...interface{}) {
	c.logger.WithField("track", c.name).Errorf("[Track] "+format, args...)
}
