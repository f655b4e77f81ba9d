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

package rtsp

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/aler9/gortsplib/pkg/headers"
	"github.com/aler9/gortsplib/pkg/liberrors"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
)

const defaultRTSPPort = "554"

// Client plays one camera stream over UDP.
//
// Requests before PLAY are synchronous. After PLAY the connection belongs to
// ReadLoop and only fire-and-forget requests (keepalive, TEARDOWN) are written.
type Client struct {
	logger    *logrus.Logger
	timeout   time.Duration
	userAgent string

	url  *base.URL
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	// guards the writer and the fields below
	mu        sync.Mutex
	cseq      int
	session   string
	keepalive time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens the TCP connection to the camera. No request is sent.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	cfg := newOptions(opts)

	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid camera url '%s'", rawURL)
	}

	uu := (*url.URL)(u)
	host := uu.Host
	if uu.Port() == "" {
		host = net.JoinHostPort(uu.Hostname(), defaultRTSPPort)
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, errors.Wrapf(err, "dial camera %s", host)
	}

	return &Client{
		logger:    cfg.Logger,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		url:       u,
		conn:      conn,
		br:        bufio.NewReaderSize(conn, 4096),
		bw:        bufio.NewWriterSize(conn, 4096),
		done:      make(chan struct{}),
	}, nil
}

// URL returns the camera URL.
func (c *Client) URL() *base.URL {
	return c.url
}

// RemoteIP is the camera address RTP and RTCP are exchanged with.
func (c *Client) RemoteIP() net.IP {
	if a, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return net.ParseIP((*url.URL)(c.url).Hostname())
}

// Session returns the session id assigned by the camera, if any.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) prepare(req *base.Request) {
	if req.Header == nil {
		req.Header = base.Header{}
	}

	c.cseq++
	req.Header["CSeq"] = base.HeaderValue{strconv.Itoa(c.cseq)}
	req.Header["User-Agent"] = base.HeaderValue{c.userAgent}
	if c.session != "" {
		req.Header["Session"] = base.HeaderValue{c.session}
	}
}

func (c *Client) do(req *base.Request) (*base.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prepare(req)
	c.log("[c->s] %s %s", req.Method, urlString(req.URL))

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := writeRequest(c.bw, req); err != nil {
		return nil, errors.Wrapf(err, "write %s", req.Method)
	}

	res, err := readResponse(c.br)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", req.Method)
	}
	c.log("[s->c] %s %d %s", req.Method, res.StatusCode, res.StatusMessage)

	if v, ok := res.Header["Session"]; ok {
		var sx headers.Session
		if err := sx.Read(v); err != nil {
			c.logWarn("ignoring invalid session header %v: %s", v, err)
		} else {
			c.session = sx.Session
			if sx.Timeout != nil && *sx.Timeout > 0 {
				c.keepalive = time.Duration(*sx.Timeout) * time.Second / 2
			}
		}
	}

	if res.StatusCode != base.StatusOK {
		return res, liberrors.ErrClientBadStatusCode{Code: res.StatusCode, Message: res.StatusMessage}
	}
	return res, nil
}

// send writes a request without waiting for the response.
func (c *Client) send(req *base.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prepare(req)
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	return writeRequest(c.bw, req)
}

// Options sends OPTIONS to the camera.
func (c *Client) Options() (*base.Response, error) {
	return c.do(&base.Request{
		Method: base.Options,
		URL:    c.url,
	})
}

// Describe fetches the SDP of the stream and resolves its base URL.
func (c *Client) Describe() (*Description, error) {
	res, err := c.do(&base.Request{
		Method: base.Describe,
		URL:    c.url,
		Header: base.Header{
			"Accept": base.HeaderValue{"application/sdp"},
		},
	})
	if err != nil {
		return nil, err
	}

	tracks, err := ParseTracks(res.Body)
	if err != nil {
		return nil, err
	}

	baseURL := c.url
	for _, key := range []string{"Content-Base", "Content-Location"} {
		v, ok := res.Header[key]
		if !ok || len(v) != 1 {
			continue
		}
		u, err := base.ParseURL(v[0])
		if err != nil {
			c.logWarn("ignoring invalid %s '%s'", key, v[0])
			continue
		}
		baseURL = u
		break
	}

	return &Description{
		SDP:     res.Body,
		BaseURL: baseURL,
		Tracks:  tracks,
	}, nil
}

// Setup asks the camera to stream a track to rtpPort and rtpPort+1.
func (c *Client) Setup(baseURL *base.URL, t model.Track, rtpPort int) (*base.Response, error) {
	u, err := TrackURL(baseURL, t)
	if err != nil {
		return nil, errors.Wrapf(err, "track %s", t.Name())
	}

	delivery := headers.TransportDeliveryUnicast
	mode := headers.TransportModePlay
	th := headers.Transport{
		Protocol:    headers.TransportProtocolUDP,
		Delivery:    &delivery,
		Mode:        &mode,
		ClientPorts: &[2]int{rtpPort, rtpPort + 1},
	}

	return c.do(&base.Request{
		Method: base.Setup,
		URL:    u,
		Header: base.Header{
			"Transport": th.Write(),
		},
	})
}

// Play starts the stream and, when the camera announced a session timeout,
// keeps the session alive until the client is closed.
func (c *Client) Play(baseURL *base.URL) (*base.Response, error) {
	res, err := c.do(&base.Request{
		Method: base.Play,
		URL:    baseURL,
		Header: base.Header{
			"Range": base.HeaderValue{"npt=0.000-"},
		},
	})
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	period := c.keepalive
	c.mu.Unlock()

	if period > 0 {
		go c.runKeepalive(period)
	}
	return res, nil
}

func (c *Client) runKeepalive(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			err := c.send(&base.Request{
				Method: base.Options,
				URL:    c.url,
			})
			if err != nil {
				if !c.closed.Load() {
					c.logWarn("keepalive failed: %s", err)
				}
				return
			}
			c.log("keepalive sent")

		case <-c.done:
			return
		}
	}
}

// ReadLoop drains the connection after PLAY until it fails or the client is
// closed. A close by this side is not an error.
func (c *Client) ReadLoop() error {
	var frame base.InterleavedFrame
	var res base.Response

	for {
		what, err := base.ReadInterleavedFrameOrResponse(&frame, maxInterleavedLen, &res, c.br)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "camera connection")
		}

		if _, ok := what.(*base.Response); ok {
			c.log("[s->c] %d %s", res.StatusCode, res.StatusMessage)
		}
	}
}

// Teardown sends a best-effort TEARDOWN and closes the connection.
func (c *Client) Teardown() {
	if c.closed.Load() {
		return
	}
	if c.Session() != "" {
		err := c.send(&base.Request{
			Method: base.Teardown,
			URL:    c.url,
		})
		if err != nil {
			c.logWarn("teardown not delivered: %s", err)
		}
	}
	c.Close()
}

// Close closes the connection; safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) log(format string, args ...interface{}) {
	c.logger.Debugf("[RTSP] "+format, args...)
}

func (c *Client) logWarn(format string, args ...interface{}) {
	c.logger.Warnf("[RTSP] "+format, args...)
}
