/*
* Copyright (c) 2022-2022 Cisco and/or its affiliates.
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
	"fmt"
	"net"
	"strings"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/aler9/gortsplib/pkg/headers"
	"github.com/sirupsen/logrus"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
	"github.com/media-streaming-mesh/camera-relay/internal/util"
)

// called after receiving an OPTIONS request.
func (s *ServerConn) OnOptions(req *base.Request) *base.Response {
	s.log("[c->s] %s %s", req.Method, urlString(req.URL))

	methods := []string{
		string(base.Describe),
		string(base.Setup),
		string(base.Play),
		string(base.Teardown),
		string(base.GetParameter),
		string(base.SetParameter),
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Public": base.HeaderValue{strings.Join(methods, ", ")},
		},
	}
}

// called after receiving a DESCRIBE request.
func (s *ServerConn) OnDescribe(req *base.Request) *base.Response {
	s.log("[c->s] %s %s", req.Method, urlString(req.URL))

	contentBase := urlString(req.URL)
	if !strings.HasSuffix(contentBase, "/") {
		contentBase += "/"
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Content-Base": base.HeaderValue{contentBase},
			"Content-Type": base.HeaderValue{"application/sdp"},
		},
		Body: s.sdp,
	}
}

// called after receiving a SETUP request.
func (s *ServerConn) OnSetup(req *base.Request, sxID string) *base.Response {
	s.log("[c->s] %s %s", req.Method, urlString(req.URL))

	if sxID != "" && sxID != s.session {
		return &base.Response{StatusCode: base.StatusSessionNotFound}
	}

	s.mu.RLock()
	playing := s.playing
	n := len(s.setupTracks)
	s.mu.RUnlock()
	if playing {
		return &base.Response{StatusCode: statusMethodNotValidInThisState}
	}

	track, ok := s.findTrack(req.URL)
	if !ok {
		s.logError("no track for %s", urlString(req.URL))
		return &base.Response{StatusCode: base.StatusNotFound}
	}

	var th headers.Transport
	if err := th.Read(req.Header["Transport"]); err != nil {
		s.logError("invalid transport header: %s", err)
		return &base.Response{StatusCode: base.StatusBadRequest}
	}
	if th.Delivery != nil && *th.Delivery == headers.TransportDeliveryMulticast {
		return &base.Response{StatusCode: base.StatusUnsupportedTransport}
	}

	st := &ServerTrack{
		Track:    track,
		Protocol: th.Protocol,
	}
	delivery := headers.TransportDeliveryUnicast
	resTh := headers.Transport{
		Protocol: th.Protocol,
		Delivery: &delivery,
	}

	switch th.Protocol {
	case headers.TransportProtocolTCP:
		st.interleaved = [2]int{2 * n, 2*n + 1}
		if th.InterleavedIDs != nil {
			st.interleaved = *th.InterleavedIDs
		}
		resTh.InterleavedIDs = &st.interleaved

	default:
		if th.ClientPorts == nil {
			s.logError("udp setup without client_port")
			return &base.Response{StatusCode: base.StatusUnsupportedTransport}
		}

		rtpConn, rtcpConn, err := util.ListenUDPPair(hostOf(s.conn.LocalAddr()))
		if err != nil {
			s.logError("unable to bind downstream udp pair: %s", err)
			return &base.Response{StatusCode: base.StatusInternalServerError}
		}

		ip := net.ParseIP(hostOf(s.conn.RemoteAddr()))
		st.rtpConn = rtpConn
		st.rtcpConn = rtcpConn
		st.rtpDst = &net.UDPAddr{IP: ip, Port: th.ClientPorts[0]}
		st.rtcpDst = &net.UDPAddr{IP: ip, Port: th.ClientPorts[1]}

		resTh.ClientPorts = th.ClientPorts
		resTh.ServerPorts = &[2]int{util.LocalPort(rtpConn), util.LocalPort(rtcpConn)}
	}

	if s.session == "" {
		id, err := newSessionID()
		if err != nil {
			util.CloseQuiet(st.rtpConn)
			util.CloseQuiet(st.rtcpConn)
			return &base.Response{StatusCode: base.StatusInternalServerError}
		}
		s.session = id
	}

	s.mu.Lock()
	if old, ok := s.setupTracks[track.Name()]; ok {
		util.CloseQuiet(old.rtpConn)
		util.CloseQuiet(old.rtcpConn)
	}
	s.setupTracks[track.Name()] = st
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"track":     track.Name(),
		"transport": resTh.Write(),
	}).Info("[RTSP] downstream track set up")

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Transport": resTh.Write(),
			"Session":   base.HeaderValue{fmt.Sprintf("%s;timeout=%d", s.session, serverSessionExpiry)},
		},
	}
}

// called after receiving a PLAY request.
func (s *ServerConn) OnPlay(req *base.Request) (*base.Response, requestState) {
	s.log("[c->s] %s %s", req.Method, urlString(req.URL))

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.setupTracks) == 0 {
		return &base.Response{StatusCode: statusMethodNotValidInThisState}, stateContinue
	}

	// PLAY while already playing is a no-op
	if s.playing {
		return &base.Response{StatusCode: base.StatusOK}, stateContinue
	}
	s.playing = true

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Range": base.HeaderValue{"npt=0.000-"},
		},
	}, statePlay
}

// called after receiving a TEARDOWN request.
func (s *ServerConn) OnTeardown(req *base.Request) (*base.Response, requestState) {
	s.log("[c->s] %s %s", req.Method, urlString(req.URL))

	return &base.Response{StatusCode: base.StatusOK}, stateTeardown
}

// called after receiving a GET_PARAMETER or SET_PARAMETER request, used as keepalive.
func (s *ServerConn) OnParameter(req *base.Request) *base.Response {
	s.log("[c->s] %s %s", req.Method, urlString(req.URL))

	return &base.Response{StatusCode: base.StatusOK}
}

func (s *ServerConn) findTrack(u *base.URL) (model.Track, bool) {
	for _, t := range s.tracks {
		if matchesTrack(u, t) {
			return t, true
		}
	}
	if len(s.tracks) == 1 {
		return s.tracks[0], true
	}
	return model.Track{}, false
}

func hostOf(addr net.Addr) string {
	return util.GetRemoteIPv4Address(addr.String())
}
