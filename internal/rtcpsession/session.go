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

// Package rtcpsession keeps the per-track receiver state needed to answer
// RTCP Sender Reports with Receiver Reports.
package rtcpsession

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
)

// ErrNoSenderReport is returned when an RTCP compound packet carries no Sender Report.
var ErrNoSenderReport = errors.New("no sender report in rtcp packet")

// Session owns the sequence state and the last Sender Report of one media track.
//
// OnRtp and OnSenderReport are called from the RTP and RTCP read loops of the
// same track, so the state is guarded by a mutex.
type Session struct {
	mu sync.Mutex

	policy model.ReportPolicy
	now    func() time.Time

	seqInfo    *SequenceInfo
	lastSR     *SenderReport
	lastSRTime time.Time
}

// Option configures a Session.
type Option func(*Session)

// UsePolicy sets when a Receiver Report may be built.
func UsePolicy(p model.ReportPolicy) Option {
	return func(s *Session) {
		s.policy = p
	}
}

// UseClock replaces the monotonic clock used for DLSR.
func UseClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func New(opts ...Option) *Session {
	s := &Session{
		policy: model.Loose,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P|X|  CC   |M|     PT      |       sequence number         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           timestamp                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           synchronization source (SSRC) identifier            |
//	+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
//
// OnRtp feeds the fixed header of one RTP packet to the sequence validator and
// reports whether the packet was accepted.
func (s *Session) OnRtp(packet []byte) (bool, error) {
	var h rtp.Header
	if _, err := h.Unmarshal(packet); err != nil {
		return false, errors.Wrap(err, "rtp header")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// a new SSRC is a new source, its first packet only seeds the validator
	if s.seqInfo == nil || s.seqInfo.SSRC != h.SSRC {
		s.seqInfo = newSequenceInfo(h.SSRC, h.SequenceNumber)
		return false, nil
	}
	return s.seqInfo.Update(h.SequenceNumber), nil
}

// OnSenderReport parses an RTCP compound packet and keeps its Sender Report.
func (s *Session) OnSenderReport(packet []byte) error {
	pkts, err := rtcp.Unmarshal(packet)
	if err != nil {
		return errors.Wrap(err, "rtcp compound")
	}

	for _, pkt := range pkts {
		sr, ok := pkt.(*rtcp.SenderReport)
		if !ok {
			continue
		}

		s.mu.Lock()
		s.lastSR = &SenderReport{
			SSRC:        sr.SSRC,
			NTPTime:     sr.NTPTime,
			RTPTime:     sr.RTPTime,
			PacketCount: sr.PacketCount,
			OctetCount:  sr.OctetCount,
		}
		s.lastSRTime = s.now()
		s.mu.Unlock()
		return nil
	}

	return ErrNoSenderReport
}

// BuildReceiverReport returns a report for the track, or false when the
// session is not ready to report under its policy.
func (s *Session) BuildReceiverReport() (*rtcp.ReceiverReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// we haven't seen any data yet
	if s.seqInfo == nil {
		return nil, false
	}
	if s.lastSR == nil && s.policy == model.Strict {
		return nil, false
	}

	return buildReceiverReport(s.seqInfo, s.lastSR, s.lastSRTime, s.now()), true
}

// MarshalReceiverReport builds and serializes a report.
func (s *Session) MarshalReceiverReport() ([]byte, bool, error) {
	rr, ok := s.BuildReceiverReport()
	if !ok {
		return nil, false, nil
	}
	buf, err := rr.Marshal()
	if err != nil {
		return nil, false, errors.Wrap(err, "receiver report")
	}
	return buf, true, nil
}

// SequenceInfo returns a copy of the current sequence state, if any.
func (s *Session) SequenceInfo() (SequenceInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seqInfo == nil {
		return SequenceInfo{}, false
	}
	return *s.seqInfo, true
}

// HasSenderReport reports whether a Sender Report has been received.
func (s *Session) HasSenderReport() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSR != nil
}
