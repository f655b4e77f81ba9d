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

package rtcpsession

const (
	// MaxDropout is the largest forward gap still treated as in-order.
	MaxDropout = 3000
	// MaxMisorder is the largest backward step treated as a reordered packet.
	MaxMisorder = 100
	// MinSequential is the number of sequential packets needed to validate a source.
	MinSequential = 2

	rtpSeqMod = 1 << 16
)

// SequenceInfo holds the RFC 3550 Appendix A.1 per-source sequence state.
type SequenceInfo struct {
	// synchronization source identifier
	SSRC uint32
	// highest seq. number seen
	MaxSeqNum uint16
	// last 'bad' seq number + 1, rtpSeqMod+1 when unset
	BadSeqNum uint32
	// shifted count of seq. number cycles
	Cycles uint32
	// sequential packets till source is valid
	Probation uint8
	// packets received
	Received uint32
}

// newSequenceInfo starts tracking a source heard for the first time.
func newSequenceInfo(ssrc uint32, seq uint16) *SequenceInfo {
	s := &SequenceInfo{SSRC: ssrc}
	s.Init(seq)
	s.MaxSeqNum = seq - 1
	s.Probation = MinSequential
	return s
}

// Init resets the bookkeeping so that seq becomes the highest sequence seen.
func (s *SequenceInfo) Init(seq uint16) {
	s.MaxSeqNum = seq
	// so seq == BadSeqNum is false
	s.BadSeqNum = rtpSeqMod + 1
	s.Cycles = 0
	s.Received = 0
}

// Update feeds one sequence number and reports whether the packet is accepted.
func (s *SequenceInfo) Update(seq uint16) bool {
	udelta := seq - s.MaxSeqNum

	// source is not valid until MinSequential packets with
	// sequential sequence numbers have been received
	if s.Probation > 0 {
		if seq == s.MaxSeqNum+1 {
			s.Probation--
			s.MaxSeqNum = seq
			if s.Probation == 0 {
				s.Init(seq)
				s.Received++
				return true
			}
		} else {
			s.Probation = MinSequential - 1
			s.MaxSeqNum = seq
		}
		return false
	}

	switch {
	case udelta < MaxDropout:
		// in order, with permissible gap
		if seq < s.MaxSeqNum {
			// sequence number wrapped, count another 64K cycle
			s.Cycles += rtpSeqMod
		}
		s.MaxSeqNum = seq
	case uint32(udelta) <= rtpSeqMod-MaxMisorder:
		// the sequence number made a very large jump
		if uint32(seq) != s.BadSeqNum {
			s.BadSeqNum = uint32(seq+1) & (rtpSeqMod - 1)
			return false
		}
		// two sequential packets, assume the other side restarted
		// without telling us so just re-sync
		s.Init(seq)
	default:
		// duplicate or reordered packet
		s.Received++
		return false
	}

	s.Received++
	return true
}

// Valid reports whether the source has left probation.
func (s *SequenceInfo) Valid() bool {
	return s.Probation == 0
}

// ExtendedHighest returns the cycle-extended highest sequence number received.
func (s *SequenceInfo) ExtendedHighest() uint32 {
	return s.Cycles + uint32(s.MaxSeqNum)
}
