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

import (
	"math"
	"time"

	"github.com/pion/rtcp"
)

// SenderReport is the part of an RTCP Sender Report kept for building reports.
type SenderReport struct {
	SSRC        uint32
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// LastSenderReport returns the middle 32 bits of the 64-bit NTP timestamp.
func (sr *SenderReport) LastSenderReport() uint32 {
	return uint32(sr.NTPTime >> 16)
}

// maxDelay is the largest delay representable in the 32-bit DLSR field.
const maxDelay = 65536 * time.Second

// delaySinceLastSR converts elapsed time into units of 1/65536 seconds.
func delaySinceLastSR(elapsed time.Duration) uint32 {
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= maxDelay {
		return math.MaxUint32
	}
	return uint32(uint64(elapsed.Microseconds()) * 65536 / 1000000)
}

//	       0                   1                   2                   3
//	       0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	header |V=2|P|    RC   |   PT=RR=201   |             length            |
//	      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	      |                     SSRC of packet sender                     |
//	      +=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
//	report |                 SSRC_1 (SSRC of first source)                 |
//	block  +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	  1    | fraction lost |       cumulative number of packets lost       |
//	      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	      |           extended highest sequence number received           |
//	      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	      |                      interarrival jitter                      |
//	      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	      |                         last SR (LSR)                         |
//	      +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	      |                   delay since last SR (DLSR)                  |
//	      +=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
//
// buildReceiverReport fills one report block. Loss and jitter are always zero;
// LSR and DLSR are zero when no Sender Report has been received.
func buildReceiverReport(info *SequenceInfo, sr *SenderReport, srAt, now time.Time) *rtcp.ReceiverReport {
	block := rtcp.ReceptionReport{
		SSRC:               info.SSRC,
		LastSequenceNumber: info.ExtendedHighest(),
	}
	if sr != nil {
		block.LastSenderReport = sr.LastSenderReport()
		block.Delay = delaySinceLastSR(now.Sub(srAt))
	}

	// the relay is not a media sender, so the packet sender SSRC is 0
	return &rtcp.ReceiverReport{
		SSRC:    0,
		Reports: []rtcp.ReceptionReport{block},
	}
}
