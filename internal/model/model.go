package model

import (
	"fmt"
	"strings"

	"github.com/media-streaming-mesh/camera-relay/internal/util"
)

//============================================= Connection Key =======================================

type ConnectionKey struct {
	Local  string
	Remote string
	Key    string
}

func NewConnectionKey(local string, remote string) ConnectionKey {
	return ConnectionKey{
		local,
		remote,
		util.GetConnectionKey(local, remote),
	}
}

//============================================= Session State ========================================

type SessionState int32

const (
	Connecting SessionState = iota
	Describing
	SettingUpTracks
	Playing
	Closing
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Describing:
		return "Describing"
	case SettingUpTracks:
		return "SettingUpTracks"
	case Playing:
		return "Playing"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

//============================================= Report Policy ========================================

// ReportPolicy decides when a Receiver Report may be emitted.
type ReportPolicy int

const (
	// Loose emits a report once RTP has been seen, with zero LSR/DLSR until a Sender Report arrives.
	Loose ReportPolicy = iota
	// Strict emits a report only once both RTP and a Sender Report have been seen.
	Strict
)

func (p ReportPolicy) String() string {
	switch p {
	case Strict:
		return "strict"
	default:
		return "loose"
	}
}

// ParseReportPolicy maps a configuration value to a ReportPolicy.
func ParseReportPolicy(v string) (ReportPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "loose":
		return Loose, nil
	case "strict":
		return Strict, nil
	default:
		return Loose, fmt.Errorf("unknown receiver report policy '%s'", v)
	}
}

//============================================= Track ================================================

// Track is one media section announced in the upstream SDP.
type Track struct {
	// index of the media section in the SDP
	ID int
	// media type, e.g. video or audio
	Media string
	// value of the a=control attribute, possibly empty
	Control string
}

// Name returns the key used to address the track on both sides of the relay.
func (t Track) Name() string {
	if t.Control != "" {
		return t.Control
	}
	return fmt.Sprintf("trackID=%d", t.ID)
}
