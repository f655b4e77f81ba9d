package rtsp

import (
	"net/url"
	"strings"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/media-streaming-mesh/camera-relay/internal/model"
)

// Description is the outcome of an upstream DESCRIBE.
type Description struct {
	// SDP is the body exactly as the camera sent it.
	SDP []byte
	// BaseURL is what track controls resolve against.
	BaseURL *base.URL
	Tracks  []model.Track
}

// ParseTracks enumerates the media sections of an SDP body.
func ParseTracks(raw []byte) ([]model.Track, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, errors.Wrap(err, "invalid sdp")
	}

	tracks := make([]model.Track, 0, len(sd.MediaDescriptions))
	for i, md := range sd.MediaDescriptions {
		ctl, _ := md.Attribute("control")
		tracks = append(tracks, model.Track{
			ID:      i,
			Media:   md.MediaName.Media,
			Control: ctl,
		})
	}

	if len(tracks) == 0 {
		return nil, errors.New("sdp has no media sections")
	}
	return tracks, nil
}

// TrackURL resolves the control attribute of a track against the base URL.
func TrackURL(baseURL *base.URL, t model.Track) (*base.URL, error) {
	ctl := t.Control

	switch {
	case ctl == "" || ctl == "*":
		return baseURL, nil

	case strings.HasPrefix(ctl, "rtsp://") || strings.HasPrefix(ctl, "rtsps://"):
		return base.ParseURL(ctl)
	}

	s := (*url.URL)(baseURL).String()
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return base.ParseURL(s + strings.TrimPrefix(ctl, "/"))
}

// matchesTrack reports whether a downstream request URL addresses the track.
func matchesTrack(u *base.URL, t model.Track) bool {
	ctl := t.Control
	if strings.Contains(ctl, "://") {
		cu, err := url.Parse(ctl)
		if err != nil {
			return false
		}
		ctl = cu.Path
		if n := strings.LastIndex(ctl, "/"); n >= 0 {
			ctl = ctl[n+1:]
		}
	}
	if ctl == "" || ctl == "*" {
		return false
	}

	p := strings.TrimSuffix((*url.URL)(u).Path, "/")
	if q := (*url.URL)(u).RawQuery; q != "" && strings.Contains(ctl, "?") {
		p += "?" + q
	}
	return p == ctl || strings.HasSuffix(p, "/"+ctl)
}
