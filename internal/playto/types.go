// Package playto is the control plane for one or more DLNA MediaRenderers.
// Each discovered renderer gets a Device (its live state, command queue,
// eventing, and polling) and a Controller (the playlist and the translation
// of server-side play commands into device operations). The Registry owns
// their lifecycle.
package playto

import (
	"math"
	"strings"

	"github.com/playto/hub/internal/profile"
)

// MediaType classifies playlist items.
type MediaType string

const (
	MediaTypeAudio MediaType = "Audio"
	MediaTypeVideo MediaType = "Video"
	MediaTypePhoto MediaType = "Photo"
)

// TransportState mirrors the AVTransport TransportState variable plus the
// synthetic values some renderers report.
type TransportState string

const (
	StateStopped         TransportState = "STOPPED"
	StatePlaying         TransportState = "PLAYING"
	StateTransitioning   TransportState = "TRANSITIONING"
	StatePaused          TransportState = "PAUSED"
	StatePausedPlayback  TransportState = "PAUSED_PLAYBACK"
	StatePausedRecording TransportState = "PAUSED_RECORDING"
	StateRecording       TransportState = "RECORDING"
	StateNoMediaPresent  TransportState = "NO_MEDIA_PRESENT"
	StateError           TransportState = "ERROR"
)

// ParseTransportState normalizes a device-reported state string.
func ParseTransportState(raw string) TransportState {
	state := TransportState(strings.ToUpper(strings.TrimSpace(raw)))
	switch state {
	case StateStopped, StatePlaying, StateTransitioning, StatePaused,
		StatePausedPlayback, StatePausedRecording, StateRecording,
		StateNoMediaPresent, StateError:
		return state
	}
	return StateError
}

func (s TransportState) IsPlaying() bool { return s == StatePlaying }

func (s TransportState) IsPaused() bool {
	return s == StatePaused || s == StatePausedPlayback
}

func (s TransportState) IsStopped() bool { return s == StateStopped }

// UBase identifies the media a renderer reports as loaded. Two values are
// the same media when their URLs are equal; an empty URL means nothing is
// loaded.
type UBase struct {
	ID  string
	URL string
}

// SameURL reports whether both sides refer to the same stream.
func (u *UBase) SameURL(other *UBase) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.URL == other.URL
}

// PlaylistItem is one entry of a Controller playlist, fully resolved: the
// renderer-facing stream URL, its DIDL-Lite metadata, and the DLNA content
// features the renderer expects.
type PlaylistItem struct {
	ItemID              string
	Title               string
	StreamURL           string
	Metadata            string
	ContentFeatures     string
	MediaType           MediaType
	MediaSourceID       string
	StartPositionTicks  int64
	RunTimeTicks        int64
	IsDirectStream      bool
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
	Profile             *profile.Profile
}

// MediaData is the payload of a media-change command handed to a Device.
type MediaData struct {
	URL             string
	ContentFeatures string
	Metadata        string
	MediaType       MediaType
	ResetPlayback   bool
	PositionTicks   int64
}

// VolumeRange maps the 0..100 user volume scale onto whatever range the
// renderer's RenderingControl SCPD advertises.
type VolumeRange struct {
	Min int
	Max int
}

// DefaultVolumeRange is assumed when the SCPD has no allowedValueRange.
var DefaultVolumeRange = VolumeRange{Min: 0, Max: 100}

// Step is one volume increment, a twentieth of the device range.
func (r VolumeRange) Step() int {
	step := int(math.Round(float64(r.Max-r.Min) / 20))
	if step < 1 {
		step = 1
	}
	return step
}

// DeviceValue converts a 0..100 user volume to the device scale.
func (r VolumeRange) DeviceValue(user int) int {
	if user < 0 {
		user = 0
	}
	if user > 100 {
		user = 100
	}
	return int(math.Round(float64(r.Max-r.Min)*float64(user)/100)) + r.Min
}

// UserValue converts a device-scale volume back to 0..100.
func (r VolumeRange) UserValue(device int) int {
	span := r.Max - r.Min
	if span <= 0 {
		return 0
	}
	if device < r.Min {
		device = r.Min
	}
	if device > r.Max {
		device = r.Max
	}
	return int(math.Round(float64(device-r.Min) * 100 / float64(span)))
}

// PlaybackInfo is the snapshot attached to playback transition callbacks.
type PlaybackInfo struct {
	Media         *UBase
	MediaType     MediaType
	PositionTicks int64
	DurationTicks int64
}

// PlaybackObserver receives the Device's observable transitions. The
// Controller is the sole subscriber per session.
type PlaybackObserver interface {
	OnPlaybackStart(info PlaybackInfo)
	OnPlaybackProgress(info PlaybackInfo)
	OnPlaybackStopped(info PlaybackInfo)
	OnMediaChanged(previous *UBase, info PlaybackInfo)
	OnDeviceUnavailable()
}

// TicksPerSecond is the tick resolution used for positions and durations.
const TicksPerSecond = 10_000_000
