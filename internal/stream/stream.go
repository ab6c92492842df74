// Package stream builds and parses the media stream URLs handed to
// renderers. Seek position, stream indices, and direct-stream mode are all
// encoded in the URL, so the parse side has to round-trip every field the
// build side emits.
package stream

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Params carries the stream parameters encoded in a playback URL.
type Params struct {
	ItemID              string
	MediaSourceID       string
	LiveStreamID        string
	DeviceID            string
	IsDirectStream      bool
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
	StartPositionTicks  int64
}

// BuildVideoURL renders a video stream URL for the given server base URL.
func BuildVideoURL(serverURL string, p Params) string {
	return buildMediaURL(serverURL, "Videos", "stream.mkv", p)
}

// BuildAudioURL renders an audio stream URL for the given server base URL.
func BuildAudioURL(serverURL string, p Params) string {
	return buildMediaURL(serverURL, "Audio", "stream.mp3", p)
}

// BuildPhotoURL renders a direct image URL. Photos are served as plain
// images, not streams, so none of the stream parameters apply.
func BuildPhotoURL(serverURL, itemID string) string {
	return fmt.Sprintf("%s/Items/%s/Images/Primary", strings.TrimRight(serverURL, "/"), url.PathEscape(itemID))
}

func buildMediaURL(serverURL, kind, name string, p Params) string {
	query := url.Values{}
	if p.MediaSourceID != "" {
		query.Set("MediaSourceId", p.MediaSourceID)
	}
	if p.LiveStreamID != "" {
		query.Set("LiveStreamId", p.LiveStreamID)
	}
	if p.DeviceID != "" {
		query.Set("DeviceId", p.DeviceID)
	}
	query.Set("Static", strconv.FormatBool(p.IsDirectStream))
	if p.AudioStreamIndex != nil {
		query.Set("AudioStreamIndex", strconv.Itoa(*p.AudioStreamIndex))
	}
	if p.SubtitleStreamIndex != nil {
		query.Set("SubtitleStreamIndex", strconv.Itoa(*p.SubtitleStreamIndex))
	}
	query.Set("StartTimeTicks", strconv.FormatInt(p.StartPositionTicks, 10))

	return fmt.Sprintf("%s/%s/%s/%s?%s&dlna=true",
		strings.TrimRight(serverURL, "/"), kind, url.PathEscape(p.ItemID), name, query.Encode())
}

// GetItemID extracts the item identifier from a URL produced by this
// package: the path segment following Items, Videos, Audio, or Photos.
func GetItemID(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		switch segments[i] {
		case "Items", "Videos", "Audio", "Photos":
			return segments[i+1]
		}
	}
	return ""
}

// ParseParams recovers the stream parameters from a playback URL.
// Static=true implies a direct stream.
func ParseParams(rawURL string) (Params, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Params{}, err
	}
	query := parsed.Query()

	p := Params{
		ItemID:        GetItemID(rawURL),
		MediaSourceID: query.Get("MediaSourceId"),
		LiveStreamID:  query.Get("LiveStreamId"),
		DeviceID:      query.Get("DeviceId"),
	}
	p.IsDirectStream = strings.EqualFold(query.Get("Static"), "true")
	if idx, ok := parseIntParam(query, "AudioStreamIndex"); ok {
		p.AudioStreamIndex = &idx
	}
	if idx, ok := parseIntParam(query, "SubtitleStreamIndex"); ok {
		p.SubtitleStreamIndex = &idx
	}
	for _, key := range []string{"StartTimeTicks", "StartPositionTicks"} {
		if raw := query.Get(key); raw != "" {
			if ticks, err := strconv.ParseInt(raw, 10, 64); err == nil {
				p.StartPositionTicks = ticks
				break
			}
		}
	}
	return p, nil
}

// WithStartTicks returns the URL with its StartTimeTicks parameter replaced.
// Transcoded streams encode the seek origin server-side, so seeking means
// rewriting the URL rather than asking the renderer.
func WithStartTicks(rawURL string, ticks int64) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	query.Set("StartTimeTicks", strconv.FormatInt(ticks, 10))
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// StripStartTicks removes the StartTimeTicks parameter so two URLs that
// differ only in seek origin compare equal.
func StripStartTicks(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	query.Del("StartTimeTicks")
	query.Del("StartPositionTicks")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func parseIntParam(query url.Values, key string) (int, bool) {
	raw := query.Get(key)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}
