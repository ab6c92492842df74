// Package profile resolves and stores per-device DLNA profiles. A profile
// captures what a renderer can play and how it wants metadata delivered;
// resolution matches the device's self-reported identity against stored
// identification patterns.
package profile

import (
	"regexp"
	"strings"
	"time"
)

// DeviceInfo is the identity a renderer reports in its description document.
type DeviceInfo struct {
	UUID             string `json:"uuid"`
	FriendlyName     string `json:"friendly_name"`
	Manufacturer     string `json:"manufacturer"`
	ManufacturerURL  string `json:"manufacturer_url"`
	ModelDescription string `json:"model_description"`
	ModelName        string `json:"model_name"`
	ModelNumber      string `json:"model_number"`
	ModelURL         string `json:"model_url"`
	SerialNumber     string `json:"serial_number"`
}

// Identification holds the match patterns a profile uses to claim a device.
// Each non-empty field is a regex when it compiles, a case-insensitive
// substring otherwise.
type Identification struct {
	FriendlyName     string `json:"friendly_name,omitempty"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	ManufacturerURL  string `json:"manufacturer_url,omitempty"`
	ModelDescription string `json:"model_description,omitempty"`
	ModelName        string `json:"model_name,omitempty"`
	ModelNumber      string `json:"model_number,omitempty"`
	ModelURL         string `json:"model_url,omitempty"`
	SerialNumber     string `json:"serial_number,omitempty"`
}

// Profile describes one renderer's playback capabilities.
type Profile struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Identification      Identification `json:"identification"`
	SupportedMediaTypes []string       `json:"supported_media_types"`
	DirectPlayTypes     []string       `json:"direct_play_types"`
	// Some renderers reject raw XML inside CurrentURIMetaData and want it
	// HTML-encoded instead.
	RequiresEscapedMetadata bool      `json:"requires_escaped_metadata"`
	ProtocolInfo            string    `json:"protocol_info,omitempty"`
	AutoCreated             bool      `json:"auto_created"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// SupportsMediaType reports whether the profile allows the given media type
// ("Audio", "Video", "Photo"). An empty list means everything is allowed.
func (p *Profile) SupportsMediaType(mediaType string) bool {
	if len(p.SupportedMediaTypes) == 0 {
		return true
	}
	for _, t := range p.SupportedMediaTypes {
		if strings.EqualFold(t, mediaType) {
			return true
		}
	}
	return false
}

// SupportsDirectPlay reports whether the renderer can take the source
// byte-for-byte for the given media type.
func (p *Profile) SupportsDirectPlay(mediaType string) bool {
	for _, t := range p.DirectPlayTypes {
		if strings.EqualFold(t, mediaType) {
			return true
		}
	}
	return false
}

// Matches reports whether the profile's identification claims the device.
// Every non-empty pattern field must match its device field; a pattern whose
// device field is empty never matches.
func (p *Profile) Matches(info DeviceInfo) bool {
	checks := []struct {
		pattern string
		value   string
	}{
		{p.Identification.FriendlyName, info.FriendlyName},
		{p.Identification.Manufacturer, info.Manufacturer},
		{p.Identification.ManufacturerURL, info.ManufacturerURL},
		{p.Identification.ModelDescription, info.ModelDescription},
		{p.Identification.ModelName, info.ModelName},
		{p.Identification.ModelNumber, info.ModelNumber},
		{p.Identification.ModelURL, info.ModelURL},
		{p.Identification.SerialNumber, info.SerialNumber},
	}

	matchedAny := false
	for _, check := range checks {
		if check.pattern == "" {
			continue
		}
		if check.value == "" {
			return false
		}
		if !fieldMatches(check.pattern, check.value) {
			return false
		}
		matchedAny = true
	}
	return matchedAny
}

// fieldMatches tries the pattern as a case-insensitive regex first and falls
// back to a substring test when it does not compile.
func fieldMatches(pattern, value string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err == nil {
		return re.MatchString(value)
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}
