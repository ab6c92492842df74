// Package description parses UPnP root device description documents.
package description

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/playto/hub/internal/upnp/soap"
)

const mediaRendererPrefix = "urn:schemas-upnp-org:device:MediaRenderer:"

// Description is the immutable identity of one renderer, produced from its
// root XML. Replaced wholesale on refresh.
type Description struct {
	UUID             string
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelName        string
	ModelNumber      string
	ModelDescription string
	ModelURL         string
	SerialNumber     string
	DeviceType       string
	BaseURL          string
	Location         string

	AVTransport       *soap.Service
	RenderingControl  *soap.Service
	ConnectionManager *soap.Service
}

// IsMediaRenderer reports whether the device advertises the MediaRenderer
// device class.
func (d *Description) IsMediaRenderer() bool {
	return strings.HasPrefix(d.DeviceType, mediaRendererPrefix)
}

// ServiceByType returns the parsed service whose type URN matches, or nil.
func (d *Description) ServiceByType(serviceType string) *soap.Service {
	for _, svc := range []*soap.Service{d.AVTransport, d.RenderingControl, d.ConnectionManager} {
		if svc != nil && svc.Type == serviceType {
			return svc
		}
	}
	return nil
}

type rootXML struct {
	XMLName xml.Name  `xml:"root"`
	URLBase string    `xml:"URLBase"`
	Device  deviceXML `xml:"device"`
}

type deviceXML struct {
	DeviceType       string       `xml:"deviceType"`
	FriendlyName     string       `xml:"friendlyName"`
	Manufacturer     string       `xml:"manufacturer"`
	ManufacturerURL  string       `xml:"manufacturerURL"`
	ModelName        string       `xml:"modelName"`
	ModelNumber      string       `xml:"modelNumber"`
	ModelDescription string       `xml:"modelDescription"`
	ModelURL         string       `xml:"modelURL"`
	SerialNumber     string       `xml:"serialNumber"`
	UDN              string       `xml:"UDN"`
	Services         []serviceXML `xml:"serviceList>service"`
	Devices          []deviceXML  `xml:"deviceList>device"`
}

type serviceXML struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// Parse decodes a root device description fetched from location. Service
// URLs are resolved against URLBase when present, else the location host.
func Parse(payload []byte, location string) (*Description, error) {
	var root rootXML
	if err := xml.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("parse device description: %w", err)
	}

	base := strings.TrimSpace(root.URLBase)
	if base == "" {
		parsed, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse location: %w", err)
		}
		base = parsed.Scheme + "://" + parsed.Host
	}
	base = strings.TrimRight(base, "/")

	device := pickRenderer(root.Device)

	desc := &Description{
		UUID:             strings.TrimPrefix(strings.TrimSpace(device.UDN), "uuid:"),
		FriendlyName:     CleanFriendlyName(device.FriendlyName),
		Manufacturer:     strings.TrimSpace(device.Manufacturer),
		ManufacturerURL:  strings.TrimSpace(device.ManufacturerURL),
		ModelName:        strings.TrimSpace(device.ModelName),
		ModelNumber:      strings.TrimSpace(device.ModelNumber),
		ModelDescription: strings.TrimSpace(device.ModelDescription),
		ModelURL:         strings.TrimSpace(device.ModelURL),
		SerialNumber:     strings.TrimSpace(device.SerialNumber),
		DeviceType:       strings.TrimSpace(device.DeviceType),
		BaseURL:          base,
		Location:         location,
	}

	for _, svc := range device.Services {
		resolved := &soap.Service{
			Type:        strings.TrimSpace(svc.ServiceType),
			ID:          strings.TrimSpace(svc.ServiceID),
			SCPDURL:     resolveURL(base, svc.SCPDURL),
			ControlURL:  resolveURL(base, svc.ControlURL),
			EventSubURL: resolveURL(base, svc.EventSubURL),
		}
		switch {
		case strings.HasPrefix(resolved.Type, "urn:schemas-upnp-org:service:AVTransport:"):
			desc.AVTransport = resolved
		case strings.HasPrefix(resolved.Type, "urn:schemas-upnp-org:service:RenderingControl:"):
			desc.RenderingControl = resolved
		case strings.HasPrefix(resolved.Type, "urn:schemas-upnp-org:service:ConnectionManager:"):
			desc.ConnectionManager = resolved
		}
	}

	return desc, nil
}

// pickRenderer walks embedded devices looking for the MediaRenderer, since
// some combo devices nest it under a root of a different class.
func pickRenderer(device deviceXML) deviceXML {
	if strings.HasPrefix(strings.TrimSpace(device.DeviceType), mediaRendererPrefix) {
		return device
	}
	for _, embedded := range device.Devices {
		if found := pickRenderer(embedded); strings.HasPrefix(found.DeviceType, mediaRendererPrefix) {
			return found
		}
	}
	return device
}

func resolveURL(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

var (
	macPattern   = regexp.MustCompile(`(?i)\b([0-9a-f]{2}[:-]){5}[0-9a-f]{2}\b`)
	emptyBracket = regexp.MustCompile(`\(\s*\)|\[\s*\]`)
	multiSpace   = regexp.MustCompile(`\s{2,}`)
)

// CleanFriendlyName strips embedded MAC addresses and the empty ()/[] pairs
// they leave behind. Some renderers bake their MAC into the advertised name.
func CleanFriendlyName(name string) string {
	name = macPattern.ReplaceAllString(name, "")
	name = emptyBracket.ReplaceAllString(name, "")
	name = multiSpace.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}
