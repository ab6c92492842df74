package soap

import "time"

// Well-known MediaRenderer service type URNs.
const (
	ServiceTypeAVTransport       = "urn:schemas-upnp-org:service:AVTransport:1"
	ServiceTypeRenderingControl  = "urn:schemas-upnp-org:service:RenderingControl:1"
	ServiceTypeConnectionManager = "urn:schemas-upnp-org:service:ConnectionManager:1"
)

// Service describes one UPnP service of a renderer, with URLs already
// resolved against the device base URL.
type Service struct {
	Type        string
	ID          string
	SCPDURL     string
	ControlURL  string
	EventSubURL string
}

// Reply is the result of a successful Invoke: the flattened response values
// and the measured round-trip time of the HTTP exchange.
type Reply struct {
	Values    map[string]string
	RoundTrip time.Duration
}

// Get returns a flattened value or "".
func (r *Reply) Get(key string) string {
	if r == nil || r.Values == nil {
		return ""
	}
	return r.Values[key]
}
