package playto

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playto/hub/internal/discovery"
	"github.com/playto/hub/internal/profile"
	"github.com/playto/hub/internal/upnp/description"
	"github.com/playto/hub/internal/upnp/soap"
)

// ProfileResolver is the registry's view of the profile repository.
type ProfileResolver interface {
	Resolve(info profile.DeviceInfo, protocolInfo string, autoCreate bool) (*profile.Profile, error)
	Evict(deviceUUID string)
}

// RegistryOptions configures session construction.
type RegistryOptions struct {
	ServerURL            string
	CommunicationTimeout time.Duration
	QueueInterval        time.Duration
	PollInterval         time.Duration
	PhotoTransition      time.Duration
	MaxResumePct         float64
}

type session struct {
	device     *Device
	controller *Controller
	usn        string
}

// Registry owns one Device plus Controller per discovered renderer and
// routes discovery and eventing traffic to them. The registry mutex guards
// only the session maps; network I/O happens outside it.
type Registry struct {
	client   *soap.Client
	subs     *soap.SubscriptionClient
	profiles ProfileResolver
	sessions SessionManager
	library  Library
	opts     RegistryOptions

	mu     sync.Mutex
	byUUID map[string]*session
	byID   map[string]*session
}

// NewRegistry builds an empty Registry. Wire it to a discovery.Monitor as
// its Handler.
func NewRegistry(client *soap.Client, subs *soap.SubscriptionClient, profiles ProfileResolver, sessions SessionManager, library Library, opts RegistryOptions) *Registry {
	if opts.CommunicationTimeout <= 0 {
		opts.CommunicationTimeout = 10 * time.Second
	}
	return &Registry{
		client:   client,
		subs:     subs,
		profiles: profiles,
		sessions: sessions,
		library:  library,
		opts:     opts,
		byUUID:   make(map[string]*session),
		byID:     make(map[string]*session),
	}
}

// DeviceDiscovered handles one SSDP sighting: fetch and parse the
// description, and create or refresh the session for it.
func (r *Registry) DeviceDiscovered(dev discovery.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.CommunicationTimeout)
	defer cancel()

	payload, err := r.client.FetchXML(ctx, dev.Location)
	if err != nil {
		log.Printf("PLAYTO: fetch description %s: %v", dev.Location, err)
		return
	}
	desc, err := description.Parse(payload, dev.Location)
	if err != nil {
		log.Printf("PLAYTO: parse description %s: %v", dev.Location, err)
		return
	}
	if !desc.IsMediaRenderer() || desc.UUID == "" {
		return
	}
	desc.FriendlyName = description.CleanFriendlyName(desc.FriendlyName)

	r.mu.Lock()
	existing, known := r.byUUID[desc.UUID]
	r.mu.Unlock()

	if known {
		if existing.device.Description().BaseURL != desc.BaseURL {
			r.refresh(ctx, existing, desc)
		}
		return
	}

	protocolInfo := r.fetchProtocolInfo(ctx, desc)
	prof := r.resolveProfile(ctx, desc, protocolInfo)

	sessionID := uuid.NewString()
	device := NewDevice(desc, r.client, r.subs, nil, DeviceOptions{
		SessionID:     sessionID,
		ServerURL:     r.opts.ServerURL,
		QueueInterval: r.opts.QueueInterval,
		PollInterval:  r.opts.PollInterval,
	})
	controller := NewController(device, r.library, r.sessions, prof,
		func() { r.Remove(desc.UUID) },
		ControllerOptions{
			ServerURL:       r.opts.ServerURL,
			PhotoTransition: r.opts.PhotoTransition,
			MaxResumePct:    r.opts.MaxResumePct,
		})
	device.SetObserver(controller)

	r.mu.Lock()
	if _, raced := r.byUUID[desc.UUID]; raced {
		r.mu.Unlock()
		return
	}
	s := &session{device: device, controller: controller, usn: dev.USN}
	r.byUUID[desc.UUID] = s
	r.byID[sessionID] = s
	r.mu.Unlock()

	device.Start(ctx)
	r.sessions.ReportCapabilities(sessionID, SupportedCommands)
	log.Printf("PLAYTO: session %s opened for %q (%s)", sessionID, desc.FriendlyName, desc.UUID)
}

// refresh replaces a session's description and re-resolves its profile when
// the device came back on a different base URL.
func (r *Registry) refresh(ctx context.Context, s *session, desc *description.Description) {
	protocolInfo := r.fetchProtocolInfo(ctx, desc)
	prof := r.resolveProfile(ctx, desc, protocolInfo)
	s.device.Refresh(desc)
	s.controller.SetProfile(prof)
	log.Printf("PLAYTO: session %s refreshed, new base %s", s.device.SessionID(), desc.BaseURL)
}

// DeviceLeft tears down the session whose UUID appears in a MediaRenderer
// byebye announcement.
func (r *Registry) DeviceLeft(dev discovery.Device) {
	nt := dev.Headers["NT"]
	if !strings.Contains(dev.USN, "MediaRenderer:") && !strings.Contains(nt, "MediaRenderer:") {
		return
	}

	r.mu.Lock()
	var gone string
	for deviceUUID := range r.byUUID {
		if strings.Contains(dev.USN, deviceUUID) {
			gone = deviceUUID
			break
		}
	}
	r.mu.Unlock()

	if gone != "" {
		r.Remove(gone)
	}
}

// Remove destroys the session for a device UUID: ends the host session,
// evicts the cached profile, and disposes the device (which unsubscribes
// best-effort).
func (r *Registry) Remove(deviceUUID string) {
	r.mu.Lock()
	s, ok := r.byUUID[deviceUUID]
	if ok {
		delete(r.byUUID, deviceUUID)
		delete(r.byID, s.device.SessionID())
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	sessionID := s.device.SessionID()
	r.sessions.ReportSessionEnded(sessionID)
	r.profiles.Evict(deviceUUID)

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.CommunicationTimeout)
	defer cancel()
	s.device.Dispose(ctx)
	log.Printf("PLAYTO: session %s closed for %s", sessionID, deviceUUID)
}

// HandleEvent routes a NOTIFY body to the session the callback URL names.
// Unknown ids are dropped; the HTTP layer answers 200 regardless.
func (r *Registry) HandleEvent(ctx context.Context, sessionID string, body []byte) {
	r.mu.Lock()
	s := r.byID[sessionID]
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.device.HandleEvent(ctx, body)
}

// Controller returns the playlist controller for a session id.
func (r *Registry) Controller(sessionID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	return s.controller, true
}

// Device returns the device session for a session id.
func (r *Registry) Device(sessionID string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	return s.device, true
}

// SessionInfo is a registry listing entry.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	DeviceUUID   string `json:"device_uuid"`
	FriendlyName string `json:"friendly_name"`
	BaseURL      string `json:"base_url"`
	State        string `json:"state"`
}

// List snapshots the active sessions.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]SessionInfo, 0, len(r.byUUID))
	for deviceUUID, s := range r.byUUID {
		desc := s.device.Description()
		infos = append(infos, SessionInfo{
			SessionID:    s.device.SessionID(),
			DeviceUUID:   deviceUUID,
			FriendlyName: desc.FriendlyName,
			BaseURL:      desc.BaseURL,
			State:        string(s.device.State()),
		})
	}
	return infos
}

// Shutdown disposes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	uuids := make([]string, 0, len(r.byUUID))
	for deviceUUID := range r.byUUID {
		uuids = append(uuids, deviceUUID)
	}
	r.mu.Unlock()
	for _, deviceUUID := range uuids {
		r.Remove(deviceUUID)
	}
}

// fetchProtocolInfo asks ConnectionManager what the renderer can sink.
// GetProtocolInfo takes no arguments, so no schema lookup is needed.
func (r *Registry) fetchProtocolInfo(ctx context.Context, desc *description.Description) string {
	if desc.ConnectionManager == nil {
		return ""
	}
	reply, err := r.client.Invoke(ctx, *desc.ConnectionManager, "GetProtocolInfo", "", "")
	if err != nil {
		log.Printf("PLAYTO: %s: GetProtocolInfo: %v", desc.FriendlyName, err)
		return ""
	}
	return reply.Get("Sink")
}

func (r *Registry) resolveProfile(ctx context.Context, desc *description.Description, protocolInfo string) *profile.Profile {
	prof, err := r.profiles.Resolve(deviceInfoFrom(desc), protocolInfo, true)
	if err != nil || prof == nil {
		if err != nil {
			log.Printf("PLAYTO: %s: resolve profile: %v", desc.FriendlyName, err)
		}
		return &profile.Profile{
			Name:                "Generic Device",
			SupportedMediaTypes: []string{"Audio", "Video", "Photo"},
			DirectPlayTypes:     []string{"Audio", "Video", "Photo"},
		}
	}
	return prof
}

func deviceInfoFrom(desc *description.Description) profile.DeviceInfo {
	return profile.DeviceInfo{
		UUID:             desc.UUID,
		FriendlyName:     desc.FriendlyName,
		Manufacturer:     desc.Manufacturer,
		ManufacturerURL:  desc.ManufacturerURL,
		ModelDescription: desc.ModelDescription,
		ModelName:        desc.ModelName,
		ModelNumber:      desc.ModelNumber,
		ModelURL:         desc.ModelURL,
		SerialNumber:     desc.SerialNumber,
	}
}
