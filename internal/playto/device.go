package playto

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/playto/hub/internal/stream"
	"github.com/playto/hub/internal/upnp/description"
	"github.com/playto/hub/internal/upnp/didl"
	"github.com/playto/hub/internal/upnp/scpd"
	"github.com/playto/hub/internal/upnp/soap"
)

const (
	// cacheTTL short-circuits Get helpers so rapid UI queries do not hammer
	// the device.
	cacheTTL = 5 * time.Second

	// mediaLoadDelay gives the renderer time to load a freshly set URI
	// before Play.
	mediaLoadDelay = 50 * time.Millisecond

	// timerPulseDelay schedules a near-immediate poll after a state-changing
	// command so the reconciler catches up quickly.
	timerPulseDelay = 100 * time.Millisecond

	// renewalInterval throttles GENA renewals. Subscriptions expire after
	// 60 seconds, so renewing at half that window keeps them alive.
	renewalInterval = 30 * time.Second

	maxPollFailures = 3
)

var errActionUnsupported = errors.New("action not in device schema")

var (
	avTransportStateVars = []string{
		"TransportState", "CurrentTrackDuration", "RelativeTimePosition",
		"CurrentTrackMetaData", "LastChange",
	}
	renderingControlStateVars = []string{"Volume", "Mute", "LastChange"}
)

// DeviceOptions tunes one Device's timers and eventing callback.
type DeviceOptions struct {
	SessionID     string
	ServerURL     string
	QueueInterval time.Duration
	PollInterval  time.Duration
}

// Device is the live session for one renderer: cached transport state,
// volume, position, current media, the outbound command queue, GENA
// subscriptions, and the polling timer. All state-changing SOAP requests
// flow through the queue worker, which is the sole serialization point.
type Device struct {
	desc     *description.Description
	client   *soap.Client
	subs     *soap.SubscriptionClient
	observer PlaybackObserver
	opts     DeviceOptions

	mu        sync.Mutex
	avtSchema *scpd.Document
	rcSchema  *scpd.Document
	volRange  VolumeRange

	state           TransportState
	media           *UBase
	mediaType       MediaType
	positionTicks   int64
	durationTicks   int64
	transportOffset time.Duration

	volume  int // device scale
	muted   bool
	muteVol int // last non-zero volume, restored on unmute fallback

	lastTransportRefresh time.Time
	lastPositionRefresh  time.Time
	lastVolumeRefresh    time.Time
	lastMuteRefresh      time.Time
	lastMetaRefresh      time.Time
	lastRenewal          time.Time

	avtSID string
	rcSID  string

	queue        *commandQueue
	pollTimer    *time.Timer
	pollIdle     bool
	pollFailures int

	done     chan struct{}
	disposed bool

	now   func() time.Time
	sleep func(time.Duration)
}

// NewDevice builds a Device for a parsed renderer description. Call Start
// to prime caches, subscribe, and begin the worker loops.
func NewDevice(desc *description.Description, client *soap.Client, subs *soap.SubscriptionClient, observer PlaybackObserver, opts DeviceOptions) *Device {
	if opts.QueueInterval <= 0 {
		opts.QueueInterval = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	d := &Device{
		desc:     desc,
		client:   client,
		subs:     subs,
		observer: observer,
		opts:     opts,
		volRange: DefaultVolumeRange,
		state:    StateStopped,
		queue:    newCommandQueue(),
		done:     make(chan struct{}),
		now:      time.Now,
		sleep:    time.Sleep,
	}
	d.pollTimer = time.NewTimer(opts.PollInterval)
	return d
}

// SetObserver wires the playback observer. Must be called before Start.
func (d *Device) SetObserver(observer PlaybackObserver) {
	d.observer = observer
}

// Refresh swaps in a new description after the device moved to a different
// base URL. Schemas and subscriptions are discarded; the queue worker
// re-subscribes on its next pass.
func (d *Device) Refresh(desc *description.Description) {
	d.mu.Lock()
	d.desc = desc
	d.avtSchema = nil
	d.rcSchema = nil
	d.avtSID = ""
	d.rcSID = ""
	d.mu.Unlock()
}

// SessionID identifies this session in the eventing callback URL.
func (d *Device) SessionID() string { return d.opts.SessionID }

// Description returns the device description this session was built from.
func (d *Device) Description() *description.Description { return d.desc }

// Start reads the RenderingControl schema for the volume range, primes the
// state caches, subscribes to events, and launches the queue worker and
// polling loop.
func (d *Device) Start(ctx context.Context) {
	d.loadVolumeRange(ctx)
	d.RefreshPosition(ctx)
	d.RefreshVolume(ctx)
	d.RefreshMute(ctx)
	d.subscribe(ctx)

	go d.queueLoop()
	go d.pollLoop()
}

// Dispose tears the session down: stops the loops, drains the queue, and
// unsubscribes best-effort.
func (d *Device) Dispose(ctx context.Context) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	avtSID, rcSID := d.avtSID, d.rcSID
	d.avtSID, d.rcSID = "", ""
	d.mu.Unlock()

	close(d.done)
	d.pollTimer.Stop()
	d.queue.drain()

	if avtSID != "" && d.desc.AVTransport != nil {
		if err := d.subs.Unsubscribe(ctx, d.desc.AVTransport.EventSubURL, avtSID); err != nil {
			log.Printf("PLAYTO: %s: unsubscribe avtransport: %v", d.name(), err)
		}
	}
	if rcSID != "" && d.desc.RenderingControl != nil {
		if err := d.subs.Unsubscribe(ctx, d.desc.RenderingControl.EventSubURL, rcSID); err != nil {
			log.Printf("PLAYTO: %s: unsubscribe renderingcontrol: %v", d.name(), err)
		}
	}
}

func (d *Device) name() string {
	if d.desc != nil && d.desc.FriendlyName != "" {
		return d.desc.FriendlyName
	}
	return d.opts.SessionID
}

// --- command enqueue API -------------------------------------------------

// SetVolume enqueues a volume change. The value is on the 0..100 user scale
// and is quantized to the device's advertised range.
func (d *Device) SetVolume(user int) {
	d.mu.Lock()
	device := d.volRange.DeviceValue(user)
	d.mu.Unlock()
	d.queue.enqueue(&command{kind: cmdSetVolume, volume: device})
}

// VolumeUp enqueues a one-step volume increase on the device scale.
func (d *Device) VolumeUp() {
	d.mu.Lock()
	target := d.volume + d.volRange.Step()
	if target > d.volRange.Max {
		target = d.volRange.Max
	}
	d.mu.Unlock()
	d.queue.enqueue(&command{kind: cmdSetVolume, volume: target})
}

// VolumeDown enqueues a one-step volume decrease on the device scale.
func (d *Device) VolumeDown() {
	d.mu.Lock()
	target := d.volume - d.volRange.Step()
	if target < d.volRange.Min {
		target = d.volRange.Min
	}
	d.mu.Unlock()
	d.queue.enqueue(&command{kind: cmdSetVolume, volume: target})
}

func (d *Device) Mute()       { d.queue.enqueue(&command{kind: cmdMute}) }
func (d *Device) Unmute()     { d.queue.enqueue(&command{kind: cmdUnmute}) }
func (d *Device) ToggleMute() { d.queue.enqueue(&command{kind: cmdToggleMute}) }
func (d *Device) Play()       { d.queue.enqueue(&command{kind: cmdPlay}) }
func (d *Device) Pause()      { d.queue.enqueue(&command{kind: cmdPause}) }
func (d *Device) Stop()       { d.queue.enqueue(&command{kind: cmdStop}) }

// Seek enqueues a relative-time seek to the given tick position.
func (d *Device) Seek(ticks int64) {
	d.queue.enqueue(&command{kind: cmdSeek, ticks: ticks})
}

// Queue enqueues a media change (SetAVTransportURI + Play).
func (d *Device) Queue(media *MediaData) {
	d.queue.enqueue(&command{kind: cmdQueue, media: media})
}

// QueueNext enqueues a SetNextAVTransportURI for gapless transitions.
// Current playback is untouched.
func (d *Device) QueueNext(media *MediaData) {
	d.queue.enqueue(&command{kind: cmdQueueNext, media: media})
}

// --- accessors -----------------------------------------------------------

// State returns the cached transport state.
func (d *Device) State() TransportState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Media returns the cached current media, nil when nothing is loaded.
func (d *Device) Media() *UBase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.media
}

// PositionTicks returns the cached position plus the transport offset
// derived from the last measured round-trip.
func (d *Device) PositionTicks() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.positionWithOffsetLocked()
}

func (d *Device) positionWithOffsetLocked() int64 {
	ticks := d.positionTicks
	if d.state.IsPlaying() {
		ticks += d.transportOffset.Nanoseconds() / 100
	}
	return ticks
}

// DurationTicks returns the cached track duration.
func (d *Device) DurationTicks() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.durationTicks
}

// Volume returns the cached volume on the 0..100 user scale.
func (d *Device) Volume() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volRange.UserValue(d.volume)
}

// IsMuted returns the cached mute flag.
func (d *Device) IsMuted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// --- schema and invocation ----------------------------------------------

func (d *Device) loadVolumeRange(ctx context.Context) {
	svc := d.desc.RenderingControl
	if svc == nil {
		return
	}
	doc, err := d.schemaFor(ctx, svc)
	if err != nil {
		log.Printf("PLAYTO: %s: renderingcontrol scpd: %v", d.name(), err)
		return
	}
	sv := doc.StateVariable("Volume")
	if sv == nil || sv.Range == nil {
		return
	}
	min, errMin := strconv.Atoi(strings.TrimSpace(sv.Range.Min))
	max, errMax := strconv.Atoi(strings.TrimSpace(sv.Range.Max))
	if errMin != nil || errMax != nil || max <= min {
		return
	}
	d.mu.Lock()
	d.volRange = VolumeRange{Min: min, Max: max}
	d.mu.Unlock()
}

// schemaFor returns the cached SCPD for a service, fetching it on first use.
func (d *Device) schemaFor(ctx context.Context, svc *soap.Service) (*scpd.Document, error) {
	d.mu.Lock()
	var cached **scpd.Document
	switch svc {
	case d.desc.AVTransport:
		cached = &d.avtSchema
	case d.desc.RenderingControl:
		cached = &d.rcSchema
	default:
		d.mu.Unlock()
		return nil, fmt.Errorf("no schema cache for service %s", svc.Type)
	}
	if *cached != nil {
		doc := *cached
		d.mu.Unlock()
		return doc, nil
	}
	d.mu.Unlock()

	payload, err := d.client.FetchXML(ctx, svc.SCPDURL)
	if err != nil {
		return nil, err
	}
	doc, err := scpd.Parse(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	*cached = doc
	d.mu.Unlock()
	return doc, nil
}

// invoke dispatches one SOAP action on a service, building arguments from
// the service's schema. Returns errActionUnsupported when the SCPD does not
// list the action.
func (d *Device) invoke(ctx context.Context, svc *soap.Service, actionName string, values map[string]string, contentFeatures string) (*soap.Reply, error) {
	if svc == nil {
		return nil, errActionUnsupported
	}
	doc, err := d.schemaFor(ctx, svc)
	if err != nil {
		return nil, err
	}
	action := doc.Action(actionName)
	if action == nil {
		return nil, errActionUnsupported
	}
	args := doc.BuildArgumentsXML(action, values)
	return d.client.Invoke(ctx, *svc, actionName, args, contentFeatures)
}

func (d *Device) invokeAVT(ctx context.Context, action string, values map[string]string, contentFeatures string) (*soap.Reply, error) {
	return d.invoke(ctx, d.desc.AVTransport, action, values, contentFeatures)
}

func (d *Device) invokeRC(ctx context.Context, action string, values map[string]string) (*soap.Reply, error) {
	return d.invoke(ctx, d.desc.RenderingControl, action, values, "")
}

// --- queue worker --------------------------------------------------------

func (d *Device) queueLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.queue.wake:
		}
		for {
			select {
			case <-d.done:
				return
			default:
			}
			cmd := d.queue.pop()
			if cmd == nil {
				break
			}
			ctx := context.Background()
			d.ensureSubscribed(ctx)
			d.dispatch(ctx, cmd)
			// Pacing: one command per interval caps the device's request
			// rate.
			d.sleep(d.opts.QueueInterval)
		}
	}
}

func (d *Device) ensureSubscribed(ctx context.Context) {
	d.mu.Lock()
	need := d.avtSID == "" || d.rcSID == ""
	d.mu.Unlock()
	if need {
		d.subscribe(ctx)
	}
}

func (d *Device) dispatch(ctx context.Context, cmd *command) {
	var err error
	switch cmd.kind {
	case cmdSetVolume:
		d.dispatchSetVolume(ctx, cmd.volume)
	case cmdMute:
		d.dispatchMute(ctx, true)
	case cmdUnmute:
		d.dispatchMute(ctx, false)
	case cmdToggleMute:
		d.mu.Lock()
		target := !d.muted
		d.mu.Unlock()
		d.dispatchMute(ctx, target)
	case cmdPlay:
		err = d.dispatchTransport(ctx, "Play")
	case cmdPause:
		err = d.dispatchTransport(ctx, "Pause")
	case cmdStop:
		err = d.dispatchTransport(ctx, "Stop")
	case cmdSeek:
		d.dispatchSeek(ctx, cmd.ticks)
	case cmdQueue:
		d.dispatchQueue(ctx, cmd.media)
	case cmdQueueNext:
		d.dispatchQueueNext(ctx, cmd.media)
	}
	if err != nil {
		log.Printf("PLAYTO: %s: %s: %v", d.name(), cmd.kind, err)
	}
}

func (d *Device) dispatchSetVolume(ctx context.Context, device int) bool {
	d.mu.Lock()
	if device == d.volume {
		d.mu.Unlock()
		return true
	}
	d.mu.Unlock()

	_, err := d.invokeRC(ctx, "SetVolume", map[string]string{
		"InstanceID":    "0",
		"Channel":       "Master",
		"DesiredVolume": strconv.Itoa(device),
	})
	if err != nil {
		log.Printf("PLAYTO: %s: SetVolume(%d): %v", d.name(), device, err)
		return false
	}

	d.mu.Lock()
	if d.volume > 0 {
		d.muteVol = d.volume
	}
	d.volume = device
	if device > 0 {
		d.muteVol = device
	}
	d.lastVolumeRefresh = d.now()
	d.mu.Unlock()
	return true
}

func (d *Device) dispatchMute(ctx context.Context, mute bool) {
	d.mu.Lock()
	if d.muted == mute {
		d.mu.Unlock()
		return
	}
	restore := d.muteVol
	if restore == 0 {
		restore = d.volRange.Step() * 4
	}
	d.mu.Unlock()

	desired := "0"
	if mute {
		desired = "1"
	}
	_, err := d.invokeRC(ctx, "SetMute", map[string]string{
		"InstanceID":  "0",
		"Channel":     "Master",
		"DesiredMute": desired,
	})
	if err == nil {
		d.mu.Lock()
		d.muted = mute
		d.lastMuteRefresh = d.now()
		d.mu.Unlock()
		return
	}
	if !errors.Is(err, errActionUnsupported) {
		log.Printf("PLAYTO: %s: SetMute: %v, falling back to volume", d.name(), err)
	}

	// No usable SetMute: emulate with volume.
	target := 0
	if !mute {
		target = restore
	}
	if d.dispatchSetVolume(ctx, target) {
		d.mu.Lock()
		d.muted = mute
		d.lastMuteRefresh = d.now()
		d.mu.Unlock()
	}
}

func (d *Device) dispatchTransport(ctx context.Context, action string) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	values := map[string]string{"InstanceID": "0"}
	var optimistic TransportState
	switch action {
	case "Play":
		if state.IsPlaying() {
			return nil
		}
		values["Speed"] = "1"
		optimistic = StatePlaying
	case "Pause":
		if state.IsPaused() {
			return nil
		}
		optimistic = StatePausedPlayback
	case "Stop":
		if state.IsStopped() {
			return nil
		}
		optimistic = StateStopped
	}

	if _, err := d.invokeAVT(ctx, action, values, ""); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = optimistic
	d.lastTransportRefresh = d.now()
	d.mu.Unlock()
	d.pulseTimer(timerPulseDelay)
	return nil
}

func (d *Device) dispatchSeek(ctx context.Context, ticks int64) {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if !state.IsPlaying() && !state.IsPaused() {
		return
	}
	if err := d.seekTo(ctx, ticks); err != nil {
		log.Printf("PLAYTO: %s: Seek: %v", d.name(), err)
	}
}

func (d *Device) seekTo(ctx context.Context, ticks int64) error {
	_, err := d.invokeAVT(ctx, "Seek", map[string]string{
		"InstanceID": "0",
		"Unit":       "REL_TIME",
		"Target":     FormatTicks(ticks),
	}, "")
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.positionTicks = ticks
	d.lastPositionRefresh = d.now()
	d.mu.Unlock()
	return nil
}

// dispatchQueue runs the media change protocol. A URL that differs from the
// current one only in its seek origin is a seek within the same item; the
// URI is replaced only when the direct seek path does not apply.
func (d *Device) dispatchQueue(ctx context.Context, m *MediaData) {
	if m == nil {
		return
	}

	d.mu.Lock()
	playing := d.state.IsPlaying()
	current := ""
	if d.media != nil {
		current = d.media.URL
	}
	d.mu.Unlock()

	if playing && current != "" && stream.StripStartTicks(m.URL) == stream.StripStartTicks(current) {
		if m.URL != current {
			if _, err := d.invokeAVT(ctx, "Stop", map[string]string{"InstanceID": "0"}, ""); err == nil {
				d.mu.Lock()
				d.state = StateTransitioning
				d.media = nil
				d.mu.Unlock()
			} else {
				log.Printf("PLAYTO: %s: Stop before transition: %v", d.name(), err)
			}
		}
		if m.ResetPlayback || m.PositionTicks > 0 {
			if err := d.seekTo(ctx, m.PositionTicks); err == nil {
				return
			}
		}
	}

	if _, err := d.invokeAVT(ctx, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         m.URL,
		"CurrentURIMetaData": m.Metadata,
	}, m.ContentFeatures); err != nil {
		log.Printf("PLAYTO: %s: SetAVTransportURI: %v", d.name(), err)
		return
	}

	// Renderers need a moment to load the URI before accepting Play.
	d.sleep(mediaLoadDelay)

	if _, err := d.invokeAVT(ctx, "Play", map[string]string{"InstanceID": "0", "Speed": "1"}, ""); err != nil {
		log.Printf("PLAYTO: %s: Play after SetAVTransportURI: %v", d.name(), err)
		return
	}

	d.mu.Lock()
	d.media = &UBase{ID: stream.GetItemID(m.URL), URL: m.URL}
	d.mediaType = m.MediaType
	d.state = StatePlaying
	d.lastTransportRefresh = d.now()
	d.lastMetaRefresh = d.now()
	d.mu.Unlock()
	d.pulseTimer(timerPulseDelay)
}

func (d *Device) dispatchQueueNext(ctx context.Context, m *MediaData) {
	if m == nil {
		return
	}
	if _, err := d.invokeAVT(ctx, "SetNextAVTransportURI", map[string]string{
		"InstanceID":      "0",
		"NextURI":         m.URL,
		"NextURIMetaData": m.Metadata,
	}, m.ContentFeatures); err != nil && !errors.Is(err, errActionUnsupported) {
		log.Printf("PLAYTO: %s: SetNextAVTransportURI: %v", d.name(), err)
	}
}

// --- polling -------------------------------------------------------------

func (d *Device) pollLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.pollTimer.C:
			d.poll(context.Background())
		}
	}
}

// pulseTimer reschedules the next poll.
func (d *Device) pulseTimer(delay time.Duration) {
	d.mu.Lock()
	disposed := d.disposed
	d.pollIdle = false
	d.mu.Unlock()
	if disposed {
		return
	}
	d.pollTimer.Reset(delay)
}

func (d *Device) poll(ctx context.Context) {
	reply, err := d.invokeAVT(ctx, "GetTransportInfo", map[string]string{"InstanceID": "0"}, "")
	if err != nil {
		d.mu.Lock()
		d.pollFailures++
		failures := d.pollFailures
		d.mu.Unlock()
		log.Printf("PLAYTO: %s: poll failed (%d/%d): %v", d.name(), failures, maxPollFailures, err)
		if failures >= maxPollFailures {
			d.observer.OnDeviceUnavailable()
			return
		}
		d.pulseTimer(d.opts.PollInterval)
		return
	}

	d.mu.Lock()
	d.pollFailures = 0
	d.mu.Unlock()

	state := ParseTransportState(reply.Get("CurrentTransportState"))
	if state == StateError {
		d.pulseTimer(d.opts.PollInterval)
		return
	}

	d.mu.Lock()
	d.state = state
	d.lastTransportRefresh = d.now()
	d.mu.Unlock()

	if state.IsStopped() {
		// Idle until a subscription event wakes the timer back up.
		d.mu.Lock()
		d.pollIdle = true
		d.mu.Unlock()
		d.updateMediaInfo(nil)
		return
	}

	if posReply, err := d.invokeAVT(ctx, "GetPositionInfo", map[string]string{"InstanceID": "0"}, ""); err == nil {
		d.absorbPositionInfo(ctx, posReply)
	} else {
		log.Printf("PLAYTO: %s: GetPositionInfo: %v", d.name(), err)
	}
	d.pulseTimer(d.opts.PollInterval)
}

// absorbPositionInfo folds a GetPositionInfo reply into the cached state
// and derives the current media from its metadata.
func (d *Device) absorbPositionInfo(ctx context.Context, reply *soap.Reply) {
	d.mu.Lock()
	if duration, ok := ParseClock(reply.Get("TrackDuration")); ok {
		d.durationTicks = duration
	}
	if position, ok := ParseClock(reply.Get("RelTime")); ok {
		d.positionTicks = position
		d.lastPositionRefresh = d.now()
	}
	// Half the measured round-trip smooths the position the UI shows.
	d.transportOffset = time.Duration(float64(reply.RoundTrip) / 1.8)
	d.mu.Unlock()

	media := d.mediaFromMetadata(reply.Get("TrackMetaData"), reply.Get("TrackURI"))
	if media == nil {
		media = d.fetchMediaInfo(ctx)
	}
	if media != nil {
		d.updateMediaInfo(media)
	}
}

// mediaFromMetadata builds a UBase from DIDL metadata, falling back to the
// raw track URI.
func (d *Device) mediaFromMetadata(metadata, trackURI string) *UBase {
	metadata = strings.TrimSpace(metadata)
	if metadata != "" && metadata != "NOT_IMPLEMENTED" {
		if item, err := didl.Parse(metadata); err == nil && item.URL != "" {
			id := item.ID
			if fromURL := stream.GetItemID(item.URL); fromURL != "" {
				id = fromURL
			}
			return &UBase{ID: id, URL: item.URL}
		}
	}
	if trackURI != "" && trackURI != "NOT_IMPLEMENTED" {
		return &UBase{ID: stream.GetItemID(trackURI), URL: trackURI}
	}
	return nil
}

// fetchMediaInfo asks the device what is loaded, rate-limited by the meta
// cache timestamp.
func (d *Device) fetchMediaInfo(ctx context.Context) *UBase {
	d.mu.Lock()
	fresh := d.now().Sub(d.lastMetaRefresh) < cacheTTL
	d.mu.Unlock()
	if fresh {
		return nil
	}
	reply, err := d.invokeAVT(ctx, "GetMediaInfo", map[string]string{"InstanceID": "0"}, "")
	if err != nil {
		return nil
	}
	d.mu.Lock()
	d.lastMetaRefresh = d.now()
	d.mu.Unlock()
	return d.mediaFromMetadata(reply.Get("CurrentURIMetaData"), reply.Get("CurrentURI"))
}

// --- cache refresh helpers ----------------------------------------------

// RefreshTransport polls GetTransportInfo unless the cache is fresh.
func (d *Device) RefreshTransport(ctx context.Context) {
	d.mu.Lock()
	fresh := d.now().Sub(d.lastTransportRefresh) < cacheTTL
	d.mu.Unlock()
	if fresh {
		return
	}
	reply, err := d.invokeAVT(ctx, "GetTransportInfo", map[string]string{"InstanceID": "0"}, "")
	if err != nil {
		return
	}
	state := ParseTransportState(reply.Get("CurrentTransportState"))
	d.mu.Lock()
	if state != StateError {
		d.state = state
	}
	d.lastTransportRefresh = d.now()
	d.mu.Unlock()
}

// RefreshPosition polls GetPositionInfo unless the cache is fresh.
func (d *Device) RefreshPosition(ctx context.Context) {
	d.mu.Lock()
	fresh := d.now().Sub(d.lastPositionRefresh) < cacheTTL
	d.mu.Unlock()
	if fresh {
		return
	}
	reply, err := d.invokeAVT(ctx, "GetPositionInfo", map[string]string{"InstanceID": "0"}, "")
	if err != nil {
		return
	}
	d.absorbPositionInfo(ctx, reply)
}

// RefreshVolume polls GetVolume unless the cache is fresh.
func (d *Device) RefreshVolume(ctx context.Context) {
	d.mu.Lock()
	fresh := d.now().Sub(d.lastVolumeRefresh) < cacheTTL
	d.mu.Unlock()
	if fresh {
		return
	}
	reply, err := d.invokeRC(ctx, "GetVolume", map[string]string{"InstanceID": "0", "Channel": "Master"})
	if err != nil {
		return
	}
	if volume, err := strconv.Atoi(reply.Get("CurrentVolume")); err == nil {
		d.mu.Lock()
		d.volume = volume
		if volume > 0 {
			d.muteVol = volume
		}
		d.lastVolumeRefresh = d.now()
		d.mu.Unlock()
	}
}

// RefreshMute polls GetMute unless the cache is fresh.
func (d *Device) RefreshMute(ctx context.Context) {
	d.mu.Lock()
	fresh := d.now().Sub(d.lastMuteRefresh) < cacheTTL
	d.mu.Unlock()
	if fresh {
		return
	}
	reply, err := d.invokeRC(ctx, "GetMute", map[string]string{"InstanceID": "0", "Channel": "Master"})
	if err != nil {
		return
	}
	d.mu.Lock()
	d.muted = reply.Get("CurrentMute") == "1"
	d.lastMuteRefresh = d.now()
	d.mu.Unlock()
}

// --- eventing ------------------------------------------------------------

func (d *Device) subscribe(ctx context.Context) {
	callback := strings.TrimRight(d.opts.ServerURL, "/") + "/Dlna/Eventing/" + d.opts.SessionID

	d.mu.Lock()
	avtSID, rcSID := d.avtSID, d.rcSID
	d.mu.Unlock()

	if svc := d.desc.AVTransport; svc != nil {
		sid, _, err := d.subs.Subscribe(ctx, svc.EventSubURL, callback, avtSID, avTransportStateVars)
		switch {
		case err == nil:
			d.mu.Lock()
			d.avtSID = sid
			d.lastRenewal = d.now()
			d.mu.Unlock()
		case errors.Is(err, soap.ErrSubscriptionNotFound):
			// Device forgot the SID; a fresh subscribe happens on the next
			// ensureSubscribed pass.
			d.mu.Lock()
			d.avtSID = ""
			d.mu.Unlock()
		default:
			log.Printf("PLAYTO: %s: subscribe avtransport: %v", d.name(), err)
		}
	}

	if svc := d.desc.RenderingControl; svc != nil {
		sid, _, err := d.subs.Subscribe(ctx, svc.EventSubURL, callback, rcSID, renderingControlStateVars)
		switch {
		case err == nil:
			d.mu.Lock()
			d.rcSID = sid
			d.lastRenewal = d.now()
			d.mu.Unlock()
		case errors.Is(err, soap.ErrSubscriptionNotFound):
			d.mu.Lock()
			d.rcSID = ""
			d.mu.Unlock()
		default:
			log.Printf("PLAYTO: %s: subscribe renderingcontrol: %v", d.name(), err)
		}
	}
}

// HandleEvent reconciles one NOTIFY body against cached state. The device's
// reported state wins except while Transitioning, which is a transient state
// we induced ourselves.
func (d *Device) HandleEvent(ctx context.Context, body []byte) {
	values, err := soap.Flatten(body)
	if err != nil {
		log.Printf("PLAYTO: %s: malformed event: %v", d.name(), err)
		return
	}
	// LastChange nests another escaped document; the decoder has already
	// unescaped it once.
	if inner := strings.TrimSpace(values["LastChange"]); strings.HasPrefix(inner, "<") {
		if innerValues, err := soap.Flatten([]byte(inner)); err == nil {
			for k, v := range innerValues {
				values[k] = v
			}
		}
	}

	if raw, ok := values["Mute.val"]; ok {
		d.mu.Lock()
		d.muted = raw == "1" || strings.EqualFold(raw, "true")
		d.lastMuteRefresh = d.now()
		d.mu.Unlock()
	}
	if raw, ok := values["Volume.val"]; ok {
		if volume, err := strconv.Atoi(raw); err == nil {
			d.mu.Lock()
			d.volume = volume
			if volume > 0 {
				d.muteVol = volume
			}
			d.lastVolumeRefresh = d.now()
			d.mu.Unlock()
		}
	}

	rawState, ok := values["TransportState.val"]
	if !ok {
		rawState, ok = values["CurrentTransportState.val"]
	}
	stopped := false
	if ok {
		next := ParseTransportState(rawState)
		d.mu.Lock()
		if next != d.state && d.state != StateTransitioning {
			d.state = next
			d.lastTransportRefresh = d.now()
			stopped = next.IsStopped()
		}
		d.mu.Unlock()
	}
	if stopped {
		d.updateMediaInfo(nil)
		d.pulseTimer(d.opts.PollInterval)
		return
	}

	d.mu.Lock()
	wake := d.pollIdle && !d.state.IsStopped()
	d.mu.Unlock()
	if wake {
		// Playback started on the device side while polling was idle.
		d.pulseTimer(timerPulseDelay)
	}

	if raw, ok := values["RelativeTimePosition.val"]; ok {
		if position, parsed := ParseClock(raw); parsed {
			d.mu.Lock()
			d.positionTicks = position
			d.lastPositionRefresh = d.now()
			d.mu.Unlock()
		}
	} else if d.State().IsPlaying() {
		d.RefreshPosition(ctx)
	}
	if raw, ok := values["CurrentTrackDuration.val"]; ok {
		if duration, parsed := ParseClock(raw); parsed {
			d.mu.Lock()
			d.durationTicks = duration
			d.mu.Unlock()
		}
	}

	media := d.mediaFromEvent(values)
	if media == nil {
		media = d.fetchMediaInfo(ctx)
	}
	if media != nil {
		d.updateMediaInfo(media)
	}

	d.renewSubscriptions(ctx)
}

func (d *Device) mediaFromEvent(values map[string]string) *UBase {
	if metadata := values["CurrentTrackMetaData.val"]; metadata != "" {
		if media := d.mediaFromMetadata(metadata, ""); media != nil {
			return media
		}
	}
	url := values["res"]
	if url == "" {
		url = values["TrackURI"]
	}
	if url == "" {
		url = values["AVTransportURI.val"]
	}
	if url == "" {
		return nil
	}
	id := values["item.id"]
	if fromURL := stream.GetItemID(url); fromURL != "" {
		id = fromURL
	}
	return &UBase{ID: id, URL: url}
}

func (d *Device) renewSubscriptions(ctx context.Context) {
	d.mu.Lock()
	due := d.now().Sub(d.lastRenewal) >= renewalInterval
	d.mu.Unlock()
	if due {
		d.subscribe(ctx)
	}
}

// --- media transitions ---------------------------------------------------

// updateMediaInfo applies a new current-media observation and emits the
// matching playback transition. A non-nil media with an empty URL is
// ignored to avoid spurious stops.
func (d *Device) updateMediaInfo(next *UBase) {
	d.mu.Lock()
	if next != nil && next.URL == "" {
		d.mu.Unlock()
		return
	}
	previous := d.media
	d.media = next
	if next != nil {
		d.lastMetaRefresh = d.now()
	}
	info := PlaybackInfo{
		Media:         next,
		MediaType:     d.mediaType,
		PositionTicks: d.positionWithOffsetLocked(),
		DurationTicks: d.durationTicks,
	}
	d.mu.Unlock()

	if d.observer == nil {
		return
	}
	switch {
	case previous == nil && next != nil:
		d.observer.OnPlaybackStart(info)
	case previous != nil && next != nil && previous.ID == next.ID:
		d.observer.OnPlaybackProgress(info)
	case previous != nil && next != nil:
		d.observer.OnMediaChanged(previous, info)
	case previous != nil && next == nil:
		info.Media = previous
		d.observer.OnPlaybackStopped(info)
	}
}

// --- time helpers --------------------------------------------------------

// FormatTicks renders a tick position as hh:mm:ss for REL_TIME seeks.
func FormatTicks(ticks int64) string {
	seconds := ticks / TicksPerSecond
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// ParseClock parses hh:mm:ss[.fraction] into ticks.
func ParseClock(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "NOT_IMPLEMENTED" {
		return 0, false
	}
	if dot := strings.IndexByte(raw, '.'); dot != -1 {
		raw = raw[:dot]
	}
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return 0, false
	}
	var total int64
	for _, part := range parts {
		value, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return 0, false
		}
		total = total*60 + value
	}
	return total * TicksPerSecond, true
}
