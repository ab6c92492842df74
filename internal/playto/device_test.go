package playto

import (
	"context"
	"html"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playto/hub/internal/stream"
	"github.com/playto/hub/internal/upnp/scpd"
)

func notifyBody(lastChange string) []byte {
	return []byte(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">` +
		`<e:property><LastChange>` + html.EscapeString(lastChange) + `</LastChange></e:property>` +
		`</e:propertyset>`)
}

func avtEvent(inner string) string {
	return `<Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/"><InstanceID val="0">` + inner + `</InstanceID></Event>`
}

func TestPlayDispatchOptimisticState(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	d.dispatch(context.Background(), &command{kind: cmdPlay})

	action, ok := f.firstAction("Play")
	require.True(t, ok)
	require.Contains(t, action.Body, ">1</Speed>")
	require.Contains(t, []TransportState{StatePlaying, StateTransitioning}, d.State())
}

func TestPlaySuppressedWhenAlreadyPlaying(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	d.mu.Lock()
	d.state = StatePlaying
	d.mu.Unlock()

	d.dispatch(context.Background(), &command{kind: cmdPlay})

	require.Zero(t, f.countAction("Play"))
}

func TestSeekDispatchFormatsRelTime(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	d.mu.Lock()
	d.state = StatePlaying
	d.mu.Unlock()

	d.dispatch(context.Background(), &command{kind: cmdSeek, ticks: 5_000_000_000})

	action, ok := f.firstAction("Seek")
	require.True(t, ok)
	require.Contains(t, action.Body, ">REL_TIME</Unit>")
	require.Contains(t, action.Body, ">00:08:20</Target>")
	require.Zero(t, f.countAction("SetAVTransportURI"))
	require.Equal(t, int64(5_000_000_000), d.PositionTicks())
}

func TestSeekSuppressedWhenStopped(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	d.dispatch(context.Background(), &command{kind: cmdSeek, ticks: 1000})

	require.Zero(t, f.countAction("Seek"))
}

func TestMediaChangeSetsURIAndPlays(t *testing.T) {
	f := newFakeRenderer(t, true)
	obs := &recordingObserver{}
	d := newTestDevice(t, f, obs)

	url := "http://10.0.0.2:9200/Videos/v1/stream.mkv?Static=true&StartTimeTicks=0&dlna=true"
	d.dispatch(context.Background(), &command{kind: cmdQueue, media: &MediaData{
		URL:             url,
		Metadata:        "<DIDL-Lite/>",
		ContentFeatures: "DLNA.ORG_OP=01",
		MediaType:       MediaTypeVideo,
	}})

	names := f.actionNames()
	require.Contains(t, names, "SetAVTransportURI")
	require.Contains(t, names, "Play")

	require.Equal(t, StatePlaying, d.State())
	media := d.Media()
	require.NotNil(t, media)
	require.Equal(t, url, media.URL)
	require.Equal(t, "v1", media.ID)
}

func TestTranscodeSeekReplacesURIWithoutSoapSeek(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	oldURL := "http://10.0.0.2:9200/Videos/v1/stream.mkv?Static=false&StartTimeTicks=0&dlna=true"
	newURL := stream.WithStartTicks(oldURL, 5_000_000_000)
	d.mu.Lock()
	d.state = StatePlaying
	d.media = &UBase{ID: "v1", URL: oldURL}
	d.mu.Unlock()

	d.dispatch(context.Background(), &command{kind: cmdQueue, media: &MediaData{
		URL:       newURL,
		MediaType: MediaTypeVideo,
	}})

	require.Zero(t, f.countAction("Seek"))
	action, ok := f.firstAction("SetAVTransportURI")
	require.True(t, ok)
	require.Contains(t, action.Body, "StartTimeTicks=5000000000")
	// The renderer was stopped first because the raw URL changed.
	require.Equal(t, 1, f.countAction("Stop"))
}

func TestSameItemDirectSeekViaQueue(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	url := "http://10.0.0.2:9200/Videos/v1/stream.mkv?Static=true&StartTimeTicks=0&dlna=true"
	d.mu.Lock()
	d.state = StatePlaying
	d.media = &UBase{ID: "v1", URL: url}
	d.mu.Unlock()

	d.dispatch(context.Background(), &command{kind: cmdQueue, media: &MediaData{
		URL:           url,
		MediaType:     MediaTypeVideo,
		ResetPlayback: true,
		PositionTicks: 5_000_000_000,
	}})

	// Same raw URL: no stop, no URI replacement, just a renderer-side seek.
	require.Zero(t, f.countAction("Stop"))
	require.Zero(t, f.countAction("SetAVTransportURI"))
	require.Equal(t, 1, f.countAction("Seek"))
}

func TestQueueNextDoesNotTouchPlayback(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	d.dispatch(context.Background(), &command{kind: cmdQueueNext, media: &MediaData{
		URL:      "http://10.0.0.2:9200/Videos/v2/stream.mkv?Static=true&dlna=true",
		Metadata: "<DIDL-Lite/>",
	}})

	require.Equal(t, 1, f.countAction("SetNextAVTransportURI"))
	require.Zero(t, f.countAction("Play"))
	require.Zero(t, f.countAction("SetAVTransportURI"))
}

func TestMuteFallbackToVolume(t *testing.T) {
	f := newFakeRenderer(t, false) // no SetMute in the SCPD
	d := newTestDevice(t, f, nil)
	d.mu.Lock()
	d.volume = 30
	d.mu.Unlock()

	d.dispatch(context.Background(), &command{kind: cmdToggleMute})

	require.Zero(t, f.countAction("SetMute"))
	action, ok := f.firstAction("SetVolume")
	require.True(t, ok)
	require.Contains(t, action.Body, ">0</DesiredVolume>")
	require.True(t, d.IsMuted())
	require.Equal(t, 30, d.muteVol)

	d.dispatch(context.Background(), &command{kind: cmdToggleMute})

	require.Equal(t, 2, f.countAction("SetVolume"))
	restored := f.recorded()[len(f.recorded())-1]
	require.Contains(t, restored.Body, ">30</DesiredVolume>")
	require.False(t, d.IsMuted())
}

func TestSetMutePreferredWhenAvailable(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	d.dispatch(context.Background(), &command{kind: cmdMute})

	require.Equal(t, 1, f.countAction("SetMute"))
	require.Zero(t, f.countAction("SetVolume"))
	require.True(t, d.IsMuted())
}

func TestTransitioningGuard(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	d.freshenCaches()
	d.mu.Lock()
	d.state = StateTransitioning
	d.mu.Unlock()

	d.HandleEvent(context.Background(), notifyBody(avtEvent(`<TransportState val="PLAYING"/>`)))

	// A stale event must not overwrite a self-induced transition.
	require.Equal(t, StateTransitioning, d.State())

	// Outside the Transitioning window the device's report wins.
	d.mu.Lock()
	d.state = StatePausedPlayback
	d.mu.Unlock()
	d.HandleEvent(context.Background(), notifyBody(avtEvent(`<TransportState val="PLAYING"/>`)))
	require.Equal(t, StatePlaying, d.State())
}

func TestEventReconciliation(t *testing.T) {
	f := newFakeRenderer(t, true)
	obs := &recordingObserver{}
	d := newTestDevice(t, f, obs)
	d.freshenCaches()
	d.mu.Lock()
	d.state = StatePlaying
	d.mu.Unlock()

	didl := `<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"><item id="v1" parentID="-1" restricted="1"><dc:title>Movie</dc:title><upnp:class>object.item.videoItem</upnp:class><res protocolInfo="http-get:*:video/x-matroska:*">http://10.0.0.2:9200/Videos/v1/stream.mkv?Static=true&amp;dlna=true</res></item></DIDL-Lite>`
	inner := `<Mute channel="Master" val="1"/>` +
		`<Volume channel="Master" val="42"/>` +
		`<RelativeTimePosition val="00:01:00"/>` +
		`<CurrentTrackDuration val="00:10:00"/>` +
		`<CurrentTrackMetaData val="` + html.EscapeString(didl) + `"/>`

	d.HandleEvent(context.Background(), notifyBody(avtEvent(inner)))

	require.True(t, d.IsMuted())
	d.mu.Lock()
	require.Equal(t, 42, d.volume)
	require.Equal(t, 42, d.muteVol)
	d.mu.Unlock()
	require.Equal(t, int64(60)*TicksPerSecond, d.PositionTicks())
	require.Equal(t, int64(600)*TicksPerSecond, d.DurationTicks())

	media := d.Media()
	require.NotNil(t, media)
	require.Equal(t, "v1", media.ID)
	require.Contains(t, media.URL, "/Videos/v1/")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.starts, 1)
}

func TestEventStoppedClearsMedia(t *testing.T) {
	f := newFakeRenderer(t, true)
	obs := &recordingObserver{}
	d := newTestDevice(t, f, obs)
	d.freshenCaches()
	d.mu.Lock()
	d.state = StatePlaying
	d.media = &UBase{ID: "v1", URL: "http://h/Videos/v1/stream.mkv"}
	d.positionTicks = 123
	d.mu.Unlock()

	d.HandleEvent(context.Background(), notifyBody(avtEvent(`<TransportState val="STOPPED"/>`)))

	require.Equal(t, StateStopped, d.State())
	require.Nil(t, d.Media())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.stops, 1)
	require.Equal(t, "v1", obs.stops[0].Media.ID)
}

func TestMalformedEventSwallowed(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	d.freshenCaches()
	d.mu.Lock()
	d.state = StatePlaying
	d.mu.Unlock()

	d.HandleEvent(context.Background(), []byte("this is not xml"))

	require.Equal(t, StatePlaying, d.State())
}

func TestUpdateMediaInfoTransitions(t *testing.T) {
	f := newFakeRenderer(t, true)
	obs := &recordingObserver{}
	d := newTestDevice(t, f, obs)

	a := &UBase{ID: "a", URL: "http://h/Videos/a/stream.mkv"}
	aAgain := &UBase{ID: "a", URL: "http://h/Videos/a/stream.mkv?x=1"}
	b := &UBase{ID: "b", URL: "http://h/Videos/b/stream.mkv"}

	d.updateMediaInfo(a)      // none -> A
	d.updateMediaInfo(aAgain) // same id -> progress
	d.updateMediaInfo(b)      // different id -> changed
	d.updateMediaInfo(&UBase{ID: "ghost", URL: ""}) // ignored
	d.updateMediaInfo(nil)    // -> stopped

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.starts, 1)
	require.Len(t, obs.progress, 1)
	require.Len(t, obs.changed, 1)
	require.Len(t, obs.stops, 1)
	require.Equal(t, "b", obs.stops[0].Media.ID)
}

func TestPollStoppedUpdatesMediaToNil(t *testing.T) {
	f := newFakeRenderer(t, true)
	obs := &recordingObserver{}
	d := newTestDevice(t, f, obs)
	d.mu.Lock()
	d.state = StatePlaying
	d.media = &UBase{ID: "a", URL: "http://h/Videos/a/stream.mkv"}
	d.mu.Unlock()

	f.setReply("GetTransportInfo", map[string]string{"CurrentTransportState": "STOPPED"})
	d.poll(context.Background())

	require.Equal(t, StateStopped, d.State())
	require.Nil(t, d.Media())
}

func TestPollAbsorbsPositionAndDuration(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	f.setReply("GetTransportInfo", map[string]string{"CurrentTransportState": "PLAYING"})
	f.setReply("GetPositionInfo", map[string]string{
		"TrackDuration": "0:10:00",
		"RelTime":       "0:01:30",
		"TrackURI":      "http://10.0.0.2:9200/Videos/v1/stream.mkv?Static=true&amp;dlna=true",
	})

	d.poll(context.Background())

	require.Equal(t, StatePlaying, d.State())
	require.Equal(t, int64(600)*TicksPerSecond, d.DurationTicks())
	// Offset from the measured round-trip may nudge the position forward.
	require.GreaterOrEqual(t, d.PositionTicks(), int64(90)*TicksPerSecond)
	media := d.Media()
	require.NotNil(t, media)
	require.Equal(t, "v1", media.ID)
}

func TestPollResumesAfterDeviceStartedPlayback(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	d.freshenCaches()
	d.mu.Lock()
	d.state = StatePlaying
	d.mu.Unlock()

	// A poll that observes Stopped idles the timer.
	f.setReply("GetTransportInfo", map[string]string{"CurrentTransportState": "STOPPED"})
	d.poll(context.Background())
	require.Equal(t, StateStopped, d.State())
	polled := f.countAction("GetTransportInfo")

	go d.pollLoop()

	// Someone starts playback on the renderer itself; the event must wake
	// polling back up so position refresh and failure detection resume.
	f.setReply("GetTransportInfo", map[string]string{"CurrentTransportState": "PLAYING"})
	d.HandleEvent(context.Background(), notifyBody(avtEvent(
		`<TransportState val="PLAYING"/><RelativeTimePosition val="00:00:05"/>`)))
	require.Equal(t, StatePlaying, d.State())

	require.Eventually(t, func() bool {
		return f.countAction("GetTransportInfo") > polled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestThreePollFailuresReportUnavailable(t *testing.T) {
	f := newFakeRenderer(t, true)
	obs := &recordingObserver{}
	d := newTestDevice(t, f, obs)

	// Point the transport at a dead control URL.
	f.srv.Close()

	for i := 0; i < 3; i++ {
		d.poll(context.Background())
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 1, obs.gone)
}

func TestVolumeStepClamping(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	d.mu.Lock()
	d.volume = 98
	d.mu.Unlock()

	d.VolumeUp()
	cmd := d.queue.pop()
	require.Equal(t, 100, cmd.volume)

	d.mu.Lock()
	d.volume = 2
	d.mu.Unlock()
	d.VolumeDown()
	cmd = d.queue.pop()
	require.Equal(t, 0, cmd.volume)
}

func TestLoadVolumeRangeFromSCPD(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)

	d.loadVolumeRange(context.Background())

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, VolumeRange{Min: 0, Max: 100}, d.volRange)
}

func TestRefreshVolumeCacheFreshness(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	f.setReply("GetVolume", map[string]string{"CurrentVolume": "25"})

	d.RefreshVolume(context.Background())
	require.Equal(t, 1, f.countAction("GetVolume"))
	require.Equal(t, 25, d.Volume())

	// Within the freshness window the cached value short-circuits.
	f.setReply("GetVolume", map[string]string{"CurrentVolume": "50"})
	d.RefreshVolume(context.Background())
	require.Equal(t, 1, f.countAction("GetVolume"))
	require.Equal(t, 25, d.Volume())
}

func TestRefreshAfterBaseURLChange(t *testing.T) {
	f := newFakeRenderer(t, true)
	d := newTestDevice(t, f, nil)
	d.mu.Lock()
	d.avtSID = "uuid:old"
	d.avtSchema = &scpd.Document{}
	d.mu.Unlock()

	next := newFakeRenderer(t, true)
	d.Refresh(next.description())

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Empty(t, d.avtSID)
	require.Nil(t, d.avtSchema)
	require.Equal(t, next.description().BaseURL, d.desc.BaseURL)
}
