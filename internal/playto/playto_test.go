package playto

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/playto/hub/internal/upnp/description"
	"github.com/playto/hub/internal/upnp/soap"
)

const avtSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <actionList>
    <action><name>SetAVTransportURI</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>CurrentURI</name><direction>in</direction><relatedStateVariable>AVTransportURI</relatedStateVariable></argument>
      <argument><name>CurrentURIMetaData</name><direction>in</direction><relatedStateVariable>AVTransportURIMetaData</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>SetNextAVTransportURI</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>NextURI</name><direction>in</direction><relatedStateVariable>AVTransportURI</relatedStateVariable></argument>
      <argument><name>NextURIMetaData</name><direction>in</direction><relatedStateVariable>AVTransportURIMetaData</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>Play</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>Speed</name><direction>in</direction><relatedStateVariable>TransportPlaySpeed</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>Pause</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>Stop</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>Seek</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>Unit</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_SeekMode</relatedStateVariable></argument>
      <argument><name>Target</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_SeekTarget</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>GetTransportInfo</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>CurrentTransportState</name><direction>out</direction><relatedStateVariable>TransportState</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>GetPositionInfo</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>TrackDuration</name><direction>out</direction><relatedStateVariable>CurrentTrackDuration</relatedStateVariable></argument>
      <argument><name>RelTime</name><direction>out</direction><relatedStateVariable>RelativeTimePosition</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>GetMediaInfo</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>CurrentURI</name><direction>out</direction><relatedStateVariable>AVTransportURI</relatedStateVariable></argument>
    </argumentList></action>
  </actionList>
  <serviceStateTable>
    <stateVariable><name>A_ARG_TYPE_InstanceID</name><dataType>ui4</dataType></stateVariable>
    <stateVariable><name>TransportState</name><dataType>string</dataType><allowedValueList>
      <allowedValue>STOPPED</allowedValue><allowedValue>PLAYING</allowedValue>
      <allowedValue>TRANSITIONING</allowedValue><allowedValue>PAUSED_PLAYBACK</allowedValue>
      <allowedValue>NO_MEDIA_PRESENT</allowedValue>
    </allowedValueList></stateVariable>
    <stateVariable><name>TransportPlaySpeed</name><dataType>string</dataType><allowedValueList>
      <allowedValue>1</allowedValue>
    </allowedValueList></stateVariable>
    <stateVariable><name>A_ARG_TYPE_SeekMode</name><dataType>string</dataType><allowedValueList>
      <allowedValue>TRACK_NR</allowedValue><allowedValue>REL_TIME</allowedValue>
    </allowedValueList></stateVariable>
    <stateVariable><name>A_ARG_TYPE_SeekTarget</name><dataType>string</dataType></stateVariable>
    <stateVariable><name>AVTransportURI</name><dataType>string</dataType></stateVariable>
    <stateVariable><name>AVTransportURIMetaData</name><dataType>string</dataType></stateVariable>
    <stateVariable><name>CurrentTrackDuration</name><dataType>string</dataType></stateVariable>
    <stateVariable><name>RelativeTimePosition</name><dataType>string</dataType></stateVariable>
  </serviceStateTable>
</scpd>`

const rcMuteActions = `
    <action><name>SetMute</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>Channel</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Channel</relatedStateVariable></argument>
      <argument><name>DesiredMute</name><direction>in</direction><relatedStateVariable>Mute</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>GetMute</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>Channel</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Channel</relatedStateVariable></argument>
      <argument><name>CurrentMute</name><direction>out</direction><relatedStateVariable>Mute</relatedStateVariable></argument>
    </argumentList></action>`

func rcSCPD(withMute bool) string {
	muteActions := ""
	if withMute {
		muteActions = rcMuteActions
	}
	return `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <actionList>
    <action><name>SetVolume</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>Channel</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Channel</relatedStateVariable></argument>
      <argument><name>DesiredVolume</name><direction>in</direction><relatedStateVariable>Volume</relatedStateVariable></argument>
    </argumentList></action>
    <action><name>GetVolume</name><argumentList>
      <argument><name>InstanceID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_InstanceID</relatedStateVariable></argument>
      <argument><name>Channel</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Channel</relatedStateVariable></argument>
      <argument><name>CurrentVolume</name><direction>out</direction><relatedStateVariable>Volume</relatedStateVariable></argument>
    </argumentList></action>` + muteActions + `
  </actionList>
  <serviceStateTable>
    <stateVariable><name>A_ARG_TYPE_InstanceID</name><dataType>ui4</dataType></stateVariable>
    <stateVariable><name>A_ARG_TYPE_Channel</name><dataType>string</dataType><allowedValueList>
      <allowedValue>Master</allowedValue>
    </allowedValueList></stateVariable>
    <stateVariable><name>Volume</name><dataType>ui2</dataType><allowedValueRange>
      <minimum>0</minimum><maximum>100</maximum><step>1</step>
    </allowedValueRange></stateVariable>
    <stateVariable><name>Mute</name><dataType>boolean</dataType></stateVariable>
  </serviceStateTable>
</scpd>`
}

type recordedAction struct {
	Name string
	Body string
}

// fakeRenderer is an httptest-backed MediaRenderer: SCPD documents, a SOAP
// control endpoint with canned replies, and a GENA event endpoint.
type fakeRenderer struct {
	srv *httptest.Server

	mu      sync.Mutex
	actions []recordedAction
	replies map[string]map[string]string
}

func newFakeRenderer(t *testing.T, withMute bool) *fakeRenderer {
	t.Helper()

	f := &fakeRenderer{
		replies: map[string]map[string]string{
			"GetTransportInfo": {"CurrentTransportState": "STOPPED", "CurrentTransportStatus": "OK"},
			"GetPositionInfo":  {"TrackDuration": "0:00:00", "RelTime": "0:00:00"},
			"GetMediaInfo":     {"NrTracks": "0"},
			"GetVolume":        {"CurrentVolume": "0"},
			"GetMute":          {"CurrentMute": "0"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/avt.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, avtSCPD)
	})
	mux.HandleFunc("/rc.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, rcSCPD(withMute))
	})
	mux.HandleFunc("/control", f.handleControl)
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "SUBSCRIBE":
			w.Header().Set("SID", "uuid:sub-1")
			w.Header().Set("TIMEOUT", "Second-60")
		case "UNSUBSCRIBE":
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRenderer) handleControl(w http.ResponseWriter, r *http.Request) {
	soapAction := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
	parts := strings.SplitN(soapAction, "#", 2)
	if len(parts) != 2 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	serviceType, action := parts[0], parts[1]
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.actions = append(f.actions, recordedAction{Name: action, Body: string(body)})
	values := f.replies[action]
	f.mu.Unlock()

	var args strings.Builder
	for k, v := range values {
		args.WriteString("<" + k + ">" + v + "</" + k + ">")
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	io.WriteString(w, `<?xml version="1.0"?>`+
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`+
		`<s:Body><u:`+action+`Response xmlns:u="`+serviceType+`">`+args.String()+
		`</u:`+action+`Response></s:Body></s:Envelope>`)
}

func (f *fakeRenderer) setReply(action string, values map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[action] = values
}

func (f *fakeRenderer) recorded() []recordedAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedAction, len(f.actions))
	copy(out, f.actions)
	return out
}

func (f *fakeRenderer) actionNames() []string {
	var names []string
	for _, a := range f.recorded() {
		names = append(names, a.Name)
	}
	return names
}

// firstAction returns the first recorded action with the given name.
func (f *fakeRenderer) firstAction(name string) (recordedAction, bool) {
	for _, a := range f.recorded() {
		if a.Name == name {
			return a, true
		}
	}
	return recordedAction{}, false
}

func (f *fakeRenderer) countAction(name string) int {
	count := 0
	for _, a := range f.recorded() {
		if a.Name == name {
			count++
		}
	}
	return count
}

func (f *fakeRenderer) description() *description.Description {
	base := f.srv.URL
	return &description.Description{
		UUID:         "0c62cd49-ba2e-4d56-a56f-2b5b2f0e8a30",
		FriendlyName: "Test Renderer",
		DeviceType:   "urn:schemas-upnp-org:device:MediaRenderer:1",
		BaseURL:      base,
		AVTransport: &soap.Service{
			Type:        soap.ServiceTypeAVTransport,
			SCPDURL:     base + "/avt.xml",
			ControlURL:  base + "/control",
			EventSubURL: base + "/event",
		},
		RenderingControl: &soap.Service{
			Type:        soap.ServiceTypeRenderingControl,
			SCPDURL:     base + "/rc.xml",
			ControlURL:  base + "/control",
			EventSubURL: base + "/event",
		},
	}
}

// newTestDevice builds a Device against the fake renderer with fast timers
// and no real sleeps. The worker loops are not started; tests drive
// dispatch directly or start queueLoop themselves.
func newTestDevice(t *testing.T, f *fakeRenderer, observer PlaybackObserver) *Device {
	t.Helper()
	client := soap.NewClient(2*time.Second, "test-agent", "hub")
	subs := soap.NewSubscriptionClient(2*time.Second, "test-agent")
	d := NewDevice(f.description(), client, subs, observer, DeviceOptions{
		SessionID:     "sess-1",
		ServerURL:     "http://10.0.0.2:9200",
		QueueInterval: time.Millisecond,
		PollInterval:  time.Hour,
	})
	d.sleep = func(time.Duration) {}
	t.Cleanup(func() { d.Dispose(context.Background()) })
	return d
}

// freshenCaches stamps every refresh timestamp so reconciliation paths do
// not reach for the network.
func (d *Device) freshenCaches() {
	d.mu.Lock()
	now := d.now()
	d.lastTransportRefresh = now
	d.lastPositionRefresh = now
	d.lastVolumeRefresh = now
	d.lastMuteRefresh = now
	d.lastMetaRefresh = now
	d.lastRenewal = now
	d.mu.Unlock()
}

// --- host-side fakes -----------------------------------------------------

type fakeSessions struct {
	mu       sync.Mutex
	activity int
	caps     [][]string
	starts   []ProgressInfo
	progress []ProgressInfo
	stops    []ProgressInfo
	ended    []string
}

func (s *fakeSessions) LogSessionActivity(string) {
	s.mu.Lock()
	s.activity++
	s.mu.Unlock()
}

func (s *fakeSessions) ReportCapabilities(_ string, commands []string) {
	s.mu.Lock()
	s.caps = append(s.caps, commands)
	s.mu.Unlock()
}

func (s *fakeSessions) OnPlaybackStart(info ProgressInfo) {
	s.mu.Lock()
	s.starts = append(s.starts, info)
	s.mu.Unlock()
}

func (s *fakeSessions) OnPlaybackProgress(info ProgressInfo) {
	s.mu.Lock()
	s.progress = append(s.progress, info)
	s.mu.Unlock()
}

func (s *fakeSessions) OnPlaybackStopped(info ProgressInfo) {
	s.mu.Lock()
	s.stops = append(s.stops, info)
	s.mu.Unlock()
}

func (s *fakeSessions) ReportSessionEnded(id string) {
	s.mu.Lock()
	s.ended = append(s.ended, id)
	s.mu.Unlock()
}

func (s *fakeSessions) lastStop() (ProgressInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stops) == 0 {
		return ProgressInfo{}, false
	}
	return s.stops[len(s.stops)-1], true
}

type fakeLibrary map[string]LibraryItem

func (l fakeLibrary) Items(_ context.Context, ids []string) ([]LibraryItem, error) {
	var out []LibraryItem
	for _, id := range ids {
		if item, ok := l[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	starts   []PlaybackInfo
	progress []PlaybackInfo
	stops    []PlaybackInfo
	changed  []PlaybackInfo
	gone     int
}

func (o *recordingObserver) OnPlaybackStart(info PlaybackInfo) {
	o.mu.Lock()
	o.starts = append(o.starts, info)
	o.mu.Unlock()
}

func (o *recordingObserver) OnPlaybackProgress(info PlaybackInfo) {
	o.mu.Lock()
	o.progress = append(o.progress, info)
	o.mu.Unlock()
}

func (o *recordingObserver) OnPlaybackStopped(info PlaybackInfo) {
	o.mu.Lock()
	o.stops = append(o.stops, info)
	o.mu.Unlock()
}

func (o *recordingObserver) OnMediaChanged(_ *UBase, info PlaybackInfo) {
	o.mu.Lock()
	o.changed = append(o.changed, info)
	o.mu.Unlock()
}

func (o *recordingObserver) OnDeviceUnavailable() {
	o.mu.Lock()
	o.gone++
	o.mu.Unlock()
}
