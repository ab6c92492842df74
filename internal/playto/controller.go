package playto

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"html"
	"log"
	"math"
	"math/big"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/playto/hub/internal/profile"
	"github.com/playto/hub/internal/stream"
	"github.com/playto/hub/internal/upnp/didl"
)

// PlayCommand selects how a play request merges with the current playlist.
type PlayCommand string

const (
	PlayNow        PlayCommand = "PlayNow"
	PlayNext       PlayCommand = "PlayNext"
	PlayLast       PlayCommand = "PlayLast"
	PlayShuffle    PlayCommand = "PlayShuffle"
	PlayInstantMix PlayCommand = "PlayInstantMix"
)

// PlaystateCommand is a transport-level command from the host.
type PlaystateCommand string

const (
	PlaystateStop          PlaystateCommand = "Stop"
	PlaystatePause         PlaystateCommand = "Pause"
	PlaystateUnpause       PlaystateCommand = "Unpause"
	PlaystatePlayPause     PlaystateCommand = "PlayPause"
	PlaystateSeek          PlaystateCommand = "Seek"
	PlaystateNextTrack     PlaystateCommand = "NextTrack"
	PlaystatePreviousTrack PlaystateCommand = "PreviousTrack"
	PlaystateRewind        PlaystateCommand = "Rewind"
	PlaystateFastForward   PlaystateCommand = "FastForward"
)

// skipInterval is how far Rewind and FastForward jump.
const skipInterval = 30 * TicksPerSecond

// PlayRequest asks the controller to play a set of library items.
type PlayRequest struct {
	ItemIDs             []string    `json:"item_ids"`
	StartIndex          int         `json:"start_index"`
	StartPositionTicks  int64       `json:"start_position_ticks"`
	MediaSourceID       string      `json:"media_source_id,omitempty"`
	AudioStreamIndex    *int        `json:"audio_stream_index,omitempty"`
	SubtitleStreamIndex *int        `json:"subtitle_stream_index,omitempty"`
	Command             PlayCommand `json:"command"`
}

// PlaystateRequest carries one transport command.
type PlaystateRequest struct {
	Command           PlaystateCommand `json:"command"`
	SeekPositionTicks int64            `json:"seek_position_ticks,omitempty"`
}

// GeneralCommand carries a named non-transport command (volume, mute,
// stream selection).
type GeneralCommand struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// LibraryItem is a resolved media item from the host library.
type LibraryItem struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MediaType     MediaType `json:"media_type"`
	MediaSourceID string    `json:"media_source_id,omitempty"`
	RunTimeTicks  int64     `json:"run_time_ticks,omitempty"`
	MimeType      string    `json:"mime_type,omitempty"`
}

// Library resolves item ids to playable items.
type Library interface {
	Items(ctx context.Context, ids []string) ([]LibraryItem, error)
}

// ProgressInfo is what the controller reports to the host session manager.
type ProgressInfo struct {
	SessionID     string    `json:"session_id"`
	ItemID        string    `json:"item_id"`
	MediaType     MediaType `json:"media_type,omitempty"`
	PositionTicks int64     `json:"position_ticks"`
	DurationTicks int64     `json:"duration_ticks,omitempty"`
	IsPaused      bool      `json:"is_paused"`
}

// SessionManager is the host-side session surface the controller reports to.
type SessionManager interface {
	LogSessionActivity(sessionID string)
	ReportCapabilities(sessionID string, commands []string)
	OnPlaybackStart(info ProgressInfo)
	OnPlaybackProgress(info ProgressInfo)
	OnPlaybackStopped(info ProgressInfo)
	ReportSessionEnded(sessionID string)
}

// SupportedCommands is what a renderer session advertises to the host.
var SupportedCommands = []string{
	"PlayNow", "PlayNext", "PlayLast", "PlayShuffle", "PlayInstantMix",
	"Stop", "Pause", "Unpause", "PlayPause", "Seek", "NextTrack", "PreviousTrack",
	"VolumeUp", "VolumeDown", "Mute", "Unmute", "ToggleMute", "SetVolume",
	"SetAudioStreamIndex", "SetSubtitleStreamIndex",
}

// ControllerOptions configures one Controller.
type ControllerOptions struct {
	ServerURL       string
	PhotoTransition time.Duration
	MaxResumePct    float64
}

// Controller owns the playlist and cursor for one renderer session and
// translates host play/playstate/general commands into Device operations.
// It is the Device's sole PlaybackObserver.
type Controller struct {
	device   *Device
	library  Library
	sessions SessionManager
	profile  *profile.Profile
	opts     ControllerOptions

	mu              sync.Mutex
	playlist        []*PlaylistItem
	cursor          int
	slideshow       bool
	slideshowPaused bool
	slideshowTimer  *time.Timer
	unavailable     func()

	sleep func(time.Duration)
}

// NewController wires a Controller to its Device. onUnavailable is invoked
// when the device stops answering polls; the registry uses it to tear the
// session down.
func NewController(device *Device, library Library, sessions SessionManager, prof *profile.Profile, onUnavailable func(), opts ControllerOptions) *Controller {
	if opts.PhotoTransition <= 0 {
		opts.PhotoTransition = 5 * time.Second
	}
	if opts.MaxResumePct <= 0 {
		opts.MaxResumePct = 10
	}
	return &Controller{
		device:      device,
		library:     library,
		sessions:    sessions,
		profile:     prof,
		opts:        opts,
		cursor:      -1,
		unavailable: onUnavailable,
		sleep:       time.Sleep,
	}
}

// SetProfile replaces the device profile after a registry refresh.
func (c *Controller) SetProfile(prof *profile.Profile) {
	c.mu.Lock()
	c.profile = prof
	c.mu.Unlock()
}

// Playlist returns a snapshot of the playlist and cursor. Items are copied
// by value so callers never observe an in-place URL rebuild.
func (c *Controller) Playlist() ([]PlaylistItem, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]PlaylistItem, len(c.playlist))
	for i, item := range c.playlist {
		items[i] = *item
	}
	return items, c.cursor
}

// Play handles a host play request.
func (c *Controller) Play(ctx context.Context, req PlayRequest) error {
	c.sessions.LogSessionActivity(c.device.SessionID())

	resolved, err := c.library.Items(ctx, req.ItemIDs)
	if err != nil {
		return fmt.Errorf("resolve items: %w", err)
	}

	var built []*PlaylistItem
	for _, item := range resolved {
		if !c.profile.SupportsMediaType(string(item.MediaType)) {
			continue
		}
		pi := c.createPlaylistItem(item, req)
		if pi == nil {
			continue
		}
		built = append(built, pi)
	}

	if req.StartIndex > 0 && req.StartIndex < len(built) {
		built = built[req.StartIndex:]
	}
	if len(built) > 0 {
		built[0].StartPositionTicks = req.StartPositionTicks
		if !built[0].IsDirectStream && req.StartPositionTicks > 0 {
			built[0].StreamURL = stream.WithStartTicks(built[0].StreamURL, req.StartPositionTicks)
			built[0].Metadata = c.buildMetadata(built[0])
		}
	}

	switch req.Command {
	case PlayLast:
		c.mu.Lock()
		playing := c.cursor >= 0 && len(c.playlist) > 0
		c.playlist = append(c.playlist, built...)
		c.mu.Unlock()
		if playing {
			return nil
		}
		return c.SetPlaylistIndex(ctx, 0)

	case PlayNext:
		c.mu.Lock()
		playing := c.cursor >= 0 && len(c.playlist) > 0
		if c.cursor < 0 || c.cursor >= len(c.playlist) {
			c.playlist = append(c.playlist, built...)
		} else {
			at := c.cursor
			rest := append([]*PlaylistItem{}, c.playlist[at:]...)
			c.playlist = append(append(c.playlist[:at:at], built...), rest...)
			c.cursor += len(built)
		}
		c.mu.Unlock()
		if playing {
			return nil
		}
		return c.SetPlaylistIndex(ctx, 0)

	case PlayShuffle, PlayInstantMix:
		shufflePlaylist(built)
		fallthrough

	default: // PlayNow
		c.mu.Lock()
		c.playlist = built
		c.mu.Unlock()
		if len(built) == 0 {
			return c.SetPlaylistIndex(ctx, -1)
		}
		return c.SetPlaylistIndex(ctx, 0)
	}
}

// SetPlaylistIndex moves the cursor and starts playback of that entry. An
// out-of-range index clears the playlist and stops the device.
func (c *Controller) SetPlaylistIndex(ctx context.Context, index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.playlist) {
		c.playlist = nil
		c.cursor = -1
		c.stopSlideshowLocked()
		c.mu.Unlock()
		c.device.Stop()
		return nil
	}

	c.cursor = index
	item := c.playlist[index]
	var next *PlaylistItem
	if index < len(c.playlist)-1 {
		next = c.playlist[index+1]
	}
	if item.MediaType == MediaTypePhoto {
		c.slideshow = true
		c.armSlideshowLocked()
	} else {
		c.stopSlideshowLocked()
	}
	c.mu.Unlock()

	c.device.Queue(c.mediaDataFor(item, index > 0))
	// Pipelines gapless playback on renderers that honor it.
	if next != nil {
		c.device.QueueNext(c.mediaDataFor(next, true))
	}
	return nil
}

// Playstate handles a transport command. In slideshow mode the transport
// commands drive the slideshow timer instead of the renderer.
func (c *Controller) Playstate(ctx context.Context, req PlaystateRequest) error {
	c.sessions.LogSessionActivity(c.device.SessionID())

	c.mu.Lock()
	slideshow := c.slideshow
	cursor := c.cursor
	c.mu.Unlock()

	if slideshow {
		switch req.Command {
		case PlaystateStop:
			return c.SetPlaylistIndex(ctx, -1)
		case PlaystatePause:
			c.mu.Lock()
			c.slideshowPaused = true
			if c.slideshowTimer != nil {
				c.slideshowTimer.Stop()
			}
			c.mu.Unlock()
		case PlaystateUnpause, PlaystatePlayPause:
			c.mu.Lock()
			c.slideshowPaused = false
			c.armSlideshowLocked()
			c.mu.Unlock()
		case PlaystateNextTrack:
			return c.SetPlaylistIndex(ctx, cursor+1)
		case PlaystatePreviousTrack:
			return c.SetPlaylistIndex(ctx, cursor-1)
		}
		return nil
	}

	switch req.Command {
	case PlaystateStop:
		c.mu.Lock()
		c.cursor = -1
		c.mu.Unlock()
		c.device.Stop()
	case PlaystatePause:
		c.device.Pause()
	case PlaystateUnpause:
		c.device.Play()
	case PlaystatePlayPause:
		if c.device.State().IsPlaying() {
			c.device.Pause()
		} else {
			c.device.Play()
		}
	case PlaystateSeek:
		c.seek(ctx, req.SeekPositionTicks)
	case PlaystateNextTrack:
		return c.SetPlaylistIndex(ctx, cursor+1)
	case PlaystatePreviousTrack:
		return c.SetPlaylistIndex(ctx, cursor-1)
	case PlaystateRewind:
		target := c.device.PositionTicks() - skipInterval
		if target < 0 {
			target = 0
		}
		c.seek(ctx, target)
	case PlaystateFastForward:
		c.seek(ctx, c.device.PositionTicks()+skipInterval)
	}
	return nil
}

// seek routes a seek by stream kind: direct streams seek on the renderer,
// transcoded streams encode the origin server-side so the URI is rebuilt.
func (c *Controller) seek(ctx context.Context, ticks int64) {
	c.mu.Lock()
	item := c.currentItemLocked()
	if item == nil || item.IsDirectStream {
		c.mu.Unlock()
		c.device.Seek(ticks)
		return
	}

	item.StreamURL = stream.WithStartTicks(item.StreamURL, ticks)
	item.StartPositionTicks = ticks
	item.Metadata = c.buildMetadata(item)
	media := c.mediaDataFor(item, false)
	c.mu.Unlock()
	c.device.Queue(media)
}

// HandleGeneralCommand handles volume, mute, and stream-index commands.
func (c *Controller) HandleGeneralCommand(ctx context.Context, cmd GeneralCommand) error {
	c.sessions.LogSessionActivity(c.device.SessionID())

	switch cmd.Name {
	case "VolumeUp":
		c.device.VolumeUp()
	case "VolumeDown":
		c.device.VolumeDown()
	case "Mute":
		c.device.Mute()
	case "Unmute":
		c.device.Unmute()
	case "ToggleMute":
		c.device.ToggleMute()
	case "SetVolume":
		volume, err := strconv.Atoi(cmd.Arguments["Volume"])
		if err != nil {
			return fmt.Errorf("SetVolume: bad volume %q", cmd.Arguments["Volume"])
		}
		c.device.SetVolume(volume)
	case "SetAudioStreamIndex":
		index, err := strconv.Atoi(cmd.Arguments["Index"])
		if err != nil {
			return fmt.Errorf("SetAudioStreamIndex: bad index %q", cmd.Arguments["Index"])
		}
		c.changeStreamIndex(ctx, &index, nil)
	case "SetSubtitleStreamIndex":
		index, err := strconv.Atoi(cmd.Arguments["Index"])
		if err != nil {
			return fmt.Errorf("SetSubtitleStreamIndex: bad index %q", cmd.Arguments["Index"])
		}
		c.changeStreamIndex(ctx, nil, &index)
	default:
		return fmt.Errorf("unknown general command %q", cmd.Name)
	}
	return nil
}

// changeStreamIndex rebuilds the current item's URL with the new stream
// index and replaces the transport URI. Direct streams seek back to the
// pre-change position once the renderer accepts the new URI.
func (c *Controller) changeStreamIndex(ctx context.Context, audioIdx, subIdx *int) {
	position := c.device.PositionTicks()

	c.mu.Lock()
	item := c.currentItemLocked()
	if item == nil {
		c.mu.Unlock()
		return
	}

	params, err := stream.ParseParams(item.StreamURL)
	if err != nil {
		c.mu.Unlock()
		log.Printf("PLAYTO: parse stream url: %v", err)
		return
	}
	if audioIdx != nil {
		params.AudioStreamIndex = audioIdx
		item.AudioStreamIndex = audioIdx
	}
	if subIdx != nil {
		params.SubtitleStreamIndex = subIdx
		item.SubtitleStreamIndex = subIdx
	}
	if !item.IsDirectStream {
		params.StartPositionTicks = position
	}

	base := baseOf(item.StreamURL)
	switch item.MediaType {
	case MediaTypeAudio:
		item.StreamURL = stream.BuildAudioURL(base, params)
	default:
		item.StreamURL = stream.BuildVideoURL(base, params)
	}
	item.Metadata = c.buildMetadata(item)
	media := c.mediaDataFor(item, false)
	direct := item.IsDirectStream
	c.mu.Unlock()

	c.device.Queue(media)
	if direct && position > 0 {
		go c.seekAfterTransportChange(position)
	}
}

// seekAfterTransportChange waits for the renderer to start playing the new
// URI, then seeks. Bounded at 15 seconds.
func (c *Controller) seekAfterTransportChange(ticks int64) {
	const (
		pollEvery = 500 * time.Millisecond
		maxWait   = 15 * time.Second
	)
	for waited := time.Duration(0); waited < maxWait; waited += pollEvery {
		if c.device.State().IsPlaying() {
			c.device.Seek(ticks)
			return
		}
		c.sleep(pollEvery)
	}
	c.device.Seek(ticks)
}

// --- slideshow -----------------------------------------------------------

// armSlideshowLocked (re)arms the one-shot transition timer. Caller holds
// the lock.
func (c *Controller) armSlideshowLocked() {
	if c.slideshowPaused {
		return
	}
	if c.slideshowTimer == nil {
		c.slideshowTimer = time.AfterFunc(c.opts.PhotoTransition, c.slideshowFire)
		return
	}
	c.slideshowTimer.Reset(c.opts.PhotoTransition)
}

func (c *Controller) stopSlideshowLocked() {
	c.slideshow = false
	c.slideshowPaused = false
	if c.slideshowTimer != nil {
		c.slideshowTimer.Stop()
	}
}

func (c *Controller) slideshowFire() {
	c.mu.Lock()
	if !c.slideshow || c.slideshowPaused {
		c.mu.Unlock()
		return
	}
	next := c.cursor + 1
	c.mu.Unlock()
	if err := c.SetPlaylistIndex(context.Background(), next); err != nil {
		log.Printf("PLAYTO: slideshow advance: %v", err)
	}
}

// --- playback observer ---------------------------------------------------

func (c *Controller) OnPlaybackStart(info PlaybackInfo) {
	c.sessions.OnPlaybackStart(c.progressInfo(info))
}

func (c *Controller) OnPlaybackProgress(info PlaybackInfo) {
	c.sessions.OnPlaybackProgress(c.progressInfo(info))
}

func (c *Controller) OnMediaChanged(previous *UBase, info PlaybackInfo) {
	stopped := c.progressInfo(info)
	stopped.ItemID = previous.ID
	c.sessions.OnPlaybackStopped(stopped)
	c.sessions.OnPlaybackStart(c.progressInfo(info))
}

// OnPlaybackStopped decides between natural completion (auto-advance) and a
// user stop (clear the playlist).
func (c *Controller) OnPlaybackStopped(info PlaybackInfo) {
	c.sessions.OnPlaybackStopped(c.progressInfo(info))

	completed := info.PositionTicks == 0
	if !completed && info.DurationTicks > 0 {
		deviation := math.Abs(1-float64(info.PositionTicks)/float64(info.DurationTicks)) * 100
		completed = deviation <= c.opts.MaxResumePct
	}

	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	if completed {
		if err := c.SetPlaylistIndex(context.Background(), cursor+1); err != nil {
			log.Printf("PLAYTO: auto-advance: %v", err)
		}
		return
	}
	c.mu.Lock()
	c.playlist = nil
	c.cursor = -1
	c.stopSlideshowLocked()
	c.mu.Unlock()
}

func (c *Controller) OnDeviceUnavailable() {
	if c.unavailable != nil {
		c.unavailable()
	}
}

func (c *Controller) progressInfo(info PlaybackInfo) ProgressInfo {
	pi := ProgressInfo{
		SessionID:     c.device.SessionID(),
		MediaType:     info.MediaType,
		PositionTicks: info.PositionTicks,
		DurationTicks: info.DurationTicks,
		IsPaused:      c.device.State().IsPaused(),
	}
	if info.Media != nil {
		pi.ItemID = info.Media.ID
	}
	// Photos never record a resume position.
	if info.MediaType == MediaTypePhoto {
		pi.PositionTicks = 1
	}
	return pi
}

// --- playlist item construction ------------------------------------------

// createPlaylistItem resolves one library item into a renderer-ready entry.
// Items that yield no stream URL are dropped.
func (c *Controller) createPlaylistItem(item LibraryItem, req PlayRequest) *PlaylistItem {
	pi := &PlaylistItem{
		ItemID:              item.ID,
		Title:               item.Name,
		MediaType:           item.MediaType,
		MediaSourceID:       firstNonEmpty(req.MediaSourceID, item.MediaSourceID),
		RunTimeTicks:        item.RunTimeTicks,
		AudioStreamIndex:    req.AudioStreamIndex,
		SubtitleStreamIndex: req.SubtitleStreamIndex,
		Profile:             c.profile,
	}

	switch item.MediaType {
	case MediaTypePhoto:
		pi.StreamURL = stream.BuildPhotoURL(c.opts.ServerURL, item.ID)
		pi.IsDirectStream = true
	case MediaTypeVideo:
		pi.IsDirectStream = c.profile.SupportsDirectPlay(string(MediaTypeVideo))
		pi.StreamURL = stream.BuildVideoURL(c.opts.ServerURL, c.streamParams(pi))
	case MediaTypeAudio:
		pi.IsDirectStream = c.profile.SupportsDirectPlay(string(MediaTypeAudio))
		pi.StreamURL = stream.BuildAudioURL(c.opts.ServerURL, c.streamParams(pi))
	default:
		return nil
	}
	if pi.StreamURL == "" {
		return nil
	}

	pi.ContentFeatures = contentFeaturesFor(pi)
	pi.Metadata = c.buildMetadata(pi)
	return pi
}

func (c *Controller) streamParams(pi *PlaylistItem) stream.Params {
	return stream.Params{
		ItemID:              pi.ItemID,
		MediaSourceID:       pi.MediaSourceID,
		DeviceID:            c.device.Description().UUID,
		IsDirectStream:      pi.IsDirectStream,
		AudioStreamIndex:    pi.AudioStreamIndex,
		SubtitleStreamIndex: pi.SubtitleStreamIndex,
	}
}

func (c *Controller) currentItemLocked() *PlaylistItem {
	if c.cursor < 0 || c.cursor >= len(c.playlist) {
		return nil
	}
	return c.playlist[c.cursor]
}

// mediaDataFor packages a playlist item for the device queue. Direct
// streams carry their start offset for a renderer-side seek; transcoded
// streams already encode it in the URL.
func (c *Controller) mediaDataFor(item *PlaylistItem, reset bool) *MediaData {
	position := int64(0)
	if item.IsDirectStream {
		position = item.StartPositionTicks
	}
	return &MediaData{
		URL:             item.StreamURL,
		ContentFeatures: item.ContentFeatures,
		Metadata:        item.Metadata,
		MediaType:       item.MediaType,
		ResetPlayback:   reset,
		PositionTicks:   position,
	}
}

func (c *Controller) buildMetadata(item *PlaylistItem) string {
	class := didl.ClassVideo
	switch item.MediaType {
	case MediaTypeAudio:
		class = didl.ClassAudio
	case MediaTypePhoto:
		class = didl.ClassPhoto
	}
	metadata := didl.Build(didl.Item{
		ID:           item.ItemID,
		Title:        item.Title,
		Class:        class,
		ProtocolInfo: "http-get:*:" + mimeFor(item) + ":" + item.ContentFeatures,
		URL:          item.StreamURL,
	})
	if c.profile != nil && c.profile.RequiresEscapedMetadata {
		metadata = html.EscapeString(metadata)
	}
	return metadata
}

func mimeFor(item *PlaylistItem) string {
	switch item.MediaType {
	case MediaTypeAudio:
		return "audio/mpeg"
	case MediaTypePhoto:
		return "image/jpeg"
	default:
		return "video/x-matroska"
	}
}

func contentFeaturesFor(item *PlaylistItem) string {
	if item.IsDirectStream {
		return "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01500000000000000000000000000000"
	}
	return "DLNA.ORG_OP=00;DLNA.ORG_CI=1;DLNA.ORG_FLAGS=01500000000000000000000000000000"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func baseOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return parsed.Scheme + "://" + parsed.Host
}

// --- shuffle -------------------------------------------------------------

// shufflePlaylist runs a Fisher-Yates shuffle with an unbiased CSPRNG draw.
func shufflePlaylist(items []*PlaylistItem) {
	for i := len(items) - 1; i > 0; i-- {
		j := secureIntn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// secureIntn draws a uniform value in [0, n) from crypto/rand, rejecting
// bytes that would bias the modulo.
func secureIntn(n int) int {
	if n <= 1 {
		return 0
	}
	if n <= 256 {
		limit := 256 - 256%n
		var buf [1]byte
		for {
			if _, err := crand.Read(buf[:]); err != nil {
				break
			}
			if int(buf[0]) < limit {
				return int(buf[0]) % n
			}
		}
	}
	v, err := crand.Int(crand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
