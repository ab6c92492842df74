// Package session tracks host-side playback sessions and fans their state
// changes out to WebSocket subscribers (the web UI, mostly).
package session

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playto/hub/internal/playto"
)

// Event is one state change pushed to subscribers.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the host's view of one renderer session.
type State struct {
	SessionID    string              `json:"session_id"`
	Commands     []string            `json:"commands,omitempty"`
	NowPlaying   *playto.ProgressInfo `json:"now_playing,omitempty"`
	LastActivity time.Time           `json:"last_activity"`
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// Manager implements the playto.SessionManager surface and keeps a live
// snapshot per session. Subscribers with a full send buffer are dropped
// rather than allowed to stall the broadcast path.
type Manager struct {
	mu      sync.Mutex
	states  map[string]*State
	clients map[*client]struct{}

	now func() time.Time
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		states:  make(map[string]*State),
		clients: make(map[*client]struct{}),
		now:     time.Now,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local-network service, same trust model as the SOAP control plane.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWS upgrades the request and streams session events until the peer
// goes away. The current states are replayed first so a new subscriber
// starts consistent.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("SESSION: websocket upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, 32)}

	m.mu.Lock()
	for _, state := range m.states {
		select {
		case c.send <- Event{Type: "session.state", SessionID: state.SessionID, Data: snapshot(state), Timestamp: m.now()}:
		default:
		}
	}
	m.clients[c] = struct{}{}
	m.mu.Unlock()

	go m.writeLoop(c)
	m.readLoop(c)
}

func (m *Manager) writeLoop(c *client) {
	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			m.drop(c)
			return
		}
	}
	c.conn.Close()
}

// readLoop discards inbound frames; its job is noticing the disconnect.
func (m *Manager) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			m.drop(c)
			return
		}
	}
}

func (m *Manager) drop(c *client) {
	m.mu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	m.mu.Unlock()
	if ok {
		close(c.send)
	}
	c.conn.Close()
}

// broadcast queues the event for every subscriber. Callers must not hold
// the manager lock.
func (m *Manager) broadcast(event Event) {
	event.Timestamp = m.now()

	m.mu.Lock()
	var stalled []*client
	for c := range m.clients {
		select {
		case c.send <- event:
		default:
			stalled = append(stalled, c)
		}
	}
	for _, c := range stalled {
		delete(m.clients, c)
		close(c.send)
	}
	m.mu.Unlock()

	for _, c := range stalled {
		log.Printf("SESSION: dropping stalled websocket subscriber")
		c.conn.Close()
	}
}

func (m *Manager) stateFor(sessionID string) *State {
	state, ok := m.states[sessionID]
	if !ok {
		state = &State{SessionID: sessionID}
		m.states[sessionID] = state
	}
	return state
}

// LogSessionActivity stamps the session as recently used.
func (m *Manager) LogSessionActivity(sessionID string) {
	m.mu.Lock()
	m.stateFor(sessionID).LastActivity = m.now()
	m.mu.Unlock()
}

// ReportCapabilities records what commands the session accepts.
func (m *Manager) ReportCapabilities(sessionID string, commands []string) {
	m.mu.Lock()
	state := m.stateFor(sessionID)
	state.Commands = commands
	state.LastActivity = m.now()
	data := snapshot(state)
	m.mu.Unlock()

	m.broadcast(Event{Type: "session.started", SessionID: sessionID, Data: data})
}

// OnPlaybackStart records the new playing item.
func (m *Manager) OnPlaybackStart(info playto.ProgressInfo) {
	m.mu.Lock()
	state := m.stateFor(info.SessionID)
	state.NowPlaying = &info
	state.LastActivity = m.now()
	m.mu.Unlock()

	m.broadcast(Event{Type: "playback.start", SessionID: info.SessionID, Data: info})
}

// OnPlaybackProgress updates position and pause state.
func (m *Manager) OnPlaybackProgress(info playto.ProgressInfo) {
	m.mu.Lock()
	state := m.stateFor(info.SessionID)
	state.NowPlaying = &info
	m.mu.Unlock()

	m.broadcast(Event{Type: "playback.progress", SessionID: info.SessionID, Data: info})
}

// OnPlaybackStopped clears the playing item.
func (m *Manager) OnPlaybackStopped(info playto.ProgressInfo) {
	m.mu.Lock()
	state := m.stateFor(info.SessionID)
	state.NowPlaying = nil
	state.LastActivity = m.now()
	m.mu.Unlock()

	m.broadcast(Event{Type: "playback.stopped", SessionID: info.SessionID, Data: info})
}

// ReportSessionEnded forgets the session.
func (m *Manager) ReportSessionEnded(sessionID string) {
	m.mu.Lock()
	delete(m.states, sessionID)
	m.mu.Unlock()

	m.broadcast(Event{Type: "session.ended", SessionID: sessionID})
}

// Sessions snapshots all tracked sessions.
func (m *Manager) Sessions() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, snapshot(state))
	}
	return out
}

// Session returns the state for one session id.
func (m *Manager) Session(sessionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[sessionID]
	if !ok {
		return State{}, false
	}
	return snapshot(state), true
}

// Close disconnects all subscribers.
func (m *Manager) Close() {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[*client]struct{})
	for _, c := range clients {
		close(c.send)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// snapshot copies a state so callers never share the internal pointer.
func snapshot(state *State) State {
	out := *state
	if state.NowPlaying != nil {
		playing := *state.NowPlaying
		out.NowPlaying = &playing
	}
	return out
}
