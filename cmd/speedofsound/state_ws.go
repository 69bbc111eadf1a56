package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: level readout for display collaborators
// ============================================================================
//
// Displays connect to the state endpoint and receive:
//   - "state_init" once, built from a snapshot taken on the daemon goroutine
//   - "level_changed" {percent}, rate limited to one frame per coalesce window
//   - "tracking_changed" {active, reason}
//   - "speed_changed" {speed, average}, in the configured display unit
//
// Frames are JSON text messages: {type, ts, data}. A client whose send queue
// fills up is disconnected rather than allowed to stall the others.
// ============================================================================

type wsStateInitData struct {
	Active    bool    `json:"active"`
	Percent   int     `json:"percent"`
	Target    int     `json:"target"`
	Speed     float64 `json:"speed"`
	Average   float64 `json:"average"`
	Units     string  `json:"units"`
	Power     bool    `json:"power"`
	Headphone bool    `json:"headphone"`
	Link      bool    `json:"link"`
}

type wsLevelChangedData struct {
	Percent int `json:"percent"`
}

type wsTrackingChangedData struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

type wsSpeedChangedData struct {
	Speed   float64 `json:"speed"`
	Average float64 `json:"average"`
	Units   string  `json:"units"`
}

const (
	wsTypeStateInit       = "state_init"
	wsTypeLevelChanged    = "level_changed"
	wsTypeTrackingChanged = "tracking_changed"
	wsTypeSpeedChanged    = "speed_changed"
)

type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalOutbound(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int

	// BroadcastBuf is the hub inbound queue size (default 128).
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.closeSend()
	h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a serialized frame. It never blocks; when the hub
// queue is full the frame is dropped.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte
	once sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// closeSend signals writePump to exit. Safe to call more than once.
func (c *Client) closeSend() {
	c.once.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsLevelCoalesceWindow bounds how often level_changed frames are sent while
// the actuator is ramping.
const wsLevelCoalesceWindow = 50 * time.Millisecond

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("ws pump exiting (close)", "pump", pump, "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Debug("ws pump exiting", "pump", pump, "remote_addr", c.remoteAddr, "error", err)
}

// writePump drains the send queue into the websocket and keeps it alive with
// pings. It exits on write error or when send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("write", err)
				return
			}
		}
	}
}

// readPump discards inbound frames; its only job is to notice the disconnect.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type Server struct {
	logger *slog.Logger
	hub    *Hub
	units  SpeedUnit

	// Snapshot requests go through the daemon loop.
	events chan<- Event
}

type ServerConfig struct {
	Hub   HubConfig
	Units SpeedUnit
}

// NewServer constructs the state server. Register it on a mux, then run
// Hub().Run and RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		units:  cfg.Units,
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	s.hub.register <- client

	// The pumps outlive the handler; the hub and socket errors end them.
	go client.writePump()
	go client.readPump()

	snap, ok := s.requestSnapshot(r.Context())
	if !ok {
		return
	}

	msg, err := marshalOutbound(wsOutboundEvent{
		Type: wsTypeStateInit,
		Data: s.initData(snap),
		At:   snap.At,
	})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		return
	}

	select {
	case client.send <- msg:
	default:
		s.hub.unregister <- client
	}
}

// handleStatus serves the same payload as state_init as plain JSON, for
// displays that poll.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := s.requestSnapshot(r.Context())
	if !ok {
		http.Error(w, "daemon busy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.initData(snap)); err != nil {
		s.logger.Debug("status write failed", "error", err)
	}
}

func (s *Server) requestSnapshot(ctx context.Context) (StateSnapshot, bool) {
	if s.events == nil {
		return StateSnapshot{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case <-ctx.Done():
		return StateSnapshot{}, false
	case s.events <- RequestStateSnapshot{Reply: reply}:
	}

	select {
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", ctx.Err())
		}
		return StateSnapshot{}, false
	case snap := <-reply:
		return snap, true
	}
}

func (s *Server) initData(snap StateSnapshot) wsStateInitData {
	units := s.units
	if units == "" {
		units = UnitMetersPerSecond
	}
	return wsStateInitData{
		Active:    snap.Active,
		Percent:   snap.Percent,
		Target:    snap.Target,
		Speed:     units.FromNative(snap.Speed),
		Average:   units.FromNative(snap.Average),
		Units:     string(units),
		Power:     snap.Signals.PowerConnected,
		Headphone: snap.Signals.HeadphoneConnected,
		Link:      snap.Signals.SecondaryLinkConnected,
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster turns daemon broadcasts into frames for the hub. Level
// updates are latest-wins and flushed at most once per wsLevelCoalesceWindow;
// any other frame flushes a pending level first so ordering is preserved.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, units SpeedUnit, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}
	if units == "" {
		units = UnitMetersPerSecond
	}

	var pending *wsOutboundEvent
	var timer *time.Timer
	var timerC <-chan time.Time

	send := func(ev wsOutboundEvent) {
		msg, err := marshalOutbound(ev)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flush := func() {
		if pending == nil {
			return
		}
		send(*pending)
		pending = nil
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			stopTimer()
			return

		case <-timerC:
			flush()
			stopTimer()

		case b, ok := <-src:
			if !ok {
				flush()
				stopTimer()
				logger.Debug("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b, units)
			if !ok {
				continue
			}

			if ev.Type == wsTypeLevelChanged {
				pending = &ev
				if timer == nil {
					timer = time.NewTimer(wsLevelCoalesceWindow)
					timerC = timer.C
				}
				continue
			}

			flush()
			stopTimer()
			send(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast, units SpeedUnit) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastLevelChanged:
		return wsOutboundEvent{
			Type: wsTypeLevelChanged,
			Data: wsLevelChangedData{Percent: ev.Percent},
			At:   ev.At,
		}, true

	case BroadcastTrackingChanged:
		return wsOutboundEvent{
			Type: wsTypeTrackingChanged,
			Data: wsTrackingChangedData{Active: ev.Active, Reason: ev.Reason},
			At:   ev.At,
		}, true

	case BroadcastSpeedChanged:
		return wsOutboundEvent{
			Type: wsTypeSpeedChanged,
			Data: wsSpeedChangedData{
				Speed:   units.FromNative(ev.Speed),
				Average: units.FromNative(ev.Average),
				Units:   string(units),
			},
			At: ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
