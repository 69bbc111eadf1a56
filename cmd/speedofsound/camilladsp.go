package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CamillaDSPClientInterface is the part of the CamillaDSP API that CamillaSink
// needs.
type CamillaDSPClientInterface interface {
	SetVolume(targetDB float64) (float64, error)
	GetVolume() (float64, error)
	GetState() (string, error)
	Close() error
}

// camillaReply is the body of a CamillaDSP answer, keyed by command name:
//
//	{"GetVolume": {"result": "Ok", "value": -12.5}}
type camillaReply struct {
	Result string          `json:"result"`
	Value  json.RawMessage `json:"value,omitempty"`
}

var errCamillaNotConnected = errors.New("camilladsp: not connected")

// CamillaDSPClient talks to the CamillaDSP websocket API. Commands are
// serialized; a broken connection is dropped and re-dialed lazily on the next
// command.
type CamillaDSPClient struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewCamillaDSPClient dials wsURL, retrying a few times before giving up.
func NewCamillaDSPClient(wsURL string, logger *slog.Logger, readTimeoutMS int) (*CamillaDSPClient, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	c := &CamillaDSPClient{
		url:     wsURL,
		timeout: time.Duration(readTimeoutMS) * time.Millisecond,
		logger:  logger,
	}

	var err error
	for attempt := 1; attempt <= camillaConnectAttempts; attempt++ {
		c.mu.Lock()
		err = c.dialLocked()
		c.mu.Unlock()
		if err == nil {
			logger.Info("connected to CamillaDSP", "url", wsURL)
			return c, nil
		}
		logger.Warn("CamillaDSP not reachable", "error", err, "attempt", attempt)
		time.Sleep(camillaRetryDelay)
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", camillaConnectAttempts, err)
}

func (c *CamillaDSPClient) dialLocked() error {
	d := websocket.Dialer{HandshakeTimeout: camillaHandshakeTimeout}
	conn, _, err := d.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *CamillaDSPClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call sends cmd and returns the reply stored under name. A result other than
// "Ok" is an error.
func (c *CamillaDSPClient) call(name string, cmd any) (camillaReply, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return camillaReply{}, fmt.Errorf("marshal %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(); err != nil {
			return camillaReply{}, fmt.Errorf("%w: %v", errCamillaNotConnected, err)
		}
		c.logger.Info("reconnected to CamillaDSP", "url", c.url)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.dropLocked()
		return camillaReply{}, fmt.Errorf("send %s: %w", name, err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return camillaReply{}, fmt.Errorf("read %s reply: %w", name, err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	var replies map[string]camillaReply
	if err := json.Unmarshal(raw, &replies); err != nil {
		return camillaReply{}, fmt.Errorf("decode %s reply: %w", name, err)
	}
	reply, ok := replies[name]
	if !ok {
		return camillaReply{}, fmt.Errorf("%s: unexpected reply %s", name, raw)
	}
	c.logger.Debug("camilladsp", "command", name, "result", reply.Result, "value", string(reply.Value))
	if reply.Result != "Ok" {
		return reply, fmt.Errorf("%s: camilladsp result %q", name, reply.Result)
	}
	return reply, nil
}

// Close drops the connection. A later command dials again.
func (c *CamillaDSPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

// SetVolume sets the Main fader in dB.
func (c *CamillaDSPClient) SetVolume(targetDB float64) (float64, error) {
	if _, err := c.call("SetVolume", map[string]float64{"SetVolume": targetDB}); err != nil {
		return 0, fmt.Errorf("set volume: %w", err)
	}
	return targetDB, nil
}

// GetVolume reads the Main fader in dB.
func (c *CamillaDSPClient) GetVolume() (float64, error) {
	reply, err := c.call("GetVolume", "GetVolume")
	if err != nil {
		return 0, fmt.Errorf("get volume: %w", err)
	}
	var db float64
	if err := json.Unmarshal(reply.Value, &db); err != nil {
		return 0, fmt.Errorf("get volume: decode value: %w", err)
	}
	return db, nil
}

// GetState reports the processing state ("Running", "Paused", ...).
func (c *CamillaDSPClient) GetState() (string, error) {
	reply, err := c.call("GetState", "GetState")
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	var state string
	if err := json.Unmarshal(reply.Value, &state); err != nil {
		return "", fmt.Errorf("get state: decode value: %w", err)
	}
	return state, nil
}
