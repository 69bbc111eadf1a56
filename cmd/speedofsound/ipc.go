package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Positioning helpers, udev/ACPI hooks and sosctl feed speed samples and
// environment changes to the daemon over a Unix socket.
//
// Protocol: line-delimited JSON, one reply per non-empty line
//   -> {"type": "speed_sample", "data": {"speed": 12.5}}
//   <- {"status": "ok"}
//   <- {"status": "error", "error": "event queue full"}
// ============================================================================

const (
	ipcMaxLineBytes = 64 * 1024
	ipcSocketMode   = 0o660
)

// IPCResponse is the reply to one request line.
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

var ipcOK = IPCResponse{Status: "ok"}

func ipcError(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}

type ipcServer struct {
	path   string
	events chan<- Event
	logger *slog.Logger
}

// runIPCServer serves socketPath until ctx is canceled, then removes it.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	s := &ipcServer{path: socketPath, events: events, logger: logger}

	ln, err := s.listen()
	if err != nil {
		return err
	}
	defer os.Remove(socketPath)
	defer ln.Close()

	logger.Info("IPC listening", "socket", socketPath)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

// listen replaces any stale socket file left by a previous run.
func (s *ipcServer) listen() (net.Listener, error) {
	if err := os.RemoveAll(s.path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, ipcSocketMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *ipcServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), ipcMaxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(line)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("IPC failed to send response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("IPC read error", "error", err)
	}
}

// dispatch decodes one request line and queues the event without blocking.
func (s *ipcServer) dispatch(line []byte) IPCResponse {
	ev, err := UnmarshalEvent(line)
	if err != nil {
		s.logger.Debug("IPC rejected line", "error", err)
		return ipcError("parse event: %v", err)
	}
	select {
	case s.events <- ev:
		typ, _ := eventType(ev)
		s.logger.Debug("IPC queued event", "type", typ)
		return ipcOK
	default:
		return ipcError("event queue full")
	}
}
