package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const (
	defaultStateURL  = "ws://127.0.0.1:3002/ws/state"
	defaultStatusURL = "http://127.0.0.1:3002/status"
	levelBarWidth    = 20
)

var (
	styleLabel    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	styleLevel    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC33")).Bold(true)
	styleBarFull  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC33"))
	styleBarEmpty = lipgloss.NewStyle().Foreground(lipgloss.Color("#004A0A"))
	styleActive   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF41")).Bold(true)
	styleInactive = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00")).Bold(true)
	styleSpeed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFAA"))
)

// stateFrame is one message from the state WebSocket.
type stateFrame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type stateInit struct {
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

type levelChanged struct {
	Percent int `json:"percent"`
}

type trackingChanged struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

type speedChanged struct {
	Speed   float64 `json:"speed"`
	Average float64 `json:"average"`
	Units   string  `json:"units"`
}

func newWatchCmd(out io.Writer) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the daemon's state WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchState(ctx, url, out)
		},
	}
	cmd.Flags().StringVar(&url, "url", defaultStateURL, "State WebSocket URL")
	return cmd
}

func newStatusCmd(out io.Writer) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's current state once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("get status: %s", resp.Status)
			}
			var s stateInit
			if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			fmt.Fprintln(out, renderInit(s))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", defaultStatusURL, "Status endpoint URL")
	return cmd
}

// watchState prints one line per frame until ctx is canceled or the daemon
// closes the connection.
func watchState(ctx context.Context, url string, out io.Writer) error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		line, err := renderFrame(msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping frame: %v\n", err)
			continue
		}
		fmt.Fprintln(out, line)
	}
}

func renderFrame(msg []byte) (string, error) {
	var f stateFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case "state_init":
		var s stateInit
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return "", fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return renderInit(s), nil

	case "level_changed":
		var l levelChanged
		if err := json.Unmarshal(f.Data, &l); err != nil {
			return "", fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return styleLabel.Render("level ") + renderLevel(l.Percent), nil

	case "tracking_changed":
		var tr trackingChanged
		if err := json.Unmarshal(f.Data, &tr); err != nil {
			return "", fmt.Errorf("decode %s: %w", f.Type, err)
		}
		line := styleLabel.Render("tracking ") + renderActive(tr.Active)
		if tr.Reason != "" {
			line += styleLabel.Render(" (" + tr.Reason + ")")
		}
		return line, nil

	case "speed_changed":
		var s speedChanged
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return "", fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return styleLabel.Render("speed ") + renderSpeed(s.Speed, s.Average, s.Units), nil
	}
	return "", fmt.Errorf("unknown frame type %q", f.Type)
}

func renderInit(s stateInit) string {
	var b strings.Builder
	b.WriteString(styleLabel.Render("tracking "))
	b.WriteString(renderActive(s.Active))
	b.WriteString(styleLabel.Render("  level "))
	b.WriteString(renderLevel(s.Percent))
	b.WriteString(styleLabel.Render(fmt.Sprintf(" target %d%%", s.Target)))
	b.WriteString(styleLabel.Render("  speed "))
	b.WriteString(renderSpeed(s.Speed, s.Average, s.Units))
	b.WriteString(styleLabel.Render(fmt.Sprintf("  power=%t headphone=%t link=%t", s.Power, s.Headphone, s.Link)))
	return b.String()
}

func renderLevel(percent int) string {
	filled := percent * levelBarWidth / 100
	filled = max(0, min(levelBarWidth, filled))
	bar := styleBarFull.Render(strings.Repeat("█", filled)) +
		styleBarEmpty.Render(strings.Repeat("░", levelBarWidth-filled))
	return bar + " " + styleLevel.Render(fmt.Sprintf("%3d%%", percent))
}

func renderActive(active bool) string {
	if active {
		return styleActive.Render("ON")
	}
	return styleInactive.Render("OFF")
}

func renderSpeed(speed, avg float64, units string) string {
	return styleSpeed.Render(fmt.Sprintf("%.1f %s", speed, units)) +
		styleLabel.Render(fmt.Sprintf(" (avg %.1f)", avg))
}
