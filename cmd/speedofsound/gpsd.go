package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// gpsd speaks line-delimited JSON on TCP 2947. After ?WATCH it streams
// reports; only TPV (time-position-velocity) reports matter here.
const gpsdWatchCommand = `?WATCH={"enable":true,"json":true};` + "\n"

// gpsdReport is the subset of a gpsd report this daemon reads.
type gpsdReport struct {
	Class string   `json:"class"`
	Mode  int      `json:"mode"` // 0/1 no fix, 2 = 2D, 3 = 3D
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Speed *float64 `json:"speed"` // m/s
}

// parseGPSDLine converts one gpsd line into a LocationFix. ok is false for
// non-TPV reports and reports without a usable 2D fix.
func parseGPSDLine(line []byte) (fix LocationFix, ok bool, err error) {
	var r gpsdReport
	if err := json.Unmarshal(line, &r); err != nil {
		return LocationFix{}, false, fmt.Errorf("decode gpsd report: %w", err)
	}
	if r.Class != "TPV" || r.Mode < 2 || r.Lat == nil || r.Lon == nil {
		return LocationFix{}, false, nil
	}

	fix = LocationFix{Lat: *r.Lat, Lon: *r.Lon, Speed: r.Speed}
	if r.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, r.Time)
		if err != nil {
			return LocationFix{}, false, fmt.Errorf("decode gpsd time %q: %w", r.Time, err)
		}
		fix.Time = t
	}
	return fix, true, nil
}

// GPSDSource streams location fixes from a gpsd instance into the daemon.
type GPSDSource struct {
	addr   string
	logger *slog.Logger
	dialer net.Dialer
}

func NewGPSDSource(addr string, logger *slog.Logger) *GPSDSource {
	return &GPSDSource{
		addr:   addr,
		logger: logger,
		dialer: net.Dialer{Timeout: 5 * time.Second},
	}
}

// Run keeps a watch session open until ctx is canceled, redialing after
// failures.
func (g *GPSDSource) Run(ctx context.Context, events chan<- Event) error {
	for {
		err := g.watch(ctx, events)
		if ctx.Err() != nil {
			return nil
		}
		g.logger.Warn("gpsd session ended; redialing", "addr", g.addr, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(gpsdRedialDelay):
		}
	}
}

func (g *GPSDSource) watch(ctx context.Context, events chan<- Event) error {
	conn, err := g.dialer.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return fmt.Errorf("dial gpsd: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, gpsdWatchCommand); err != nil {
		return fmt.Errorf("send watch: %w", err)
	}
	g.logger.Info("gpsd connected", "addr", g.addr)

	return g.readReports(ctx, conn, events)
}

func (g *GPSDSource) readReports(ctx context.Context, r io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		fix, ok, err := parseGPSDLine(scanner.Bytes())
		if err != nil {
			g.logger.Debug("skipping gpsd line", "error", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case events <- fix:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
