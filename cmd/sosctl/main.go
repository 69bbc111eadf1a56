package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// sosctl - command-line client for the speedofsound daemon
// ============================================================================
// Feeds samples and environment changes over the IPC socket and follows the
// state endpoint:
//
//   sosctl speed 72 --units km/h
//   sosctl headphone on
//   sosctl link AA:BB:CC:DD:EE:FF off
//   sosctl tracking on
//   sosctl watch
// ============================================================================

const defaultSocket = "/tmp/speedofsound.sock"

type sendFunc func(socketPath string, env EventEnvelope) error

func main() {
	if err := newRootCmd(sendEvent, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(send sendFunc, out io.Writer) *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "sosctl",
		Short: "Control the speedofsound daemon",
		Long: `sosctl sends speed samples, location fixes and environment changes to a
running speedofsound daemon over its Unix socket, and can follow the
daemon's state WebSocket.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket, "Unix domain socket path of the daemon")

	deliver := func(typ string, data any) error {
		env, err := newEnvelope(typ, data)
		if err != nil {
			return err
		}
		if err := send(socketPath, env); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil
	}

	var units string
	speedCmd := &cobra.Command{
		Use:   "speed <value>",
		Short: "Send one speed sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseSpeed(args[0])
			if err != nil {
				return err
			}
			return deliver("speed_sample", SpeedSample{Speed: v, Units: units})
		},
	}
	speedCmd.Flags().StringVar(&units, "units", "", "Units of the value: m/s, km/h, mph (default m/s)")

	var fixSpeed float64
	fixCmd := &cobra.Command{
		Use:   "fix <lat> <lon>",
		Short: "Send a location fix stamped with the current time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid latitude %q: %w", args[0], err)
			}
			lon, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid longitude %q: %w", args[1], err)
			}
			fix := LocationFix{Lat: lat, Lon: lon, Time: time.Now().UTC()}
			if cmd.Flags().Changed("speed") {
				fix.Speed = &fixSpeed
			}
			return deliver("location_fix", fix)
		},
	}
	fixCmd.Flags().Float64Var(&fixSpeed, "speed", 0, "Reported ground speed in m/s")

	switchCmd := func(use, short, typ string) *cobra.Command {
		return &cobra.Command{
			Use:       use + " on|off",
			Short:     short,
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"on", "off"},
			RunE: func(cmd *cobra.Command, args []string) error {
				on, err := parseOnOff(args[0])
				if err != nil {
					return err
				}
				return deliver(typ, Connected{Connected: on})
			},
		}
	}

	linkCmd := &cobra.Command{
		Use:   "link <address> on|off",
		Short: "Report a secondary audio link connecting or disconnecting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return deliver("link_changed", LinkChanged{Address: args[0], Connected: on})
		},
	}

	trackingCmd := &cobra.Command{
		Use:   "tracking on|off",
		Short: "Start or stop tracking, bypassing the activation policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			return deliver("set_tracking", SetTracking{Enabled: on})
		},
	}

	root.AddCommand(
		speedCmd,
		fixCmd,
		switchCmd("power", "Report external power being plugged or unplugged", "power_changed"),
		switchCmd("headphone", "Report a wired headset being plugged or unplugged", "headphone_changed"),
		linkCmd,
		trackingCmd,
		newWatchCmd(out),
		newStatusCmd(out),
	)
	return root
}

func parseSpeed(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid speed %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid speed %q: must not be negative", s)
	}
	return v, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1", "connected":
		return true, nil
	case "off", "false", "no", "0", "disconnected":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
