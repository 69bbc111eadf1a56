package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("speedofsound v%s\n", version)
	fmt.Println("Speed-dependent volume daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  speedofsound [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Turns ground-speed readings into a smoothly ramped output volume.")
	fmt.Println("  Tracking starts and stops on its own from power, headphone and")
	fmt.Println("  Bluetooth audio state, or on request over IPC.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (flags override file values)")
	fmt.Println()
	fmt.Println("  -units string")
	fmt.Println("        Units for -low-speed/-high-speed and displays: m/s, km/h, mph (default \"km/h\")")
	fmt.Println()
	fmt.Println("  -low-speed float / -high-speed float")
	fmt.Printf("        Speed range of the volume curve (default %.0f / %.0f km/h)\n", defaultLowSpeedKMH, defaultHighSpeedKMH)
	fmt.Println()
	fmt.Println("  -low-volume int / -high-volume int")
	fmt.Printf("        Volume percent at and below / at and above the range (default %d / %d)\n", defaultLowVolume, defaultHighVolume)
	fmt.Println()
	fmt.Println("  -only-when-charging")
	fmt.Println("        Never track while on battery")
	fmt.Println()
	fmt.Println("  -start-tracking")
	fmt.Println("        Start tracking immediately instead of waiting for the policy")
	fmt.Println()
	fmt.Println("  -sink string")
	fmt.Println("        Output sink: camilladsp or log (default \"camilladsp\")")
	fmt.Println()
	fmt.Println("  -camilladsp-ws-url string")
	fmt.Println("        CamillaDSP websocket URL (default \"ws://127.0.0.1:1234\")")
	fmt.Println()
	fmt.Println("  -camilladsp-min-db float / -camilladsp-max-db float")
	fmt.Printf("        dB span mapped onto volume 0..100%% (default %.1f / %.1f)\n", defaultMinDB, defaultMaxDB)
	fmt.Println()
	fmt.Println("  -gpsd string")
	fmt.Println("        gpsd address; enables the gpsd speed source (e.g. \"127.0.0.1:2947\")")
	fmt.Println()
	fmt.Println("  -headphone-device string")
	fmt.Println("        Jack switch input device; enables headphone detection")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/speedofsound.sock\")")
	fmt.Println()
	fmt.Println("  -state-ws-listen string")
	fmt.Println("        Listen address of the state WebSocket; empty disables it (default \"127.0.0.1:3002\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Dry run without an audio backend, tracking right away")
	fmt.Println("  speedofsound -sink log -start-tracking")
	fmt.Println()
	fmt.Println("  # Car setup: gpsd speed, Bluetooth car kit, CamillaDSP output")
	fmt.Println("  speedofsound -config ~/.config/speedofsound.yml -gpsd 127.0.0.1:2947")
	fmt.Println()
	fmt.Println("  # Feed a speed by hand")
	fmt.Println("  sosctl speed 72 --units km/h")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath = flag.String("config", "", "Path to YAML config file")

		units      = flag.String("units", "", "Speed units: m/s, km/h, mph")
		lowSpeed   = flag.Float64("low-speed", 0, "Low end of the speed range")
		highSpeed  = flag.Float64("high-speed", 0, "High end of the speed range")
		lowVolume  = flag.Int("low-volume", 0, "Volume percent at and below the low speed")
		highVolume = flag.Int("high-volume", 0, "Volume percent at and above the high speed")

		onlyWhenCharging = flag.Bool("only-when-charging", false, "Never track while on battery")
		startTracking    = flag.Bool("start-tracking", false, "Start tracking immediately")

		sinkType     = flag.String("sink", "", "Output sink: camilladsp or log")
		camillaWsURL = flag.String("camilladsp-ws-url", "", "CamillaDSP websocket URL")
		camillaMinDB = flag.Float64("camilladsp-min-db", 0, "dB at volume 0%")
		camillaMaxDB = flag.Float64("camilladsp-max-db", 0, "dB at volume 100%")

		gpsdAddr        = flag.String("gpsd", "", "gpsd address")
		headphoneDevice = flag.String("headphone-device", "", "Jack switch input device")

		ipcSocketPath = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		stateWSListen = flag.String("state-ws-listen", "", "State WebSocket listen address")

		logLevelStr = flag.String("log-level", "", "Log level: error, warn, info, debug")
		_           = flag.Bool("version", false, "Print version and exit")
		_           = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "units":
			o.Units = units
		case "low-speed":
			o.LowSpeed = lowSpeed
		case "high-speed":
			o.HighSpeed = highSpeed
		case "low-volume":
			o.LowVolume = lowVolume
		case "high-volume":
			o.HighVolume = highVolume
		case "only-when-charging":
			o.OnlyWhenCharging = onlyWhenCharging
		case "start-tracking":
			o.StartTracking = startTracking
		case "sink":
			o.SinkType = sinkType
		case "camilladsp-ws-url":
			o.CamillaWsURL = camillaWsURL
		case "camilladsp-min-db":
			o.CamillaMinDB = camillaMinDB
		case "camilladsp-max-db":
			o.CamillaMaxDB = camillaMaxDB
		case "gpsd":
			o.GPSDAddress = gpsdAddr
		case "headphone-device":
			o.HeadphoneDevice = headphoneDevice
		case "ipc-socket":
			o.IPCSocketPath = ipcSocketPath
		case "state-ws-listen":
			o.StateWSListen = stateWSListen
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("speedofsound failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// run wires every component and blocks until ctx is canceled or one of the
// essential goroutines fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	sink, closeSink, err := newOutputSink(cfg.Sink, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	session, err := NewSession(sessionCfg, sink, logger)
	if err != nil {
		return err
	}

	events := make(chan Event, eventQueueSize)

	var broadcasts chan StateBroadcast
	if cfg.StateWS.Enabled {
		broadcasts = make(chan StateBroadcast, broadcastQueueSize)
	}

	cache := &cachedEnvironment{}
	env := &layeredEnvironment{cache: cache}
	links := NewLinkCache(cfg.Policy.LinkDevices)

	g, gctx := errgroup.WithContext(ctx)

	// Optional sources degrade to IPC-only input when unavailable.
	if cfg.DBus.Power || cfg.DBus.Bluetooth {
		bus, err := ConnectSystemBus(logger)
		if err != nil {
			logger.Warn("system bus unavailable; power and bluetooth come from IPC only", "error", err)
		} else {
			defer bus.Close()
			if cfg.DBus.Power {
				env.power = bus.PowerConnected
			}
			g.Go(func() error {
				runSource(gctx, "dbus", logger, func(ctx context.Context) error {
					return bus.Watch(ctx, cfg.DBus.Power, cfg.DBus.Bluetooth, events)
				})
				return nil
			})
		}
	}

	if cfg.Headphone.Enabled {
		jack := NewHeadphoneJack(cfg.Headphone.Device, logger)
		env.headphone = jack.Connected
		g.Go(func() error {
			runSource(gctx, "headphone", logger, func(ctx context.Context) error {
				return jack.Run(ctx, events)
			})
			return nil
		})
	}

	if cfg.GPSD.Enabled {
		src := NewGPSDSource(cfg.GPSD.Address, logger)
		g.Go(func() error {
			return src.Run(gctx, events)
		})
	}

	daemon := NewDaemon(session, cfg.Preferences(), env, cache, links, broadcasts, logger)
	g.Go(func() error {
		return daemon.Run(gctx, events, cfg.Policy.StartTracking)
	})

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, logger)
	})

	if cfg.StateWS.Enabled {
		units := cfg.DisplayUnits()
		server := NewServer(logger, events, ServerConfig{Units: units})
		mux := http.NewServeMux()
		server.Register(mux, cfg.StateWS.Path)
		mux.HandleFunc("/status", server.handleStatus)

		g.Go(func() error {
			server.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, server.Hub(), broadcasts, units, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.StateWS.Listen, mux, logger)
		})
	}

	logger.Info("listening",
		"ipc", cfg.IPC.SocketPath,
		"sink", cfg.Sink.Type,
		"state_ws", cfg.StateWS.Listen,
		"gpsd", cfg.GPSD.Enabled,
		"headphone", cfg.Headphone.Enabled,
		"dbus_power", cfg.DBus.Power,
		"dbus_bluetooth", cfg.DBus.Bluetooth)

	return g.Wait()
}

// runSource runs an optional event source and logs instead of failing the
// daemon when it stops.
func runSource(ctx context.Context, name string, logger *slog.Logger, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		logger.Error("event source stopped", "source", name, "error", err)
	}
}
