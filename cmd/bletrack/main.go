package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/serialmux"
	"github.com/microstorm/bletrack/internal/version"
)

var (
	configPath  = flag.String("config", "", "Tuning config file (.json or .yaml); defaults to "+config.DefaultConfigPath+" when present")
	role        = flag.String("role", "", "Override the configured role: host, anchor or beacon")
	deviceID    = flag.Int("id", 0, "Override the configured device (anchor) id")
	serialPort  = flag.String("port", "", "Serial port of the BLE scanner; empty disables serial")
	listen      = flag.String("listen", "", "HTTP listen address (host)")
	udpListen   = flag.String("udp", "", "UDP address anchors report to (host)")
	hostAddr    = flag.String("host", "", "Host UDP address (anchor, beacon)")
	grpcListen  = flag.String("grpc", "", "gRPC health listen address (host); empty disables")
	dbPath      = flag.String("db", "", "SQLite database path (host); 'none' disables storage")
	seed        = flag.Uint64("seed", 0, "Override the sampler seed; 0 keeps the configured value")
	replayPCAP  = flag.String("replay-pcap", "", "Replay anchor reports from a pcap file at startup (host)")
	replayPort  = flag.Int("replay-port", 1883, "UDP destination port to select from the pcap file")
	plotDir     = flag.String("plot-dir", "", "Write a PNG of the particle cloud to this directory (host)")
	plotEvery   = flag.Uint64("plot-every", 10, "Write a PNG every N epochs when -plot-dir is set")
	particles   = flag.Bool("serial-particles", true, "Write particle lines to the serial port after each epoch (host)")
	staleAfter  = flag.Duration("stale-after", 30*time.Second, "Report NOT_SERVING when no epoch ran for this long (host)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: bletrack [flags] [command]

Commands:
  (none)            run the configured role
  status [addr]     print the latest estimate and counters of a running host
  migrate <action>  run database migrations: up, down or version

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	switch flag.Arg(0) {
	case "":
	case "status":
		if err := runStatus(context.Background(), os.Stdout, flag.Arg(1)); err != nil {
			log.Fatal(err)
		}
		return
	case "migrate":
		if err := runMigrate(os.Stdout, *dbPath, flag.Args()[1:]); err != nil {
			log.Fatal(err)
		}
		return
	default:
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyOverrides(cfg, set)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	log.Printf("%s starting as %s (device %d)", version.String(), cfg.GetRole(), cfg.GetDeviceID())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s stopped: %v", cfg.GetRole(), err)
	}
	log.Print("shutdown complete")
}

// loadConfig loads path, or the default config file when path is empty and
// the file exists, or the built-in defaults otherwise.
func loadConfig(path string) (*config.TuningConfig, error) {
	if path != "" {
		return config.LoadTuningConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadTuningConfig(config.DefaultConfigPath)
	}
	return config.EmptyTuningConfig(), nil
}

// applyOverrides copies the flags named in set onto cfg.
func applyOverrides(cfg *config.TuningConfig, set map[string]bool) {
	str := func(name string, v *string, dst **string) {
		if set[name] {
			s := *v
			*dst = &s
		}
	}
	str("role", role, &cfg.Role)
	str("port", serialPort, &cfg.SerialPort)
	str("listen", listen, &cfg.HTTPListen)
	str("udp", udpListen, &cfg.UDPListen)
	str("host", hostAddr, &cfg.HostAddr)
	str("grpc", grpcListen, &cfg.GRPCListen)
	if set["db"] {
		p := *dbPath
		if p == "none" {
			p = ""
		}
		cfg.DBPath = &p
	}
	if set["id"] {
		id := *deviceID
		cfg.DeviceID = &id
	}
	if set["seed"] && *seed != 0 {
		s := *seed
		cfg.Seed = &s
	}
}

func run(ctx context.Context, cfg *config.TuningConfig) error {
	switch r := cfg.GetRole(); r {
	case config.RoleHost:
		return runHost(ctx, cfg)
	case config.RoleAnchor:
		return runAnchor(ctx, cfg)
	case config.RoleBeacon:
		return runBeacon(ctx, cfg)
	default:
		return fmt.Errorf("unsupported role %s", r)
	}
}

// openSerial returns a disabled mux when no port is configured.
func openSerial(cfg *config.TuningConfig) (serialmux.SerialMuxInterface, error) {
	path := cfg.GetSerialPort()
	if path == "" {
		log.Print("no serial port configured, serial disabled")
		return serialmux.NewDisabledSerialMux(), nil
	}
	m, err := serialmux.NewRealSerialMux(path, serialmux.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	log.Printf("serial port %s open at %d baud", path, cfg.GetSerialBaudRate())
	return m, nil
}

// ignoreCanceled maps a clean shutdown to nil so errgroup reports only real
// failures.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveHTTP runs server until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, server *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	return nil
}
