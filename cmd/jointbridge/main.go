package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/jointbridge/internal/admin"
	"github.com/banshee-data/jointbridge/internal/bridge"
	"github.com/banshee-data/jointbridge/internal/config"
	"github.com/banshee-data/jointbridge/internal/metrics"
	"github.com/banshee-data/jointbridge/internal/scheduler"
	"github.com/banshee-data/jointbridge/internal/serialmux"
	"github.com/banshee-data/jointbridge/internal/stream"
	"github.com/banshee-data/jointbridge/internal/transport"
	"github.com/banshee-data/jointbridge/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to bridge config JSON; empty uses built-in defaults")
	devMode     = flag.Bool("dev", false, "Run in dev mode, replaying fixtures instead of using a real transport")
	fixtures    = flag.String("fixtures", "fixtures.jsonl", "Envelope fixtures replayed in dev mode")
	replayEvery = flag.Duration("replay-interval", 20*time.Millisecond, "Delay between replayed fixture lines in dev mode")
	transportTo = flag.String("transport", "", "Override transport: local, nats or serial")
	natsURL     = flag.String("nats-url", "", "Override NATS server URL")
	port        = flag.String("port", "", "Override serial port path")
	listen      = flag.String("listen", "", "Override admin HTTP listen address")
	grpcListen  = flag.String("grpc-listen", "", "Override gRPC stream listen address")
	period      = flag.Duration("period", 0, "Override publish period")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// overrides holds command-line values that replace config file settings.
// Zero values leave the config untouched.
type overrides struct {
	Transport  string
	NATSURL    string
	Port       string
	Listen     string
	GRPCListen string
	Period     time.Duration
}

func flagOverrides() overrides {
	return overrides{
		Transport:  *transportTo,
		NATSURL:    *natsURL,
		Port:       *port,
		Listen:     *listen,
		GRPCListen: *grpcListen,
		Period:     *period,
	}
}

// loadConfig reads path (or starts empty) and applies o on top.
func loadConfig(path string, o overrides) (*config.BridgeConfig, error) {
	cfg := config.EmptyBridgeConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(path); err != nil {
			return nil, err
		}
	}

	if o.Transport != "" {
		cfg.Transport = &o.Transport
	}
	if o.NATSURL != "" {
		cfg.NATSURL = &o.NATSURL
	}
	if o.Port != "" {
		serial := cfg.GetSerial()
		serial.Path = o.Port
		cfg.Serial = &serial
	}
	if o.Listen != "" {
		cfg.AdminListen = &o.Listen
	}
	if o.GRPCListen != "" {
		cfg.GRPCListen = &o.GRPCListen
	}
	if o.Period > 0 {
		p := o.Period.String()
		cfg.Period = &p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFixtures reads one envelope per line, skipping blank lines and
// #-comments.
func loadFixtures(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file: %w", err)
	}
	var lines [][]byte
	scan := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scan.Scan(); n++ {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if _, err := transport.DecodeEnvelope(line); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixtures file %s has no envelopes", path)
	}
	return lines, nil
}

// openBus creates the transport and the serial mux behind it. When the bus
// does not run over a serial link the mux is a DisabledSerialMux, so the
// serial debug routes still answer. The caller must run the mux's Monitor
// loop and close it after the bus.
func openBus(cfg *config.BridgeConfig, dev bool, fixturesPath string, interval time.Duration) (transport.Bus, serialmux.SerialMuxInterface, error) {
	if dev {
		lines, err := loadFixtures(fixturesPath)
		if err != nil {
			return nil, nil, err
		}
		mux := serialmux.NewMockSerialMux(lines, interval)
		log.Printf("dev mode: replaying %d fixture lines from %s every %v", len(lines), fixturesPath, interval)
		return transport.NewSerialBus(mux), mux, nil
	}

	kind := cfg.GetTransport()
	switch kind {
	case config.TransportSerial:
		mux, err := serialmux.NewRealSerialMux(cfg.GetSerial())
		if err != nil {
			return nil, nil, err
		}
		return transport.NewSerialBus(mux), mux, nil
	case config.TransportNATS:
		bus, err := transport.DialNATS(cfg.GetNATSOptions())
		if err != nil {
			return nil, nil, err
		}
		return bus, serialmux.NewDisabledSerialMux("transport=" + kind), nil
	default:
		log.Printf("using in-process transport; only gRPC clients will see the merged state")
		return transport.NewLocalBus(cfg.GetLocalBuffer()), serialmux.NewDisabledSerialMux("transport=" + kind), nil
	}
}

// devUnitPrefix names the auxiliary channels in fixtures.jsonl.
const devUnitPrefix = "gimbal"

// applyDevDefaults fills settings the bundled fixtures depend on when the
// config leaves them unset.
func applyDevDefaults(cfg *config.BridgeConfig) {
	if cfg.UnitPrefix == nil {
		p := devUnitPrefix
		cfg.UnitPrefix = &p
		log.Printf("dev mode: unit_prefix defaults to %q", p)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig(*configPath, flagOverrides())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatalf("failed to create metrics: %v", err)
	}

	if *devMode {
		applyDevDefaults(cfg)
	}

	bus, serialMux, err := openBus(cfg, *devMode, *fixtures, *replayEvery)
	if err != nil {
		log.Fatalf("failed to open transport: %v", err)
	}
	defer serialMux.Close()
	defer bus.Close()

	var sinks []scheduler.Publisher
	var publisher *stream.Publisher
	if addr := cfg.GetGRPCListen(); addr != "" {
		publisher = stream.NewPublisher(stream.Config{
			ListenAddr: addr,
			MaxClients: cfg.GetGRPCMaxClients(),
			Metrics:    m,
		})
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start gRPC stream: %v", err)
		}
		defer publisher.Stop()
		sinks = append(sinks, publisher)
	}

	b, err := bridge.New(bus, bridge.Config{
		Topics:     cfg.GetTopics(),
		Period:     cfg.GetPeriod(),
		UnitPrefix: cfg.GetUnitPrefix(),
		Metrics:    m,
	}, sinks...)
	if err != nil {
		log.Fatalf("failed to create bridge: %v", err)
	}

	// Create a wait group for the HTTP server, serial monitor and bridge routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serialMux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("bridge stopped: %v", err)
			stop()
		}
		log.Print("bridge routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		admin.AttachRoutes(mux, admin.Routes{Bridge: b, Gatherer: reg, Stream: publisher})
		serialMux.AttachAdminRoutes(mux)
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})

		server := &http.Server{
			Addr:              cfg.GetAdminListen(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("admin HTTP listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
