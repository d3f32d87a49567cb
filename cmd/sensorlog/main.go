package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sensorlink/internal/api"
	"github.com/banshee-data/sensorlink/internal/config"
	"github.com/banshee-data/sensorlink/internal/db"
	"github.com/banshee-data/sensorlink/internal/handshake"
	"github.com/banshee-data/sensorlink/internal/monitoring"
	"github.com/banshee-data/sensorlink/internal/persist"
	"github.com/banshee-data/sensorlink/internal/sensors"
	"github.com/banshee-data/sensorlink/internal/seriallink"
	"github.com/banshee-data/sensorlink/internal/version"
)

var (
	configFile      = flag.String("config", "", "Path to a JSON config file; built-in defaults are used when empty")
	devMode         = flag.Bool("dev", false, "Replay a built-in fixture instead of opening the serial port")
	port            = flag.String("port", config.DefaultPort, "Serial port to use, or \"auto\" (ignored in dev mode)")
	baud            = flag.Int("baud", config.DefaultBaudRate, "Serial baud rate")
	protocol        = flag.String("protocol", "minimal", "Handshake variant: minimal or extended")
	requestPolicy   = flag.String("request-policy", "resync", "What to do with a non-request byte: resync or strict")
	saveInterval    = flag.Duration("save-interval", config.DefaultSaveInterval, "How often changed sensors are saved (0 disables)")
	dataDir         = flag.String("data-dir", config.DefaultDataDir, "Directory for per-sensor files")
	flushOnShutdown = flag.Bool("flush-on-shutdown", false, "Save changed sensors once more before exiting")
	dbPath          = flag.String("db", "", "SQLite history database (disabled when empty)")
	mqttBroker      = flag.String("mqtt-broker", "", "MQTT broker URL such as tcp://localhost:1883 (disabled when empty)")
	listen          = flag.String("listen", "", "Debug HTTP listen address (disabled when empty)")
	verbose         = flag.Bool("verbose", false, "Log every handshake phase")
	showVersion     = flag.Bool("version", false, "Print the version and exit")
)

const mqttConnectTimeout = 10 * time.Second

// applyFlags copies every flag set on the command line onto cfg, so flags
// win over the config file and the config file wins over flag defaults.
func applyFlags(cfg *config.Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		g, ok := f.Value.(flag.Getter)
		if !ok {
			return
		}
		switch v := g.Get().(type) {
		case string:
			switch f.Name {
			case "port":
				cfg.Port = &v
			case "protocol":
				cfg.Protocol = &v
			case "request-policy":
				cfg.RequestPolicy = &v
			case "data-dir":
				cfg.DataDir = &v
			case "db":
				cfg.DBPath = &v
			case "mqtt-broker":
				cfg.MQTTBroker = &v
			case "listen":
				cfg.Listen = &v
			}
		case int:
			if f.Name == "baud" {
				cfg.BaudRate = &v
			}
		case bool:
			switch f.Name {
			case "flush-on-shutdown":
				cfg.FlushOnShutdown = &v
			case "verbose":
				cfg.Verbose = &v
			}
		case time.Duration:
			if f.Name == "save-interval" {
				s := v.String()
				cfg.SaveInterval = &s
			}
		}
	})
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}
	applyFlags(cfg, flag.CommandLine)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPort(cfg *config.Config, catalog []sensors.Descriptor) (seriallink.SerialPorter, error) {
	if *devMode {
		return seriallink.NewMockPort(devFixture(catalog), time.Second), nil
	}
	return seriallink.OpenPort(cfg.GetPort(), seriallink.PortOptions{
		BaudRate:    cfg.GetBaudRate(),
		ReadTimeout: cfg.GetReadTimeout(),
	})
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := monitoring.Bridge(monitoring.NewLogger(os.Stderr, cfg.GetVerbose()))
	monitoring.SetVerbose(cfg.GetVerbose())
	log.Printf("starting %s", version.String())

	catalog := cfg.GetCatalog()
	registry, err := sensors.NewRegistry(catalog)
	if err != nil {
		log.Fatalf("invalid sensor catalog: %v", err)
	}

	sp, err := openPort(cfg, catalog)
	if err != nil {
		log.Fatalf("failed to open serial port: %v", err)
	}
	link := seriallink.NewLink(sp)
	defer link.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	hub := handshake.NewHub()
	defer hub.Close()

	sinks := []persist.Sink{persist.NewFileSink(cfg.GetDataDir())}

	var database *db.DB
	var history api.History
	if path := cfg.GetDBPath(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		history = database
		sinks = append(sinks, persist.NewDBSink(database, cfg.GetHistoryRetention()))
	}

	if broker := cfg.GetMQTTBroker(); broker != "" {
		client := persist.NewMQTTClient(broker, "sensorlink-"+uuid.NewString())
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		err := persist.ConnectMQTT(connectCtx, client)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to MQTT broker %s: %v", broker, err)
		}
		defer client.Disconnect(250)
		sinks = append(sinks, persist.NewMQTTSink(client, cfg.GetMQTTTopicPrefix()))
	}

	machine := handshake.New(handshake.Config{
		Transport: link,
		Registry:  registry,
		Options:   cfg.GetHandshakeOptions(),
		Observer:  hub,
		Metrics:   metrics,
	})

	scheduler := persist.NewScheduler(persist.Config{
		Registry:    registry,
		Sinks:       sinks,
		Interval:    cfg.GetSaveInterval(),
		Logger:      logger,
		FlushOnStop: cfg.GetFlushOnShutdown(),
		Metrics:     metrics,
	})

	// Create a wait group for the HTTP server, handshake and save routines
	var wg sync.WaitGroup
	var linkErr error

	// run the handshake on the serial link; a transport failure stops everything
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := machine.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			linkErr = err
			log.Printf("serial link failed: %v", err)
			stop()
		}
		log.Print("handshake routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil {
			log.Printf("scheduler error: %v", err)
		}
		log.Print("save routine terminated")
	}()

	if addr := cfg.GetListen(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := api.NewServer(api.Config{
				Registry: registry,
				Hub:      hub,
				Saver:    scheduler,
				History:  history,
				Metrics:  metrics,
				Settings: cfg,
			}).ServeMux()

			// mount the database debugging routes (accessible only in dev mode or over Tailscale)
			if database != nil {
				if err := database.AttachAdminRoutes(mux); err != nil {
					log.Printf("failed to attach database admin routes: %v", err)
				}
			}

			server := &http.Server{
				Addr:    addr,
				Handler: api.LoggingMiddleware(mux),
				// request contexts end with ctx so open tails do not hold up Shutdown
				BaseContext: func(net.Listener) context.Context { return ctx },
			}

			// Start server in a goroutine so it doesn't block
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("failed to start server: %v", err)
					stop()
				}
			}()

			// Wait for context cancellation to shut down server
			<-ctx.Done()
			log.Println("shutting down HTTP server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}

			log.Printf("HTTP server routine stopped")
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()
	if linkErr != nil {
		link.Close()
		log.Fatalf("exiting after serial link failure: %v", linkErr)
	}
	log.Printf("Graceful shutdown complete")
}
