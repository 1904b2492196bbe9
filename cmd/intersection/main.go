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
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/intersection/internal/api"
	"github.com/banshee-data/intersection/internal/config"
	"github.com/banshee-data/intersection/internal/controller"
	"github.com/banshee-data/intersection/internal/db"
	"github.com/banshee-data/intersection/internal/detection"
	"github.com/banshee-data/intersection/internal/stream"
	"github.com/banshee-data/intersection/internal/units"
	"github.com/banshee-data/intersection/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run in dev mode (-serial-port names a file of recorded detector lines)")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", "", "gRPC snapshot stream listen address (empty disables)")
	dbPath      = flag.String("db-path", "intersection.db", "Path to the run history database (empty disables persistence)")
	configPath  = flag.String("config", "", "Path to a simulation config JSON file")
	serialPort  = flag.String("serial-port", "", "Serial device of a roadside detector (empty disables)")
	speedUnits  = flag.String("units", "", "Speed units for API output: "+units.GetValidUnitsString())
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads path, or the built-in defaults when path is empty, and
// applies a units override.
func loadConfig(path, unitsOverride string) (*config.SimulationConfig, error) {
	cfg := config.DefaultSimulationConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadSimulationConfig(path); err != nil {
			return nil, err
		}
	}
	if unitsOverride != "" {
		if !units.IsValid(unitsOverride) {
			return nil, fmt.Errorf("invalid units %q: must be one of %s", unitsOverride, units.GetValidUnitsString())
		}
		cfg.SpeedUnits = &unitsOverride
	}
	return cfg, nil
}

// openDetector opens the external detector. In dev mode path is a plain file
// replayed once.
func openDetector(path string, dev bool, baud int) (*detection.SerialSource, error) {
	if path == "" {
		return nil, nil
	}
	if dev {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		return detection.NewSerialSource(f), nil
	}
	return detection.OpenSerialSource(path, detection.PortOptions{BaudRate: baud})
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("intersection %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if flag.Arg(0) == "migrate" {
		if *dbPath == "" {
			log.Fatal("migrate requires -db-path")
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadConfig(*configPath, *speedUnits)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var (
		recorder controller.Recorder
		runs     api.RunStore
		database *db.DB
	)
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		recorder, runs = database, database
	}

	ctrl := controller.New(controller.Options{Config: cfg, Recorder: recorder})

	detector, err := openDetector(*serialPort, *devMode, cfg.GetSerialBaudRate())
	if err != nil {
		log.Fatalf("failed to open detector: %v", err)
	}
	if detector != nil {
		defer detector.Close()
	}

	// Create a wait group for the HTTP server, gRPC server and detector routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("failed to start simulation: %v", err)
	}

	if detector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := detector.Run(ctx, func(m detection.Measurement) {
				if err := ctrl.IngestMeasurement(m); err != nil {
					log.Printf("detector: %v", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("detector routine failed: %v", err)
			}
			log.Print("detector routine terminated")
		}()
	}

	var grpcServer *stream.Server
	if *grpcListen != "" {
		grpcServer = stream.NewServer(ctrl)
		if err := grpcServer.Start(*grpcListen); err != nil {
			log.Fatalf("failed to start gRPC server: %v", err)
		}
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(ctrl, runs, cfg, cfg.GetSpeedUnits())
		mux := apiServer.ServeMux()
		apiServer.AttachAdminRoutes(mux)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a shorter timeout
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

	<-ctx.Done()

	// Closing the controller ends SSE and gRPC watch streams.
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Close(closeCtx); err != nil {
		log.Printf("failed to close simulation: %v", err)
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if detector != nil {
		detector.Close()
	}

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
