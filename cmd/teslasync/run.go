package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/pkg/fleet"
	"github.com/homefleet/teslasync/pkg/state"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fleet synchronization daemon",
	Long: `Discover the account's vehicles and keep their state synchronized
until interrupted. With metrics_addr configured, scheduler and command
metrics are served on /metrics.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := config.LoadCredentials(); err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	controller, err := config.Controller(fleetConfig())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer controller.Stop()

	if addr := viper.GetString("metrics_addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics server failed: %s", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warning("Metrics server shutdown: %s", err)
			}
		}()
		log.Info("Serving metrics on %s", addr)
	}

	if viper.GetBool("stream.enabled") {
		go streamFleet(ctx, controller)
	}

	log.Info("Fleet synchronization running. Press Ctrl+C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Received shutdown signal")
	return nil
}

// streamFleet maintains streaming connections for every discovered vehicle,
// logging pushed updates at debug level.
func streamFleet(ctx context.Context, controller *fleet.Controller) {
	controller.RegisterStreamCallback(func(update state.StreamUpdate) {
		log.Debug("Stream update for vehicle %d at %s", update.VehicleID, update.Time)
	})
	vehicles, err := controller.Vehicles(ctx)
	if err != nil {
		log.Error("Failed to list vehicles for streaming: %s", err)
		return
	}
	for _, vehicle := range vehicles {
		go func(id int64) {
			if err := controller.Stream(ctx, id); err != nil && ctx.Err() == nil {
				log.Error("Streaming for vehicle %d stopped: %s", id, err)
			}
		}(vehicle.ID)
	}
}
