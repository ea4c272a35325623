package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/musthaq16/live-route-tracker/internal/config"
	"github.com/musthaq16/live-route-tracker/internal/osrm"
	"github.com/musthaq16/live-route-tracker/internal/simulator"
)

type routeManager struct {
	ctx          context.Context
	mu           sync.Mutex
	activeRoutes map[string]struct{} // Tracks running routes by vehicle_id
	wg           sync.WaitGroup
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load initial config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := &routeManager{
		ctx:          ctx,
		activeRoutes: make(map[string]struct{}),
	}

	// Routes added to the file later start without a restart
	config.OnChange(manager.startRoutes)
	manager.startRoutes(cfg)

	<-ctx.Done()
	log.Printf("Received signal, cancelling simulations...")

	// Wait for goroutines with timeout
	waitChan := make(chan struct{})
	go func() {
		manager.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		log.Println("All routes stopped")
	case <-time.After(5 * time.Second):
		log.Println("Timeout waiting for routes to stop, forcing exit")
	}
}

// startRoutes starts every configured route that is not already running
func (rm *routeManager) startRoutes(cfg *config.AppConfig) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.ctx.Err() != nil {
		return
	}

	router := osrm.NewClient(cfg.OSRM.BaseUrl, cfg.OSRM.Profile, cfg.OSRMTimeout(), nil)
	interval := time.Duration(cfg.Simulator.FrequencySeconds) * time.Second

	for _, route := range cfg.Routes {
		if _, exists := rm.activeRoutes[route.VehicleID]; exists {
			continue
		}
		vehicle, err := simulator.VehicleFromConfig(route)
		if err != nil {
			log.Printf("[%s] %v", route.VehicleID, err)
			continue
		}

		rm.activeRoutes[route.VehicleID] = struct{}{}
		rm.wg.Add(1)
		go func() {
			defer rm.wg.Done()
			defer func() {
				rm.mu.Lock()
				delete(rm.activeRoutes, vehicle.ID)
				rm.mu.Unlock()
			}()
			if err := simulator.RunVehicleSimulator(rm.ctx, router, vehicle, interval, cfg.Simulator.Client); err != nil {
				log.Printf("[%s] %v", vehicle.ID, err)
			}
		}()
	}
	log.Printf("Started routes, %d active", len(rm.activeRoutes))
}
