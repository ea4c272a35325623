package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/musthaq16/live-route-tracker/internal/api"
	"github.com/musthaq16/live-route-tracker/internal/config"
	"github.com/musthaq16/live-route-tracker/internal/device"
	"github.com/musthaq16/live-route-tracker/internal/osrm"
	"github.com/musthaq16/live-route-tracker/internal/publisher/rabbitmq"
	"github.com/musthaq16/live-route-tracker/internal/state"
	"github.com/musthaq16/live-route-tracker/internal/tracker"
	"github.com/musthaq16/live-route-tracker/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	destination, err := cfg.DestinationPoint()
	if err != nil {
		log.Fatalf("destination: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := api.NewHealthChecker()

	src, err := newSource(cfg, health)
	if err != nil {
		log.Fatalf("location source: %v", err)
	}

	fetcher := osrm.NewFetcher(osrm.NewClient(cfg.OSRM.BaseUrl, cfg.OSRM.Profile, cfg.OSRMTimeout(), nil))

	renderers := tracker.Renderers{tracker.LogRenderer{DestinationName: cfg.Destination.Name}}

	if cfg.RabbitMQ.URL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			log.Fatalf("rabbitmq: %v", err)
		}
		defer func() { _ = conn.Close() }()

		publisher, err := rabbitmq.NewEventPublisher(conn, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatalf("rabbitmq: %v", err)
		}
		defer func() { _ = publisher.Close() }()

		health.AddCheck("rabbitmq", func() error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		})
		renderers = append(renderers, publisher)
	}

	store := state.NewStore(types.TrackingState{Destination: destination})
	renderers = append(renderers, store)
	controller := tracker.New(destination, fetcher, renderers)
	store.Render(controller.Snapshot())

	watcher := device.NewWatcher(src, device.Options{
		HighAccuracy: cfg.Location.HighAccuracy,
		Timeout:      cfg.LocationTimeout(),
		MaximumAge:   cfg.MaximumAge(),
	})
	handle, err := watcher.Start(ctx, controller.OnLocationUpdate)
	if errors.Is(err, types.ErrLocationUnavailable) {
		log.Fatalf("!!! %s: %v. Tracking cannot start without a position source.", src.Name(), err)
	}
	if err != nil {
		log.Fatalf("watch location: %v", err)
	}

	server := api.NewServer(cfg.Server.Listen, api.NewRouter(health, api.NewTrackingHandler(store, cfg.Destination.Name)))
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(ctx) }()

	runErr := make(chan error, 1)
	go func() { runErr <- controller.Run(ctx) }()

	log.Printf("Tracking to %s (%s) from %s", cfg.Destination.Name, destination, src.Name())

	select {
	case <-ctx.Done():
		log.Println("Received termination signal, shutting down...")
	case err := <-serverErr:
		log.Printf("http server: %v", err)
		stop()
	}

	handle.Stop()
	<-runErr
	fetcher.Wait()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Printf("http server: %v", err)
		}
	case <-time.After(6 * time.Second):
		log.Println("Timeout waiting for http server, forcing exit")
	}
}

func newSource(cfg *config.AppConfig, health *api.HealthChecker) (device.Source, error) {
	loc := cfg.Location
	switch loc.Source {
	case "serial":
		return device.NewSerialSource(device.SerialConfig{
			Port:     loc.Serial.Port,
			BaudRate: loc.Serial.BaudRate,
			MaxHDOP:  loc.Serial.MaxHDOP,
		}), nil
	case "mqtt":
		src := device.NewMQTTSource(device.MQTTConfig{
			Broker:   loc.MQTT.Broker,
			ClientID: loc.MQTT.ClientID,
			Topic:    loc.MQTT.Topic,
			QoS:      byte(loc.MQTT.QoS),
		})
		health.AddCheck("mqtt", func() error {
			if !src.Connected() {
				return errors.New("not connected")
			}
			return nil
		})
		return src, nil
	case "avl":
		return device.NewAVLSource(device.AVLConfig{
			Listen:      loc.AVL.Listen,
			IMEI:        loc.AVL.Imei,
			IdleTimeout: time.Duration(loc.AVL.IdleTimeoutSeconds) * time.Second,
		}), nil
	}
	return nil, fmt.Errorf("unknown source %q", loc.Source)
}
