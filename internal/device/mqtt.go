package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/musthaq16/live-route-tracker/types"
)

// MQTTConfig describes a broker topic carrying JSON position messages.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// Epoch values above this are taken as milliseconds, as browser and phone
// geolocation APIs report them.
const millisecondEpochThreshold = 1e12

type locationMessage struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
	Accuracy  float64  `json:"accuracy"`
}

// MQTTSource subscribes to a topic that a phone or tracker app publishes to.
type MQTTSource struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu     sync.RWMutex
	ctx    context.Context
	out    chan Reading
	closed bool
}

func NewMQTTSource(cfg MQTTConfig) *MQTTSource {
	s := &MQTTSource{cfg: cfg}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetOnConnectHandler(s.OnConnect)
	s.client = mqtt.NewClient(opts)
	return s
}

// NewMQTTSourceWithClient uses an existing client. The client's OnConnect
// handler should call OnConnect so the topic survives reconnects.
func NewMQTTSourceWithClient(cfg MQTTConfig, client mqtt.Client) *MQTTSource {
	return &MQTTSource{cfg: cfg, client: client}
}

func (s *MQTTSource) Name() string { return "mqtt" }

// Available connects to the broker.
func (s *MQTTSource) Available() error {
	if s.client.IsConnected() {
		return nil
	}
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// Connected reports whether the broker connection is up.
func (s *MQTTSource) Connected() bool { return s.client.IsConnected() }

func (s *MQTTSource) Open(ctx context.Context, _ Options) (<-chan Reading, error) {
	s.mu.Lock()
	s.ctx = ctx
	s.out = make(chan Reading, 16)
	s.closed = false
	out := s.out
	s.mu.Unlock()

	if err := s.subscribe(s.client); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
		s.client.Disconnect(250)

		s.mu.Lock()
		s.closed = true
		close(out)
		s.mu.Unlock()
	}()
	return out, nil
}

// OnConnect resubscribes after a reconnect. Clean sessions drop the broker
// side subscription with the connection.
func (s *MQTTSource) OnConnect(client mqtt.Client) {
	s.mu.RLock()
	active := s.out != nil && !s.closed
	s.mu.RUnlock()
	if !active {
		return
	}

	if err := s.subscribe(client); err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if !s.closed {
			emit(s.ctx, s.out, Reading{Err: err})
		}
	}
}

func (s *MQTTSource) subscribe(client mqtt.Client) error {
	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.cfg.Topic, err)
	}
	return nil
}

func (s *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	reading := parseLocationMessage(msg.Payload())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.out == nil {
		return
	}
	emit(s.ctx, s.out, reading)
}

func parseLocationMessage(payload []byte) Reading {
	var raw locationMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Reading{Err: fmt.Errorf("invalid location message: %w", err)}
	}
	if raw.Latitude == nil || raw.Longitude == nil {
		return Reading{Err: fmt.Errorf("location message: latitude and longitude are required")}
	}
	if raw.Timestamp < 0 {
		return Reading{Err: fmt.Errorf("location message: timestamp must not be negative")}
	}

	r := Reading{
		Point:    types.GeoPoint{Lat: *raw.Latitude, Lon: *raw.Longitude},
		Accuracy: raw.Accuracy,
	}
	switch {
	case raw.Timestamp >= millisecondEpochThreshold:
		r.Time = time.UnixMilli(raw.Timestamp)
	case raw.Timestamp > 0:
		r.Time = time.Unix(raw.Timestamp, 0)
	}
	return r
}
