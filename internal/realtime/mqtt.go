package realtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/events"
)

// publisher is the part of the connection manager the bridge uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge republishes thread activity from the bus to an MQTT broker.
// Each frame goes to <prefix>/threads/<thread_id>/<kind> at QoS 1,
// not retained. Availability is kept on <prefix>/<client>/availability.
type Bridge struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
	pub      publisher
}

// NewBridge creates a Bridge but does not connect. Call [Bridge.Start].
// dataDir holds the instance id that keeps the MQTT client id stable
// across restarts; it is created on first use.
func NewBridge(cfg config.MQTTConfig, dataDir string, bus *events.Bus, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := LoadOrCreateInstanceID(dataDir)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:      cfg,
		clientID: cfg.ClientID + "-" + strings.SplitN(id, "-", 2)[0],
		bus:      bus,
		logger:   logger,
	}, nil
}

// LoadOrCreateInstanceID reads the instance id from dataDir, or
// generates a UUIDv7 and persists it if none exists yet.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. autopaho keeps reconnecting in the background, so a
// broker that is down at startup is not an error.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	avail := b.availabilityTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   avail,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker, "client_id", b.clientID)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm
	b.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.run(ctx)
	return nil
}

// Stop marks the bridge offline and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

func (b *Bridge) run(ctx context.Context) {
	ch := b.bus.Subscribe(256)
	defer b.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev events.Event) {
	f, ok := FrameFor(ev)
	if !ok {
		return
	}
	topic := ThreadTopic(b.cfg.TopicPrefix, f)
	payload, err := json.Marshal(f)
	if err != nil {
		b.logger.Error("mqtt marshal frame", "topic", topic, "error", err)
		return
	}
	if _, err := b.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	b.logger.Debug("mqtt frame published", "topic", topic, "type", f.Type)
}

// ThreadTopic returns the topic a frame is published to. Messages go to
// <prefix>/threads/<id>/messages; other frames to <prefix>/threads/<id>/events.
func ThreadTopic(prefix string, f Frame) string {
	leaf := "events"
	if f.Type == FrameMessage {
		leaf = "messages"
	}
	return prefix + "/threads/" + f.ThreadID + "/" + leaf
}

func (b *Bridge) availabilityTopic() string {
	return b.cfg.TopicPrefix + "/" + b.clientID + "/availability"
}

func (b *Bridge) publishAvailability(ctx context.Context, p publisher, status string) {
	if _, err := p.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}
