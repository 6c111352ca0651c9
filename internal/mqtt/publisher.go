package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/registry"
)

// Source supplies the status snapshot published on every connect.
type Source interface {
	List() []registry.Record
	HealthCheck(id string) bool
}

// ServerStatus is the retained payload for one server.
type ServerStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Alive     bool      `json:"alive"`
	Tools     int       `json:"tools"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// publishFunc sends one message. It is cm.Publish in production.
type publishFunc func(ctx context.Context, msg *paho.Publish) error

// Publisher mirrors server status onto retained MQTT topics.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	source   Source
	bus      *events.Bus
	logger   *slog.Logger

	cm      *autopaho.ConnectionManager
	publish publishFunc
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding events.
func New(cfg config.MQTTConfig, clientID string, source Source, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		source:   source,
		bus:      bus,
		logger:   logger,
	}
}

// Start connects to the broker and forwards status events until ctx is
// cancelled. It subscribes to the bus before connecting so no change is
// missed between the snapshot and the first event.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	sub := p.bus.Subscribe(64)
	defer sub.Close()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.publishSnapshot(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.publish = func(ctx context.Context, msg *paho.Publish) error {
		_, err := cm.Publish(ctx, msg)
		return err
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic(id string) string {
	return p.cfg.TopicPrefix + "/servers/" + id + "/status"
}

// forward publishes a fresh status for every server an event mentions.
func (p *Publisher) forward(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.ServerID == "" || (e.Kind != events.KindStatus && e.Kind != events.KindHealth) {
				continue
			}
			p.publishServer(ctx, e.ServerID)
		}
	}
}

// publishSnapshot publishes every known server.
func (p *Publisher) publishSnapshot(ctx context.Context) {
	records := p.source.List()
	for _, rec := range records {
		p.publishRecord(ctx, rec)
	}
	p.logger.Debug("mqtt status snapshot published", "servers", len(records))
}

func (p *Publisher) publishServer(ctx context.Context, id string) {
	for _, rec := range p.source.List() {
		if rec.Config.ID == id {
			p.publishRecord(ctx, rec)
			return
		}
	}
	// Forgotten server: clear its retained status.
	p.send(ctx, &paho.Publish{Topic: p.statusTopic(id), QoS: 1, Retain: true})
}

func (p *Publisher) publishRecord(ctx context.Context, rec registry.Record) {
	status := ServerStatus{
		ID:        rec.Config.ID,
		Name:      rec.Config.Name,
		Status:    string(rec.Status),
		Alive:     p.source.HealthCheck(rec.Config.ID),
		Tools:     len(rec.Tools),
		Error:     rec.Error,
		UpdatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(status)
	if err != nil {
		p.logger.Error("mqtt marshal status payload", "mcp_server", rec.Config.ID, "error", err)
		return
	}
	p.send(ctx, &paho.Publish{
		Topic:   p.statusTopic(rec.Config.ID),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	p.send(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
}

func (p *Publisher) send(ctx context.Context, msg *paho.Publish) {
	if p.publish == nil {
		return
	}
	if err := p.publish(ctx, msg); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", msg.Topic, "error", err)
		return
	}
	p.logger.Debug("mqtt published", "topic", msg.Topic, "bytes", len(msg.Payload))
}
