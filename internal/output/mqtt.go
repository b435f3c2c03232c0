package output

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/topic"
)

// MQTTConfig carries broker connection and publish settings.
type MQTTConfig struct {
	// BrokerURL is the broker endpoint ("tcp://host:1883",
	// "mqtts://host:8883").
	BrokerURL string

	// ClientID identifies this bridge to the broker.
	ClientID string

	// Username and Password are optional broker credentials.
	Username string
	Password string

	// QoS is the publish quality of service (0, 1, or 2).
	QoS byte

	// Retain marks published products as retained messages.
	Retain bool

	// StatusTopic receives "online"/"offline" availability messages and
	// is registered as the connection's will topic, so subscribers see
	// "offline" even when the bridge dies uncleanly. Empty disables
	// status publishing.
	StatusTopic string

	// KeepAlive is the MQTT keepalive interval in seconds; 0 selects 30.
	KeepAlive uint16

	// PublishTimeout bounds each publish; 0 selects 10 s.
	PublishTimeout time.Duration
}

// MQTT publishes processed events to a broker, one topic per event as
// computed by the topic builder. Raw events are skipped; only parsed
// products and extracted XML documents leave the bridge.
type MQTT struct {
	id      string
	cfg     MQTTConfig
	builder *topic.Builder
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	cm      *autopaho.ConnectionManager
	cancel  context.CancelFunc

	connected atomic.Bool
	published atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewMQTT returns an MQTT output that builds topics with builder. A nil
// logger falls back to slog.Default().
func NewMQTT(id string, cfg MQTTConfig, builder *topic.Builder, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = "mqtt"
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &MQTT{id: id, cfg: cfg, builder: builder, log: logger}
}

func (o *MQTT) ID() string { return o.id }

// Start brings up the managed broker connection. autopaho reconnects in
// the background, so Start succeeds even when the broker is initially
// unreachable; sends are skipped until the connection is up.
func (o *MQTT) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	brokerURL, err := url.Parse(o.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("output: parse broker url %q: %w", o.cfg.BrokerURL, err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       o.cfg.KeepAlive,
		ConnectUsername: o.cfg.Username,
		ConnectPassword: []byte(o.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			o.connected.Store(true)
			o.log.Info("mqtt connected",
				slog.String("output", o.id),
				slog.String("broker", o.cfg.BrokerURL))
			o.publishStatus(cm, "online")
		},
		OnConnectError: func(err error) {
			o.connected.Store(false)
			o.log.Warn("mqtt connection error",
				slog.String("output", o.id),
				slog.String("error", err.Error()))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: o.cfg.ClientID,
			OnServerDisconnect: func(*paho.Disconnect) {
				o.connected.Store(false)
				o.log.Warn("mqtt server disconnect", slog.String("output", o.id))
			},
			OnClientError: func(err error) {
				o.connected.Store(false)
				o.log.Warn("mqtt client error",
					slog.String("output", o.id),
					slog.String("error", err.Error()))
			},
		},
	}
	if o.cfg.StatusTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   o.cfg.StatusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// The connection manager outlives Start's context; Stop cancels it.
	runCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("output: mqtt connect: %w", err)
	}
	o.cm = cm
	o.cancel = cancel
	o.started = true

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		o.log.Warn("mqtt initial connection pending, publishing will resume when up",
			slog.String("output", o.id),
			slog.String("broker", o.cfg.BrokerURL))
	}
	return nil
}

// Send publishes one event. Raw events and sends while disconnected are
// skipped; publish failures are counted and logged but never returned,
// so a flaky broker cannot fail the whole fan-out.
func (o *MQTT) Send(ctx context.Context, ev *event.Event) error {
	if ev.Kind == event.KindRaw {
		return nil
	}

	if !o.connected.Load() {
		o.skipped.Add(1)
		o.log.Warn("mqtt disconnected, skipping publish",
			slog.String("output", o.id),
			slog.String("event_id", ev.Meta.EventID),
			slog.String("product_id", ev.ProductID))
		return nil
	}

	payload, err := publishPayload(ev)
	if err != nil {
		o.failed.Add(1)
		o.log.Warn("mqtt payload encoding failed",
			slog.String("output", o.id),
			slog.String("event_id", ev.Meta.EventID),
			slog.String("error", err.Error()))
		return nil
	}

	t := o.builder.Build(ev)
	pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()

	if _, err := o.cm.Publish(pubCtx, &paho.Publish{
		Topic:   t,
		Payload: payload,
		QoS:     o.cfg.QoS,
		Retain:  o.cfg.Retain,
	}); err != nil {
		o.failed.Add(1)
		o.log.Warn("mqtt publish failed",
			slog.String("output", o.id),
			slog.String("topic", t),
			slog.String("event_id", ev.Meta.EventID),
			slog.String("error", err.Error()))
		return nil
	}

	o.published.Add(1)
	o.log.Debug("mqtt published",
		slog.String("output", o.id),
		slog.String("topic", t),
		slog.String("event_id", ev.Meta.EventID))
	return nil
}

// Stop publishes the offline status, disconnects, and shuts the
// connection manager down.
func (o *MQTT) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}
	o.started = false

	if o.connected.Load() {
		o.publishStatus(o.cm, "offline")
	}
	err := o.cm.Disconnect(ctx)
	o.cancel()
	o.connected.Store(false)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("output: mqtt disconnect: %w", err)
	}
	return nil
}

// Connected reports whether the broker connection is currently up.
func (o *MQTT) Connected() bool { return o.connected.Load() }

// Published, Failed, and Skipped report lifetime publish counters for
// metrics and tests.
func (o *MQTT) Published() int64 { return o.published.Load() }
func (o *MQTT) Failed() int64    { return o.failed.Load() }
func (o *MQTT) Skipped() int64   { return o.skipped.Load() }

func (o *MQTT) publishStatus(cm *autopaho.ConnectionManager, status string) {
	if o.cfg.StatusTopic == "" || cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   o.cfg.StatusTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		o.log.Warn("mqtt status publish failed",
			slog.String("output", o.id),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}

// publishPayload serializes the event for the wire: product JSON for
// text products, the document itself for XML events.
func publishPayload(ev *event.Event) ([]byte, error) {
	switch ev.Kind {
	case event.KindXML:
		return []byte(ev.XML), nil
	case event.KindTextProduct:
		if ev.Product == nil {
			return nil, fmt.Errorf("output: text product event without product")
		}
		b, err := json.Marshal(ev.Product)
		if err != nil {
			return nil, fmt.Errorf("output: marshal product: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("output: unsupported event kind %s", ev.Kind)
	}
}
