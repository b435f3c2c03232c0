// Package receiver maintains the XMPP session against the NWWS-OI feed and
// turns every product message into a raw ingest event.
//
// # Usage
//
//	rcv := receiver.New(cfg, manager, logger, receiver.WithMetrics(col))
//	err := rcv.Run(ctx) // blocks until ctx is cancelled
//
// Run owns the whole session lifecycle: connect + authenticate, join the
// product room, decode stanzas, and hand events to the Submitter. It only
// returns when ctx is cancelled; every failure before that feeds the
// reconnect loop.
//
// # Reconnection
//
// Each session attempt walks Connecting → Connected → Authenticated →
// Joined → Running. Any failure (dial, TLS, SASL, MUC join, stream error,
// or the idle watchdog) tears the session down and schedules the next
// attempt with exponential backoff (5 s initial, doubling, 5 min cap).
// A successful room join resets the backoff.
//
// # Liveness
//
// The feed is effectively never silent, so staleness means a dead session
// regardless of what the TCP connection claims. A watchdog ticks every
// 10 s and forces a reconnect when no stanza has arrived for 90 s. This is
// the only liveness mechanism; there is no XMPP-level ping.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gosrc.io/xmpp"
	"gosrc.io/xmpp/stanza"

	"github.com/wxwire/bridge/internal/event"
	"github.com/wxwire/bridge/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultServer            = "nwws-oi.weather.gov"
	DefaultPort              = 5222
	DefaultDomain            = "nwws-oi.weather.gov"
	DefaultRoom              = "nwws@conference.nwws-oi.weather.gov"
	DefaultHistoryMaxStanzas = 5
	DefaultConnectTimeout    = 10 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
	DefaultWatchdogInterval  = 10 * time.Second
	DefaultReconnectInitial  = 5 * time.Second
	DefaultReconnectMax      = 5 * time.Minute
)

// Submitter accepts ingest events; the pipeline manager implements it.
type Submitter interface {
	Submit(ctx context.Context, ev *event.Event) error
}

// Config holds the receiver's connection settings. Username and Password
// are required; zero values elsewhere take the NWWS-OI defaults.
type Config struct {
	Server   string
	Port     int
	Username string
	Password string

	// Domain is the JID domain, which stays nwws-oi.weather.gov even when
	// connecting to a site-specific server.
	Domain string

	// Room is the bare JID of the product room.
	Room string

	// HistoryMaxStanzas caps the MUC history replay requested on join.
	HistoryMaxStanzas int

	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	WatchdogInterval time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Server == "" {
		c.Server = DefaultServer
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Room == "" {
		c.Room = DefaultRoom
	}
	if c.HistoryMaxStanzas == 0 {
		c.HistoryMaxStanzas = DefaultHistoryMaxStanzas
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = DefaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
}

// session is the slice of *xmpp.Client the receiver drives; substituted in
// tests.
type session interface {
	Connect() error
	Disconnect() error
	Send(packet stanza.Packet) error
}

// dialFunc constructs the XMPP session for one connection attempt.
type dialFunc func(cfg *xmpp.Config, router *xmpp.Router, errHandler func(error)) (session, error)

func newXMPPSession(cfg *xmpp.Config, router *xmpp.Router, errHandler func(error)) (session, error) {
	c, err := xmpp.NewClient(cfg, router, errHandler)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Receiver is the NWWS-OI ingest client. Create with New, drive with Run.
type Receiver struct {
	cfg     Config
	sink    Submitter
	logger  *slog.Logger
	metrics *metrics.Collector

	dial dialFunc
	now  func() time.Time

	state       atomic.Int32
	lastMessage atomic.Int64 // unix nanos of the newest inbound stanza

	received    atomic.Int64
	submitted   atomic.Int64
	dropped     atomic.Int64
	parseErrors atomic.Int64
	reconnects  atomic.Int64
	joins       atomic.Int64
}

// Option customizes a Receiver.
type Option func(*Receiver)

// WithMetrics attaches a collector for receiver counters, the delivery
// delay histogram, and the state gauge.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Receiver) { r.metrics = c }
}

// New returns a receiver that submits ingest events to sink.
func New(cfg Config, sink Submitter, logger *slog.Logger, opts ...Option) *Receiver {
	cfg.applyDefaults()
	r := &Receiver{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(slog.String("component", "receiver")),
		dial:   newXMPPSession,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics != nil {
		r.metrics.Help("message_delay_ms", "Feed delivery delay (stamp to receipt) in milliseconds.")
		r.metrics.Help("events_total", "Ingest events, by outcome.")
	}
	r.state.Store(int32(StateDisconnected))
	return r
}

// Run connects, joins the product room, and keeps the session alive until
// ctx is cancelled. It always returns nil on cancellation; connection
// failures never escape the reconnect loop.
func (r *Receiver) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.ReconnectInitial
	bo.Multiplier = 2
	bo.MaxInterval = r.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()

	for {
		joined, err := r.runSession(ctx)
		if ctx.Err() != nil {
			r.setState(StateStopped)
			r.logger.Info("receiver stopped")
			return nil
		}
		if err != nil {
			r.logger.Error("session ended", slog.String("error", err.Error()))
		}
		if joined {
			bo.Reset()
		}

		r.setState(StateReconnecting)
		r.reconnects.Add(1)

		delay := bo.NextBackOff()
		r.logger.Info("reconnecting",
			slog.Duration("delay", delay),
			slog.Int64("attempt", r.reconnects.Load()))

		select {
		case <-ctx.Done():
			r.setState(StateStopped)
			r.logger.Info("receiver stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession performs one connect/join/serve cycle. It reports whether the
// room join succeeded (which resets the caller's backoff) and the error
// that ended the session, nil when ctx was cancelled.
func (r *Receiver) runSession(ctx context.Context) (joined bool, err error) {
	nick := nickname(r.now())
	jid := fmt.Sprintf("%s@%s/%s", r.cfg.Username, r.cfg.Domain, nick)
	occupant := r.cfg.Room + "/" + nick

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Session-fatal conditions from any source: the library's stream error
	// handler, error presences from the room, and the idle watchdog.
	errCh := make(chan error, 4)
	report := func(e error) {
		if e == nil {
			return
		}
		select {
		case errCh <- e:
		default:
		}
	}

	router := xmpp.NewRouter()
	router.HandleFunc("message", func(_ xmpp.Sender, p stanza.Packet) {
		r.onMessage(sessCtx, p)
	})
	router.HandleFunc("presence", func(_ xmpp.Sender, p stanza.Packet) {
		r.onPresence(p, occupant, report)
	})

	xcfg := &xmpp.Config{
		TransportConfiguration: xmpp.TransportConfiguration{
			Address: net.JoinHostPort(r.cfg.Server, strconv.Itoa(r.cfg.Port)),
			Domain:  r.cfg.Domain,
		},
		Jid:            jid,
		Credential:     xmpp.Password(r.cfg.Password),
		Insecure:       false,
		ConnectTimeout: int(r.cfg.ConnectTimeout / time.Second),
	}

	r.setState(StateConnecting)
	sess, err := r.dial(xcfg, router, report)
	if err != nil {
		r.countError("client_setup", "connect")
		return false, fmt.Errorf("receiver: create client: %w", err)
	}

	if err := sess.Connect(); err != nil {
		r.countError(classifyConnectError(err), "connect")
		return false, fmt.Errorf("receiver: connect %s: %w", xcfg.Address, err)
	}
	// Connect performs dial, TLS, and SASL in one shot.
	r.setState(StateConnected)
	r.setState(StateAuthenticated)
	r.logger.Info("connected",
		slog.String("server", xcfg.Address),
		slog.String("nick", nick))

	defer func() {
		if derr := sess.Disconnect(); derr != nil {
			r.logger.Debug("disconnect", slog.String("error", derr.Error()))
		}
	}()

	// The join itself counts as traffic: the idle clock starts now.
	r.touch()

	if err := r.join(sess, occupant); err != nil {
		r.countError("muc_join", "join")
		return false, fmt.Errorf("receiver: join %s: %w", r.cfg.Room, err)
	}
	r.setState(StateJoined)
	r.joins.Add(1)
	joined = true
	r.logger.Info("joined product room",
		slog.String("room", r.cfg.Room),
		slog.String("nick", nick))

	go r.watchdog(sessCtx, report)

	select {
	case <-ctx.Done():
		r.leave(sess, occupant)
		return joined, nil
	case err := <-errCh:
		return joined, err
	}
}

// join requests room membership with a capped history replay, so a fast
// reconnect cannot flood the pipeline with stale products.
func (r *Receiver) join(s session, occupant string) error {
	return s.Send(stanza.Presence{
		Attrs: stanza.Attrs{To: occupant},
		Extensions: []stanza.PresExtension{
			stanza.MucPresence{
				History: stanza.History{
					MaxStanzas: stanza.NewNullableInt(r.cfg.HistoryMaxStanzas),
				},
			},
		},
	})
}

// leave announces departure so the room does not hold a ghost occupant
// until the server notices the dead stream.
func (r *Receiver) leave(s session, occupant string) {
	err := s.Send(stanza.Presence{
		Attrs: stanza.Attrs{To: occupant, Type: stanza.PresenceTypeUnavailable},
	})
	if err != nil {
		r.logger.Debug("leave room", slog.String("error", err.Error()))
	}
}

// watchdog forces a session teardown when the feed goes quiet for longer
// than the idle timeout.
func (r *Receiver) watchdog(ctx context.Context, report func(error)) {
	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := r.now().Sub(r.lastMessageAt())
			if idle <= r.cfg.IdleTimeout {
				continue
			}
			r.countError("stale_session", "watchdog")
			report(fmt.Errorf("receiver: no traffic for %s (limit %s)",
				idle.Truncate(time.Second), r.cfg.IdleTimeout))
			return
		}
	}
}

// onMessage handles one routed message stanza: decode the product
// extension, build the ingest event, and submit it.
func (r *Receiver) onMessage(ctx context.Context, p stanza.Packet) {
	r.touch()

	msg, ok := asMessage(p)
	if !ok {
		return
	}

	var oi oiExtension
	if !msg.Get(&oi) {
		// Room chatter without a product payload; nothing to ingest.
		return
	}

	r.ingest(ctx, msg, oi)
}

// ingest converts and submits one product message.
func (r *Receiver) ingest(ctx context.Context, msg stanza.Message, oi oiExtension) {
	if ctx.Err() != nil {
		return
	}
	r.received.Add(1)

	// First product through confirms the room is live even if the
	// reflected self-presence was missed.
	if r.State() == StateJoined {
		r.setState(StateRunning)
	}

	ev := r.buildEvent(msg, oi)

	start := r.now()
	err := r.sink.Submit(ctx, ev)
	r.recordOperation("submit", err == nil, r.now().Sub(start))
	if err != nil {
		r.dropped.Add(1)
		r.countError("backpressure", "submit")
		r.logger.Warn("event dropped",
			slog.String("event_id", ev.Meta.EventID),
			slog.String("product_id", ev.ProductID),
			slog.String("error", err.Error()))
		return
	}
	r.submitted.Add(1)

	r.logger.Debug("event submitted",
		slog.String("event_id", ev.Meta.EventID),
		slog.String("product_id", ev.ProductID),
		slog.String("awipsid", ev.AWIPSID),
		slog.String("cccc", ev.CCCC))
}

// onPresence tracks room occupancy: the reflected self-presence moves the
// receiver to Running, and error presences from the room end the session.
func (r *Receiver) onPresence(p stanza.Packet, occupant string, report func(error)) {
	r.touch()

	pres, ok := asPresence(p)
	if !ok {
		return
	}

	if pres.Type == stanza.PresenceTypeError && strings.HasPrefix(pres.From, r.cfg.Room) {
		r.countError("muc_presence", "join")
		report(fmt.Errorf("receiver: error presence from %s", pres.From))
		return
	}

	if pres.From == occupant && r.State() == StateJoined {
		r.setState(StateRunning)
	}
}

// ─── State and stats ──────────────────────────────────────────────────────────

// State returns the receiver's current lifecycle state.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

func (r *Receiver) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old == s {
		return
	}
	r.logger.Debug("state change",
		slog.String("from", old.String()),
		slog.String("to", s.String()))
	r.gaugeState(s)
}

func (r *Receiver) touch() {
	r.lastMessage.Store(r.now().UnixNano())
}

func (r *Receiver) lastMessageAt() time.Time {
	ns := r.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats is a point-in-time receiver snapshot for health reporting.
type Stats struct {
	State       string    `json:"state"`
	LastMessage time.Time `json:"last_message"`
	Received    int64     `json:"received"`
	Submitted   int64     `json:"submitted"`
	Dropped     int64     `json:"dropped"`
	ParseErrors int64     `json:"parse_errors"`
	Reconnects  int64     `json:"reconnects"`
	Joins       int64     `json:"joins"`
}

// Stats returns current counters and state.
func (r *Receiver) Stats() Stats {
	return Stats{
		State:       r.State().String(),
		LastMessage: r.lastMessageAt(),
		Received:    r.received.Load(),
		Submitted:   r.submitted.Load(),
		Dropped:     r.dropped.Load(),
		ParseErrors: r.parseErrors.Load(),
		Reconnects:  r.reconnects.Load(),
		Joins:       r.joins.Load(),
	}
}

// ─── Metrics helpers ──────────────────────────────────────────────────────────

func (r *Receiver) countError(errType, op string) {
	if r.metrics != nil {
		r.metrics.RecordError(errType, op, nil)
	}
}

func (r *Receiver) recordOperation(op string, success bool, d time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordOperation(op, success, d, nil)
	}
}

func (r *Receiver) observeDelay(d time.Duration) {
	if r.metrics != nil {
		r.metrics.Observe("message_delay_ms", nil, float64(d)/float64(time.Millisecond))
	}
}

func (r *Receiver) gaugeState(s State) {
	if r.metrics != nil {
		r.metrics.UpdateStatus("receiver", float64(s), nil)
	}
}
