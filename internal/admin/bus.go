// Package admin implements the embedded Admin command channel: a loopback
// NATS server any admin tooling (itself out of scope here, spec.md §1 Non-
// goals) can publish a RestartAll request onto, plus an outward feed of
// segment-lifecycle presence events. Grounded on the teacher's
// internal/core/eventbus.go, with the global PortManager dropped: the core
// binds the port the Configuration Source names instead of hunting for a
// free one.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectRestartAll is the inbound command subject: any payload (or
	// none) triggers a reconciliation of every Capture Actor.
	SubjectRestartAll = "admin.restart_all"

	// SubjectSegmentOpened and SubjectSegmentClosed are the outward
	// segment-lifecycle presence events (spec.md §4.2's NewFile/EndFile,
	// re-published for anything outside the core that wants to observe
	// storage activity without querying the database directly).
	SubjectSegmentOpened = "segments.opened"
	SubjectSegmentClosed = "segments.closed"
)

// SegmentOpenedEvent announces a new open VideoUnit/VideoFile pair.
type SegmentOpenedEvent struct {
	CameraID  string    `json:"camera_id"`
	VideoUnit string    `json:"video_unit_id"`
	Filename  string    `json:"filename"`
	BeginTime time.Time `json:"begin_time"`
}

// SegmentClosedEvent announces a previously-open segment sealing.
type SegmentClosedEvent struct {
	CameraID  string    `json:"camera_id"`
	VideoUnit string    `json:"video_unit_id"`
	EndTime   time.Time `json:"end_time"`
	Size      int64     `json:"size"`
}

// Bus owns the embedded NATS server and the single connection the core uses
// to publish and subscribe on it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger
}

// Config configures the embedded NATS server.
type Config struct {
	Host string
	Port int
}

// New starts an embedded NATS server bound to cfg.Host:cfg.Port and connects
// to it.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after 2s (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	b := &Bus{server: ns, conn: nc, logger: logger.With("component", "admin")}
	b.logger.Info("admin command bus started", "url", ns.ClientURL())
	return b, nil
}

// ClientURL returns the embedded server's client URL, useful for admin
// tooling configuration.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// OnRestartAll registers fn to run whenever a RestartAll command arrives.
func (b *Bus) OnRestartAll(fn func()) error {
	_, err := b.conn.Subscribe(SubjectRestartAll, func(*nats.Msg) {
		fn()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectRestartAll, err)
	}
	return nil
}

// PublishRestartAll issues a RestartAll command, used by tests and by admin
// tooling that already holds a connection to this bus.
func (b *Bus) PublishRestartAll() error {
	return b.conn.Publish(SubjectRestartAll, nil)
}

// PublishSegmentOpened announces a newly opened segment.
func (b *Bus) PublishSegmentOpened(ev SegmentOpenedEvent) error {
	return b.publishJSON(SubjectSegmentOpened, ev)
}

// PublishSegmentClosed announces a sealed segment.
func (b *Bus) PublishSegmentClosed(ev SegmentClosedEvent) error {
	return b.publishJSON(SubjectSegmentClosed, ev)
}

func (b *Bus) publishJSON(subject string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	return b.conn.Publish(subject, payload)
}

// Stop drains the connection and shuts the embedded server down.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("admin command bus stopped")
}
