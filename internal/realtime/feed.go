// Package realtime fans daemon events out to NATS JetStream so dashboards
// and external consumers can follow job progress without polling the API.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/runnerd/internal/config"
)

// subjectRoot prefixes every published subject; the stream binds
// "runnerd.events.>".
const subjectRoot = "runnerd.events"

// retention bounds how long the stream keeps events.
const retention = 24 * time.Hour

// Feed publishes event envelopes. The daemon holds a Feed regardless of
// configuration; without a NATS URL it is a noop.
type Feed interface {
	Publish(ctx context.Context, kind, subkind string, payload any) error
	Close() error
}

// Envelope is the wire shape of one published event.
type Envelope struct {
	Kind    string    `json:"kind"`
	Subkind string    `json:"subkind,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// SubjectFor builds the subject an event lands on.
func SubjectFor(kind, subkind string) string {
	if subkind == "" {
		return subjectRoot + "." + kind
	}
	return subjectRoot + "." + kind + "." + subkind
}

// NewFeed connects to NATS and ensures the stream exists. An empty URL
// yields the noop feed so the daemon runs without an event fabric.
func NewFeed(ctx context.Context, cfg config.EventsConfig, log *slog.Logger) (Feed, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.NATSURL == "" {
		log.Debug("No NATS URL configured, realtime feed disabled")
		return NoopFeed{}, nil
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Name("runnerd"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "RUNNERD_EVENTS"
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ensureCtx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{subjectRoot + ".>"},
		MaxAge:   retention,
		Storage:  jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	log.Info("Realtime feed connected", slog.String("url", cfg.NATSURL),
		slog.String("stream", stream))
	return &jetStreamFeed{conn: conn, js: js, log: log.With("component", "realtime")}, nil
}

type jetStreamFeed struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  *slog.Logger
}

func (f *jetStreamFeed) Publish(ctx context.Context, kind, subkind string, payload any) error {
	data, err := json.Marshal(Envelope{
		Kind:    kind,
		Subkind: subkind,
		At:      time.Now(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := f.js.Publish(ctx, SubjectFor(kind, subkind), data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectFor(kind, subkind), err)
	}
	return nil
}

func (f *jetStreamFeed) Close() error {
	if f.conn != nil {
		f.conn.Close()
	}
	return nil
}

// NoopFeed drops every event.
type NoopFeed struct{}

func (NoopFeed) Publish(context.Context, string, string, any) error { return nil }
func (NoopFeed) Close() error                                       { return nil }
