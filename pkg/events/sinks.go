package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
)

// LogSink writes every envelope as a structured log record.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink returns a sink logging at level through logger.
// A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events"), level: level}
}

// Append implements EventSink.
func (s *LogSink) Append(ctx context.Context, e Envelope) error {
	s.logger.Log(ctx, s.level, "evaluation event",
		"type", e.Type,
		"run_id", e.RunID,
		"source", e.Source,
		"payload", json.RawMessage(e.Payload))
	return nil
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink publishes envelopes as JSON on "<prefix>.<type>" subjects.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink returns a sink publishing through pub.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// ConnectNATS dials url and returns a sink together with its connection.
// The caller owns the connection and must drain or close it.
func ConnectNATS(url, prefix string, opts ...nats.Option) (*NATSSink, *nats.Conn, error) {
	opts = append([]nats.Option{nats.Name("convoeval")}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return NewNATSSink(conn, prefix), conn, nil
}

// Subject returns the subject an envelope of eventType is published on.
func (s *NATSSink) Subject(eventType string) string {
	if s.prefix == "" {
		return eventType
	}
	return s.prefix + "." + eventType
}

// Append implements EventSink.
func (s *NATSSink) Append(ctx context.Context, e Envelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.pub.Publish(s.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// MultiSink fans each envelope out to every sink and joins their errors.
type MultiSink []EventSink

// Append implements EventSink.
func (m MultiSink) Append(ctx context.Context, e Envelope) error {
	var result *multierror.Error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Append(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ErrSinkClosed is returned by MemorySink after Close.
var ErrSinkClosed = errors.New("event sink closed")

// MemorySink records envelopes in memory. It is the sink used by tests to
// assert on published events. Safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []Envelope
	closed bool
}

// NewMemorySink returns an empty recording sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Append implements EventSink.
func (m *MemorySink) Append(_ context.Context, e Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	m.events = append(m.events, e)
	return nil
}

// Close makes later Append calls fail.
func (m *MemorySink) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// OfType returns recorded envelopes of eventType in arrival order.
func (m *MemorySink) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
