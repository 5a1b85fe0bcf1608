package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/query-stream/internal/model"
)

const (
	// StreamName is the name of the query outcome stream.
	StreamName = "QUERY_OUTCOMES"

	// SubjectPrefix is the prefix for all query outcome subjects.
	SubjectPrefix = "query"
)

// ErrInvalidSessionID is returned for session IDs that cannot be used as a
// single subject token.
var ErrInvalidSessionID = errors.New("invalid session ID")

func validSessionID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// EventStream publishes and reads query outcome events on JetStream.
type EventStream struct {
	js jetstream.JetStream
}

// NewEventStream creates an event stream on top of a JetStream context.
func NewEventStream(js jetstream.JetStream) *EventStream {
	return &EventStream{js: js}
}

// EnsureStream creates the outcome stream if it does not exist yet.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	_, err := s.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024, // 1GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Cancelled, timed-out and failed query streams",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(sessionID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, sessionID, eventType)
}

// SessionFilter returns the filter subject for all events of a session.
func SessionFilter(sessionID string) string {
	return fmt.Sprintf("%s.%s.event.>", SubjectPrefix, sessionID)
}

// PublishEvent publishes an event to JetStream and returns its stream sequence.
func (s *EventStream) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	if !validSessionID(event.ConversationID) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSessionID, event.ConversationID)
	}
	subject := EventSubject(event.ConversationID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

// Events returns up to limit recorded events of a session, oldest first.
func (s *EventStream) Events(ctx context.Context, sessionID string, limit int) ([]model.ConversationEvent, error) {
	if !validSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if limit <= 0 {
		limit = 50
	}

	consumer, err := s.js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     SessionFilter(sessionID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	events := []model.ConversationEvent{}
	for msg := range batch.Messages() {
		var event model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
		}
		events = append(events, event)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	return events, nil
}
