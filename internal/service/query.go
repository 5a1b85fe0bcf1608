// Package service implements the query orchestrator that ties the conversation
// log to the stream driver.
package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/query-stream/internal/conversation"
	"github.com/capitalize-ai/query-stream/internal/model"
	"github.com/capitalize-ai/query-stream/internal/stream"
	"github.com/capitalize-ai/query-stream/pkg/logger"
	"github.com/capitalize-ai/query-stream/pkg/metrics"
)

const (
	// DefaultHistoryWindow is how many settled messages are sent as prior turns.
	DefaultHistoryWindow = 10

	// DefaultTimeout bounds a single stream attempt.
	DefaultTimeout = 2 * time.Minute

	publishTimeout = 5 * time.Second
)

// Runner runs one stream attempt to a terminal result.
type Runner interface {
	Run(token *stream.Token, req *model.QueryRequest, onChunk stream.ChunkFunc) *stream.Result
}

// OutcomePublisher records non-successful stream outcomes.
type OutcomePublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// flight is the in-flight stream attempt.
type flight struct {
	token *stream.Token
	done  chan struct{}
}

// QueryService orchestrates streaming queries for one conversation session.
// At most one stream is in flight; a new query cancels the previous one.
type QueryService struct {
	runner    Runner
	publisher OutcomePublisher
	logger    *logger.Logger

	sessionID     string
	limits        conversation.Limits
	historyWindow int
	timeout       time.Duration
	extra         map[string]any
	onChunk       stream.ChunkFunc

	mu       sync.Mutex
	log      *conversation.Log
	category model.ErrorCategory
	active   *flight
}

// Option configures a QueryService.
type Option func(*QueryService)

// WithLimits sets the conversation bounds.
func WithLimits(l conversation.Limits) Option {
	return func(s *QueryService) { s.limits = l }
}

// WithHistoryWindow sets how many prior messages accompany a question.
func WithHistoryWindow(n int) Option {
	return func(s *QueryService) { s.historyWindow = n }
}

// WithTimeout bounds each stream attempt. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *QueryService) { s.timeout = d }
}

// WithContext adds fields to every outbound request body.
func WithContext(fields map[string]any) Option {
	return func(s *QueryService) { s.extra = fields }
}

// WithPublisher records failed, cancelled and timed-out exchanges.
func WithPublisher(p OutcomePublisher) Option {
	return func(s *QueryService) { s.publisher = p }
}

// WithChunkHandler receives every chunk after it has been appended to the log.
func WithChunkHandler(fn stream.ChunkFunc) Option {
	return func(s *QueryService) { s.onChunk = fn }
}

// WithSessionID overrides the generated session ID. The ID must be a UUID; any
// other value is replaced by a generated one.
func WithSessionID(id string) Option {
	return func(s *QueryService) { s.sessionID = id }
}

// NewQueryService creates an orchestrator with an empty conversation.
func NewQueryService(runner Runner, log *logger.Logger, opts ...Option) *QueryService {
	s := &QueryService{
		runner:        runner,
		sessionID:     uuid.Must(uuid.NewV7()).String(),
		limits:        conversation.DefaultLimits(),
		historyWindow: DefaultHistoryWindow,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	// The session ID becomes a NATS subject token.
	if id, err := uuid.Parse(s.sessionID); err != nil {
		log.Warn("ignoring invalid session ID", zap.String("session_id", s.sessionID))
		s.sessionID = uuid.Must(uuid.NewV7()).String()
	} else {
		s.sessionID = id.String()
	}
	s.logger = log.WithSession(s.sessionID)
	s.log = conversation.NewLog(s.limits)
	return s
}

// SessionID returns the conversation session ID.
func (s *QueryService) SessionID() string {
	return s.sessionID
}

// ExecuteQueryStream asks question and streams the answer into the
// conversation. It reports whether the exchange was kept: a completed answer,
// even an empty one, or a partial answer. It reports false when the exchange
// was rolled back or rejected.
func (s *QueryService) ExecuteQueryStream(ctx context.Context, question string) bool {
	if strings.TrimSpace(question) == "" {
		s.setCategory(model.ErrorEmptyQuestion)
		return false
	}

	s.mu.Lock()
	for s.active != nil {
		prev := s.active
		prev.token.Cancel(stream.ReasonCancelled)
		s.mu.Unlock()
		<-prev.done
		s.mu.Lock()
	}

	if s.log.TrimIfNeeded() {
		metrics.ConversationTrimsTotal.Inc()
		s.logger.Debug("conversation trimmed", zap.Int("messages", s.log.Len()))
	}
	if err := s.log.EnforceHardLimit(); err != nil {
		s.category = model.ErrorConversationTooLong
		s.mu.Unlock()
		s.logger.Warn("query rejected", zap.Error(err))
		return false
	}

	req := &model.QueryRequest{
		Question:            question,
		ConversationHistory: s.log.History(s.historyWindow),
		Context:             s.extra,
	}
	index := s.log.BeginExchange(question)

	f := &flight{
		token: stream.NewToken(ctx, s.timeout),
		done:  make(chan struct{}),
	}
	s.active = f
	s.category = model.ErrorNone
	s.mu.Unlock()

	res := s.runner.Run(f.token, req, func(text string, i int) {
		s.mu.Lock()
		s.log.AppendChunk(index, text)
		s.mu.Unlock()
		if s.onChunk != nil {
			s.onChunk(text, i)
		}
	})

	category := classify(res)

	s.mu.Lock()
	outcome, err := s.log.Finalize(index, conversation.Settlement{
		Completed: res.Success,
		Text:      res.Text,
		Notice:    res.Notice,
	})
	s.category = category
	s.active = nil
	s.mu.Unlock()

	f.token.Release()
	close(f.done)

	if err != nil {
		s.logger.Error("failed to finalize exchange", zap.Error(err))
		return false
	}
	metrics.ConversationExchangesTotal.WithLabelValues(outcome.String()).Inc()
	s.logger.Debug("exchange settled",
		zap.String("settlement", outcome.String()),
		zap.String("stream_outcome", res.Outcome()),
		zap.String("category", string(category)),
	)

	s.publishOutcome(res, category)

	return outcome != conversation.RolledBack
}

// CancelStream fires the in-flight stream's token. It is a no-op when nothing
// is streaming and may be called any number of times.
func (s *QueryService) CancelStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.token.Cancel(stream.ReasonCancelled)
	}
}

// Reset cancels any in-flight stream, waits for it to settle and clears the
// conversation. It must not be called from a chunk handler.
func (s *QueryService) Reset() {
	s.mu.Lock()
	for s.active != nil {
		prev := s.active
		prev.token.Cancel(stream.ReasonCancelled)
		s.mu.Unlock()
		<-prev.done
		s.mu.Lock()
	}
	s.log.Reset()
	s.category = model.ErrorNone
	s.mu.Unlock()
}

// Conversation returns a snapshot of the conversation.
func (s *QueryService) Conversation() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Messages()
}

// ErrorCategory returns the classification of the last query's failure.
func (s *QueryService) ErrorCategory() model.ErrorCategory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.category
}

// Error returns the user-facing error text of the last query, or "".
func (s *QueryService) Error() string {
	return s.ErrorCategory().Message()
}

// IsStreaming reports whether a stream is in flight.
func (s *QueryService) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *QueryService) setCategory(c model.ErrorCategory) {
	s.mu.Lock()
	s.category = c
	s.mu.Unlock()
}

// classify maps a stream result onto a user-facing error category.
func classify(res *stream.Result) model.ErrorCategory {
	switch {
	case res.Success:
		return model.ErrorNone
	case res.Aborted && res.TimedOut:
		return model.ErrorTimeout
	case res.Aborted:
		return model.ErrorNone
	}

	var statusErr *stream.StatusError
	if errors.As(res.Err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return model.ErrorRateLimited
		case statusErr.StatusCode >= 500:
			return model.ErrorServerUnavailable
		default:
			return model.ErrorRequestFailed
		}
	}

	var serverErr *stream.ServerError
	if errors.As(res.Err, &serverErr) {
		if res.Partial {
			return model.ErrorIncomplete
		}
		return model.ErrorServerError
	}

	if errors.Is(res.Err, stream.ErrStreamEnded) && res.HasContent() {
		return model.ErrorIncomplete
	}
	return model.ErrorRequestFailed
}

func (s *QueryService) publishOutcome(res *stream.Result, category model.ErrorCategory) {
	if s.publisher == nil || res.Success {
		return
	}

	var eventType model.EventType
	reason := string(category)
	switch {
	case res.Aborted && res.TimedOut:
		eventType = model.EventTypeTimeout
	case res.Aborted:
		eventType = model.EventTypeCancel
		reason = string(res.Reason)
	case category == model.ErrorRateLimited:
		eventType = model.EventTypeRateLimit
	default:
		eventType = model.EventTypeError
	}
	if res.Err != nil {
		reason = res.Err.Error()
	}

	event := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: s.sessionID,
		Type:           eventType,
		Reason:         reason,
		Metadata: map[string]any{
			"category":         string(category),
			"chunks":           res.Chunks,
			"chars":            len(res.Text),
			"malformed_frames": res.MalformedFrames,
			"duration_ms":      res.Duration.Milliseconds(),
		},
		CreatedAt: time.Now(),
	}

	// The request context may already be gone; the audit record should not be.
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := s.publisher.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish outcome event",
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
	}
}
