package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/query-stream/internal/conversation"
	"github.com/capitalize-ai/query-stream/internal/model"
	"github.com/capitalize-ai/query-stream/internal/stream"
	"github.com/capitalize-ai/query-stream/pkg/logger"
)

// backend is a scripted query stream server.
type backend struct {
	srv *httptest.Server

	calls atomic.Int32
	mu    sync.Mutex
	reqs  []model.QueryRequest
}

type script func(w http.ResponseWriter, r *http.Request, call int)

func newBackend(t *testing.T, fn script) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := int(b.calls.Add(1))

		var req model.QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			b.mu.Lock()
			b.reqs = append(b.reqs, req)
			b.mu.Unlock()
		}
		fn(w, r, call)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) requests() []model.QueryRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.QueryRequest(nil), b.reqs...)
}

func send(w http.ResponseWriter, event model.FrameEvent, data string, partial bool) {
	payload, _ := json.Marshal(model.StreamFrame{Event: event, Data: data, Partial: partial})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func streamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func answer(parts ...string) script {
	return func(w http.ResponseWriter, r *http.Request, call int) {
		streamHeaders(w)
		send(w, model.FrameStart, "", false)
		for _, p := range parts {
			send(w, model.FrameChunk, p, false)
		}
		send(w, model.FrameDone, "", false)
	}
}

func newService(t *testing.T, b *backend, opts ...Option) *QueryService {
	t.Helper()
	driver := stream.NewDriver(stream.NewHTTPTransport(b.srv.URL), logger.NewNop())
	return NewQueryService(driver, logger.NewNop(), opts...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.ConversationEvent
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return uint64(len(p.events)), nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func TestExecuteQueryStream_Success(t *testing.T) {
	b := newBackend(t, answer("Hi", " there"))
	svc := newService(t, b)

	ok := svc.ExecuteQueryStream(context.Background(), "Hello")

	require.True(t, ok)
	msgs := svc.Conversation()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
	assert.Empty(t, svc.Error())
	assert.False(t, svc.IsStreaming())
}

func TestExecuteQueryStream_EmptyAnswerIsCommitted(t *testing.T) {
	b := newBackend(t, answer())
	svc := newService(t, b)

	require.True(t, svc.ExecuteQueryStream(context.Background(), "Anything?"))

	msgs := svc.Conversation()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
}

func TestNewQueryService_SessionID(t *testing.T) {
	b := newBackend(t, answer("x"))

	id := uuid.NewString()
	assert.Equal(t, id, newService(t, b, WithSessionID(id)).SessionID())
	assert.Equal(t, id, newService(t, b, WithSessionID(strings.ToUpper(id))).SessionID())

	for _, bad := range []string{"", "abc", "s1.event.>", "*"} {
		got := newService(t, b, WithSessionID(bad)).SessionID()
		_, err := uuid.Parse(got)
		assert.NoError(t, err, "session ID %q", bad)
		assert.NotEqual(t, bad, got)
	}
}

func TestExecuteQueryStream_EmptyQuestion(t *testing.T) {
	b := newBackend(t, answer("unused"))
	svc := newService(t, b)

	for _, q := range []string{"", "   ", "\n\t"} {
		assert.False(t, svc.ExecuteQueryStream(context.Background(), q))
	}

	assert.Zero(t, b.calls.Load())
	assert.Empty(t, svc.Conversation())
	assert.Equal(t, model.ErrorEmptyQuestion, svc.ErrorCategory())
	assert.Equal(t, "Please enter a question.", svc.Error())
}

func TestExecuteQueryStream_PartialError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		streamHeaders(w)
		send(w, model.FrameChunk, "Partial answ", false)
		send(w, model.FrameError, "generation failed", true)
	})
	svc := newService(t, b)

	ok := svc.ExecuteQueryStream(context.Background(), "Hello")

	require.True(t, ok)
	msgs := svc.Conversation()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Partial answ"+stream.NoticePartial, msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, model.ErrorIncomplete, svc.ErrorCategory())
}

func TestExecuteQueryStream_HardErrorRollsBack(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		if call == 1 {
			answer("first answer")(w, r, call)
			return
		}
		streamHeaders(w)
		send(w, model.FrameError, "model unavailable", false)
	})
	svc := newService(t, b)
	require.True(t, svc.ExecuteQueryStream(context.Background(), "first"))
	before := svc.Conversation()

	ok := svc.ExecuteQueryStream(context.Background(), "second")

	assert.False(t, ok)
	assert.Equal(t, before, svc.Conversation())
	assert.Equal(t, model.ErrorServerError, svc.ErrorCategory())
}

func TestExecuteQueryStream_HardErrorAfterContentKeepsAnswer(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		streamHeaders(w)
		send(w, model.FrameChunk, "Some", false)
		send(w, model.FrameError, "boom", false)
	})
	svc := newService(t, b)

	assert.True(t, svc.ExecuteQueryStream(context.Background(), "q"))
	msgs := svc.Conversation()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Some"+stream.NoticeError, msgs[1].Content)
	assert.Equal(t, model.ErrorServerError, svc.ErrorCategory())
}

func TestExecuteQueryStream_StreamEndedEarly(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		streamHeaders(w)
		send(w, model.FrameChunk, "Half", false)
	})
	svc := newService(t, b)

	assert.True(t, svc.ExecuteQueryStream(context.Background(), "q"))
	assert.Equal(t, "Half"+stream.NoticeEnded, svc.Conversation()[1].Content)
	assert.Equal(t, model.ErrorIncomplete, svc.ErrorCategory())
}

func TestExecuteQueryStream_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   model.ErrorCategory
		event  model.EventType
	}{
		{"rate limited", http.StatusTooManyRequests, model.ErrorRateLimited, model.EventTypeRateLimit},
		{"unavailable", http.StatusServiceUnavailable, model.ErrorServerUnavailable, model.EventTypeError},
		{"internal", http.StatusInternalServerError, model.ErrorServerUnavailable, model.EventTypeError},
		{"bad request", http.StatusBadRequest, model.ErrorRequestFailed, model.EventTypeError},
		{"unauthorized", http.StatusUnauthorized, model.ErrorRequestFailed, model.EventTypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
				http.Error(w, "nope", tt.status)
			})
			pub := &recordingPublisher{}
			svc := newService(t, b, WithPublisher(pub))

			assert.False(t, svc.ExecuteQueryStream(context.Background(), "q"))
			assert.Empty(t, svc.Conversation())
			assert.Equal(t, tt.want, svc.ErrorCategory())
			assert.Equal(t, []model.EventType{tt.event}, pub.types())
		})
	}
}

func TestExecuteQueryStream_ConnectionRefused(t *testing.T) {
	b := newBackend(t, answer("unused"))
	url := b.srv.URL
	b.srv.Close()

	driver := stream.NewDriver(stream.NewHTTPTransport(url), logger.NewNop())
	svc := NewQueryService(driver, logger.NewNop())

	assert.False(t, svc.ExecuteQueryStream(context.Background(), "q"))
	assert.Empty(t, svc.Conversation())
	assert.Equal(t, model.ErrorRequestFailed, svc.ErrorCategory())
}

func TestExecuteQueryStream_SendsBoundedHistory(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		answer(fmt.Sprintf("a%d", call))(w, r, call)
	})
	svc := newService(t, b,
		WithHistoryWindow(2),
		WithContext(map[string]any{"dataset": "orders"}),
	)

	require.True(t, svc.ExecuteQueryStream(context.Background(), "q1"))
	require.True(t, svc.ExecuteQueryStream(context.Background(), "q2"))
	require.True(t, svc.ExecuteQueryStream(context.Background(), "q3"))

	reqs := b.requests()
	require.Len(t, reqs, 3)
	assert.Empty(t, reqs[0].ConversationHistory)
	assert.Equal(t, "q3", reqs[2].Question)
	assert.Equal(t, []model.HistoryEntry{
		{Role: model.RoleUser, Content: "q2"},
		{Role: model.RoleAssistant, Content: "a2"},
	}, reqs[2].ConversationHistory)
	assert.Equal(t, "orders", reqs[2].Context["dataset"])
}

func TestExecuteQueryStream_TrimsBeforeExchange(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		answer(fmt.Sprintf("a%d", call))(w, r, call)
	})
	svc := newService(t, b, WithLimits(conversation.Limits{MaxMessages: 50, TrimThreshold: 4, TrimTarget: 3}))

	for i := 1; i <= 4; i++ {
		require.True(t, svc.ExecuteQueryStream(context.Background(), fmt.Sprintf("q%d", i)))
	}

	// Six messages were trimmed to q1 plus the last two before q4 was added.
	var got []string
	for _, m := range svc.Conversation() {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"q1", "q3", "a3", "q4", "a4"}, got)
}

func TestExecuteQueryStream_HardLimit(t *testing.T) {
	b := newBackend(t, answer("a"))
	svc := newService(t, b, WithLimits(conversation.Limits{MaxMessages: 2, TrimThreshold: 10, TrimTarget: 5}))

	require.True(t, svc.ExecuteQueryStream(context.Background(), "q1"))
	before := svc.Conversation()

	assert.False(t, svc.ExecuteQueryStream(context.Background(), "q2"))
	assert.Equal(t, model.ErrorConversationTooLong, svc.ErrorCategory())
	assert.Equal(t, before, svc.Conversation())
	assert.EqualValues(t, 1, b.calls.Load())
}

// hang streams the given chunks and then holds the response open until the
// client goes away.
func hang(opened chan<- struct{}, parts ...string) script {
	return func(w http.ResponseWriter, r *http.Request, call int) {
		streamHeaders(w)
		for _, p := range parts {
			send(w, model.FrameChunk, p, false)
		}
		if opened != nil {
			opened <- struct{}{}
		}
		<-r.Context().Done()
	}
}

func TestCancelStream_KeepsPartialAnswer(t *testing.T) {
	b := newBackend(t, hang(nil, "Hi"))
	pub := &recordingPublisher{}

	var svc *QueryService
	svc = newService(t, b,
		WithPublisher(pub),
		WithChunkHandler(func(text string, index int) {
			assert.True(t, svc.IsStreaming())
			svc.CancelStream()
		}),
	)

	ok := svc.ExecuteQueryStream(context.Background(), "Hello")

	require.True(t, ok)
	msgs := svc.Conversation()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi"+stream.NoticeCancelled, msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
	assert.Equal(t, []model.EventType{model.EventTypeCancel}, pub.types())
}

func TestCancelStream_BeforeContentRollsBack(t *testing.T) {
	opened := make(chan struct{}, 1)
	b := newBackend(t, hang(opened))
	svc := newService(t, b)

	go func() {
		<-opened
		svc.CancelStream()
	}()

	assert.False(t, svc.ExecuteQueryStream(context.Background(), "Hello"))
	assert.Empty(t, svc.Conversation())
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
	assert.False(t, svc.IsStreaming())
}

func TestCancelStream_IdleIsNoop(t *testing.T) {
	b := newBackend(t, answer("a"))
	svc := newService(t, b)

	svc.CancelStream()
	svc.CancelStream()
	assert.Empty(t, svc.Conversation())

	require.True(t, svc.ExecuteQueryStream(context.Background(), "q"))
	before := svc.Conversation()
	svc.CancelStream()
	svc.CancelStream()
	assert.Equal(t, before, svc.Conversation())
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
}

func TestExecuteQueryStream_Timeout(t *testing.T) {
	b := newBackend(t, hang(nil, "Hi"))
	pub := &recordingPublisher{}
	svc := newService(t, b, WithTimeout(300*time.Millisecond), WithPublisher(pub))

	ok := svc.ExecuteQueryStream(context.Background(), "Hello")

	require.True(t, ok)
	assert.Equal(t, "Hi"+stream.NoticeTimedOut, svc.Conversation()[1].Content)
	assert.Equal(t, model.ErrorTimeout, svc.ErrorCategory())
	assert.Equal(t, "The request timed out.", svc.Error())
	assert.Equal(t, []model.EventType{model.EventTypeTimeout}, pub.types())
}

func TestExecuteQueryStream_TimeoutBeforeContent(t *testing.T) {
	b := newBackend(t, hang(nil))
	svc := newService(t, b, WithTimeout(100*time.Millisecond))

	assert.False(t, svc.ExecuteQueryStream(context.Background(), "Hello"))
	assert.Empty(t, svc.Conversation())
	assert.Equal(t, model.ErrorTimeout, svc.ErrorCategory())
}

func TestExecuteQueryStream_LastRequestWins(t *testing.T) {
	opened := make(chan struct{}, 1)
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		if call == 1 {
			hang(opened, "one")(w, r, call)
			return
		}
		answer("two")(w, r, call)
	})
	svc := newService(t, b)

	first := make(chan bool, 1)
	go func() {
		first <- svc.ExecuteQueryStream(context.Background(), "q1")
	}()
	<-opened
	require.Eventually(t, func() bool {
		msgs := svc.Conversation()
		return len(msgs) == 2 && msgs[1].Content == "one"
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, svc.ExecuteQueryStream(context.Background(), "q2"))
	assert.True(t, <-first)

	var got []string
	for _, m := range svc.Conversation() {
		got = append(got, m.Content)
		assert.False(t, m.IsStreaming)
	}
	assert.Equal(t, []string{"q1", "one" + stream.NoticeCancelled, "q2", "two"}, got)
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
}

func TestExecuteQueryStream_ParentContextCancelled(t *testing.T) {
	b := newBackend(t, hang(nil, "Hi"))
	svc := newService(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			msgs := svc.Conversation()
			if len(msgs) == 2 && msgs[1].Content == "Hi" {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	assert.True(t, svc.ExecuteQueryStream(ctx, "Hello"))
	assert.Equal(t, "Hi"+stream.NoticeCancelled, svc.Conversation()[1].Content)
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
}

func TestReset(t *testing.T) {
	b := newBackend(t, answer("a"))
	svc := newService(t, b)
	require.True(t, svc.ExecuteQueryStream(context.Background(), "q"))
	assert.False(t, svc.ExecuteQueryStream(context.Background(), " "))

	svc.Reset()

	assert.Empty(t, svc.Conversation())
	assert.Equal(t, model.ErrorNone, svc.ErrorCategory())
	assert.NotEmpty(t, svc.SessionID())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  *stream.Result
		want model.ErrorCategory
	}{
		{"success", &stream.Result{Success: true}, model.ErrorNone},
		{"cancelled", &stream.Result{Aborted: true, Reason: stream.ReasonCancelled}, model.ErrorNone},
		{"timed out", &stream.Result{Aborted: true, TimedOut: true, Reason: stream.ReasonTimedOut}, model.ErrorTimeout},
		{"429", &stream.Result{Err: &stream.StatusError{StatusCode: 429}}, model.ErrorRateLimited},
		{"502", &stream.Result{Err: &stream.StatusError{StatusCode: 502}}, model.ErrorServerUnavailable},
		{"404", &stream.Result{Err: &stream.StatusError{StatusCode: 404}}, model.ErrorRequestFailed},
		{"partial", &stream.Result{Partial: true, Text: "x", Err: &stream.ServerError{Partial: true}}, model.ErrorIncomplete},
		{"hard", &stream.Result{Err: &stream.ServerError{}}, model.ErrorServerError},
		{"ended with content", &stream.Result{Text: "x", Err: stream.ErrStreamEnded}, model.ErrorIncomplete},
		{"ended empty", &stream.Result{Err: stream.ErrStreamEnded}, model.ErrorRequestFailed},
		{"transport", &stream.Result{Err: fmt.Errorf("read stream: %w", context.Canceled)}, model.ErrorRequestFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.res))
		})
	}
}
