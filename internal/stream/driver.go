package stream

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/query-stream/internal/model"
	"github.com/capitalize-ai/query-stream/pkg/logger"
	"github.com/capitalize-ai/query-stream/pkg/metrics"
	"github.com/capitalize-ai/query-stream/pkg/tracing"
)

// State is a stage of one stream attempt.
type State int

const (
	StateIdle State = iota
	StateOpened
	StateAccumulating
	StateDone
	StateErrored
	StateAborted
)

var stateNames = [...]string{"idle", "opened", "accumulating", "done", "errored", "aborted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further events are folded in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateAborted
}

// Truncation notices appended to retained partial answers.
const (
	NoticePartial   = "\n\n[Response incomplete: the server stopped before finishing the answer.]"
	NoticeError     = "\n\n[Response interrupted by an error.]"
	NoticeEnded     = "\n\n[Response incomplete: the connection closed before the answer finished.]"
	NoticeTimedOut  = "\n\n[Response cut off: the request timed out.]"
	NoticeCancelled = "\n\n[Response stopped.]"
)

// ErrStreamEnded is reported when the body ends without a done or error event.
var ErrStreamEnded = errors.New("stream ended before completion")

// ServerError is an error event sent by the backend.
type ServerError struct {
	Message string
	Partial bool
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Message == "" {
		return "server reported an error"
	}
	return "server reported an error: " + e.Message
}

// ChunkFunc receives every chunk in arrival order, synchronously with the fold.
type ChunkFunc func(text string, index int)

// Result is the terminal report of one stream attempt.
type Result struct {
	State    State
	Success  bool
	Aborted  bool
	TimedOut bool
	Reason   Reason

	// Partial is set for a server error that still left usable content.
	Partial bool

	// Err is the transport or protocol failure; nil on success and on abort.
	Err error

	// Text is the concatenation of every chunk, in arrival order.
	Text string

	// Notice is the truncation notice to show after Text, if any.
	Notice string

	Chunks          int
	MalformedFrames int
	FirstChunk      time.Duration
	Duration        time.Duration
}

// HasContent reports whether any chunk text was accumulated.
func (r *Result) HasContent() bool {
	return r.Text != ""
}

// Outcome is a short label for logs and metrics.
func (r *Result) Outcome() string {
	switch {
	case r.Success:
		return "success"
	case r.Aborted && r.TimedOut:
		return "timed_out"
	case r.Aborted:
		return "cancelled"
	case r.Partial:
		return "partial"
	default:
		return "error"
	}
}

// Driver runs stream attempts against a transport.
type Driver struct {
	transport Transport
	logger    *logger.Logger
	tracer    trace.Tracer
	readSize  int
	maxFrame  int
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithReadSize sets the size of the body read buffer.
func WithReadSize(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// WithMaxFrameSize bounds the size of a single buffered frame.
func WithMaxFrameSize(n int) DriverOption {
	return func(d *Driver) { d.maxFrame = n }
}

// NewDriver creates a stream driver.
func NewDriver(transport Transport, log *logger.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		transport: transport,
		logger:    log,
		tracer:    tracing.Tracer("query-stream/stream"),
		readSize:  4096,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run opens the stream with the token's signal attached and folds events until
// a terminal state. onChunk may be nil.
func (d *Driver) Run(token *Token, req *model.QueryRequest, onChunk ChunkFunc) *Result {
	start := time.Now()
	ctx, span := d.tracer.Start(token.Context(), "stream.Run")
	defer span.End()

	metrics.QueryStreamsActive.Inc()
	defer metrics.QueryStreamsActive.Dec()

	f := &fold{
		res:     &Result{State: StateIdle},
		onChunk: onChunk,
		start:   start,
		logger:  d.logger,
	}

	body, err := d.transport.Open(ctx, req)
	if err != nil {
		if token.Fired() {
			f.abort(token.Reason())
		} else {
			f.fail(err)
		}
		return d.finish(f, span)
	}
	defer body.Close()

	f.res.State = StateOpened
	dec := NewFrameDecoder(d.maxFrame)
	buf := make([]byte, d.readSize)

	for !f.res.State.Terminal() {
		n, rerr := body.Read(buf)
		if n > 0 {
			f.applyAll(dec.Feed(buf[:n]))
		}
		if f.res.State.Terminal() || rerr == nil {
			continue
		}

		switch {
		case token.Fired():
			f.abort(token.Reason())
		case errors.Is(rerr, io.EOF):
			if buffered := dec.Buffered(); buffered > 0 {
				d.logger.Debug("discarding unterminated trailing frame", zap.Int("bytes", buffered))
			}
			f.applyAll(dec.Flush())
			if !f.res.State.Terminal() {
				f.fail(ErrStreamEnded)
			}
		default:
			f.fail(fmt.Errorf("read stream: %w", rerr))
		}
	}

	f.res.MalformedFrames += dec.Oversized
	return d.finish(f, span)
}

func (d *Driver) finish(f *fold, span trace.Span) *Result {
	res := f.res
	res.Text = f.acc.String()
	if !res.HasContent() {
		res.Notice = ""
	}
	res.Duration = time.Since(f.start)

	outcome := res.Outcome()
	metrics.RecordStream(outcome, res.Duration.Seconds())
	if res.MalformedFrames > 0 {
		metrics.MalformedFramesTotal.Add(float64(res.MalformedFrames))
	}

	span.SetAttributes(
		attribute.String("stream.outcome", outcome),
		attribute.String("stream.state", res.State.String()),
		attribute.Int("stream.chunks", res.Chunks),
		attribute.Int("stream.chars", len(res.Text)),
		attribute.Int("stream.malformed_frames", res.MalformedFrames),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Int("chunks", res.Chunks),
		zap.Int("chars", len(res.Text)),
		zap.Int("malformed_frames", res.MalformedFrames),
		zap.Duration("duration", res.Duration),
	}
	switch {
	case res.Success:
		d.logger.Info("stream completed", fields...)
	case res.Aborted:
		d.logger.Info("stream aborted", append(fields, zap.String("reason", string(res.Reason)))...)
	default:
		d.logger.Warn("stream failed", append(fields, zap.Error(res.Err))...)
	}

	return res
}

// fold accumulates events for one attempt.
type fold struct {
	res     *Result
	acc     strings.Builder
	onChunk ChunkFunc
	start   time.Time
	logger  *logger.Logger
}

func (f *fold) applyAll(frames []string) {
	for _, frame := range frames {
		if f.res.State.Terminal() {
			return
		}
		f.apply(frame)
	}
}

func (f *fold) apply(frame string) {
	ev, ok := ParseFrame(frame)
	if !ok {
		if !HasData(frame) {
			f.logger.Debug("skipping frame without data", zap.Int("length", len(frame)))
			return
		}
		f.res.MalformedFrames++
		f.logger.Warn("skipping malformed stream frame", zap.Int("length", len(frame)))
		return
	}

	switch ev.Kind {
	case model.FrameStart:
		if f.res.State == StateOpened {
			f.res.State = StateAccumulating
		}
	case model.FrameChunk:
		f.res.State = StateAccumulating
		if ev.Text == "" {
			return
		}
		if f.res.Chunks == 0 {
			f.res.FirstChunk = time.Since(f.start)
		}
		f.acc.WriteString(ev.Text)
		index := f.res.Chunks
		f.res.Chunks++
		metrics.QueryStreamChunksTotal.Inc()
		if f.onChunk != nil {
			f.onChunk(ev.Text, index)
		}
	case model.FrameDone:
		f.res.State = StateDone
		f.res.Success = true
	case model.FrameError:
		f.res.State = StateErrored
		f.res.Err = &ServerError{Message: ev.Text, Partial: ev.Partial}
		if ev.Partial && f.acc.Len() > 0 {
			f.res.Partial = true
			f.res.Notice = NoticePartial
		} else {
			f.res.Notice = NoticeError
		}
	default:
		f.logger.Debug("ignoring unknown stream event", zap.String("event", string(ev.Kind)))
	}
}

func (f *fold) abort(reason Reason) {
	f.res.State = StateAborted
	f.res.Aborted = true
	f.res.Reason = reason
	f.res.TimedOut = reason == ReasonTimedOut
	if f.res.TimedOut {
		f.res.Notice = NoticeTimedOut
	} else {
		f.res.Notice = NoticeCancelled
	}
}

func (f *fold) fail(err error) {
	f.res.State = StateErrored
	f.res.Err = err
	if errors.Is(err, ErrStreamEnded) {
		f.res.Notice = NoticeEnded
	} else {
		f.res.Notice = NoticeError
	}
}
