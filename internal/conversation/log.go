// Package conversation holds the ordered, length-bounded conversation log and
// its optimistic exchange protocol.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/query-stream/internal/model"
)

// ErrConversationTooLong is returned when the log is at its hard cap.
var ErrConversationTooLong = errors.New("conversation too long")

// Limits bounds the log.
type Limits struct {
	// MaxMessages is the hard cap checked before a new exchange starts.
	MaxMessages int
	// TrimThreshold is the length above which the log is compacted.
	TrimThreshold int
	// TrimTarget is the length the log is compacted down to.
	TrimTarget int
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{MaxMessages: 50, TrimThreshold: 25, TrimTarget: 20}
}

// Outcome tags how an exchange was settled.
type Outcome int

const (
	// Committed means the answer completed and was stored as-is.
	Committed Outcome = iota
	// RolledBack means the exchange left no content and both messages were removed.
	RolledBack
	// PartiallyCommitted means partial content was kept with a notice appended.
	PartiallyCommitted
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	case PartiallyCommitted:
		return "partially_committed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Settlement is what the caller learned about a finished stream attempt.
type Settlement struct {
	// Completed is true when the stream finished successfully.
	Completed bool
	// Text is the final or partial answer.
	Text string
	// Notice is appended to Text when the answer is kept incomplete.
	Notice string
}

// Log is an ordered conversation. It is not safe for concurrent use.
type Log struct {
	limits   Limits
	messages []model.Message
	now      func() time.Time
}

// NewLog creates an empty log.
func NewLog(limits Limits) *Log {
	return &Log{limits: limits, now: time.Now}
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Messages returns a copy of the log in chat order.
func (l *Log) Messages() []model.Message {
	out := make([]model.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Append pushes a message without enforcing any limit.
func (l *Log) Append(msg model.Message) {
	l.messages = append(l.messages, msg)
}

// Reset drops every message.
func (l *Log) Reset() {
	l.messages = nil
}

// TrimIfNeeded compacts the log to message[0] plus the most recent
// TrimTarget-1 messages once it grows beyond TrimThreshold. The first message
// is kept no matter how many times the log has been trimmed before.
// It reports whether trimming happened.
func (l *Log) TrimIfNeeded() bool {
	if len(l.messages) <= l.limits.TrimThreshold {
		return false
	}

	keep := l.limits.TrimTarget - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(l.messages)-1 {
		keep = len(l.messages) - 1
	}

	trimmed := make([]model.Message, 0, keep+1)
	trimmed = append(trimmed, l.messages[0])
	trimmed = append(trimmed, l.messages[len(l.messages)-keep:]...)
	l.messages = trimmed
	return true
}

// EnforceHardLimit refuses a new exchange when the log is at its hard cap.
func (l *Log) EnforceHardLimit() error {
	if len(l.messages) >= l.limits.MaxMessages {
		return fmt.Errorf("%w: %d messages (limit %d)", ErrConversationTooLong, len(l.messages), l.limits.MaxMessages)
	}
	return nil
}

// History returns the role/content pairs of the last window settled messages.
func (l *Log) History(window int) []model.HistoryEntry {
	if window <= 0 {
		return []model.HistoryEntry{}
	}

	var entries []model.HistoryEntry
	for i := len(l.messages) - 1; i >= 0 && len(entries) < window; i-- {
		msg := l.messages[i]
		if msg.IsStreaming {
			continue
		}
		entries = append(entries, model.HistoryEntry{Role: msg.Role, Content: msg.Content})
	}

	// Collected newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	return entries
}

// BeginExchange appends the user message and an empty streaming assistant
// placeholder, and returns the placeholder's index. Both are speculative until
// Finalize settles them.
func (l *Log) BeginExchange(userText string) int {
	now := l.now()
	l.Append(model.NewMessage(model.RoleUser, userText, now))

	placeholder := model.NewMessage(model.RoleAssistant, "", now)
	placeholder.IsStreaming = true
	l.Append(placeholder)

	return len(l.messages) - 1
}

// AppendChunk grows a streaming placeholder. Frozen messages are left alone.
func (l *Log) AppendChunk(index int, text string) {
	if index < 0 || index >= len(l.messages) || !l.messages[index].IsStreaming {
		return
	}
	l.messages[index].Content += text
}

// Finalize settles the exchange whose placeholder sits at index.
//
// A completed stream commits its text. An incomplete one with no content is
// rolled back by removing the placeholder and the user message before it. An
// incomplete one with content keeps both and appends the notice.
func (l *Log) Finalize(index int, s Settlement) (Outcome, error) {
	if index < 1 || index >= len(l.messages) {
		return 0, fmt.Errorf("finalize: index %d out of range (len %d)", index, len(l.messages))
	}
	msg := &l.messages[index]
	if msg.Role != model.RoleAssistant || !msg.IsStreaming {
		return 0, fmt.Errorf("finalize: message %d is not a streaming placeholder", index)
	}

	switch {
	case s.Completed:
		msg.Content = s.Text
		msg.IsStreaming = false
		return Committed, nil
	case s.Text == "":
		l.messages = append(l.messages[:index-1], l.messages[index+1:]...)
		return RolledBack, nil
	default:
		msg.Content = s.Text + s.Notice
		msg.IsStreaming = false
		return PartiallyCommitted, nil
	}
}
