package stream

import (
	"encoding/json"
	"strings"

	"github.com/capitalize-ai/query-stream/internal/model"
)

const dataPrefix = "data:"

// Event is one decoded stream event.
type Event struct {
	Kind    model.FrameEvent
	Text    string
	Partial bool
}

// ParseFrame decodes the payload of a frame. Only `data:` lines are read;
// several data lines are joined with newlines. `event:`, `id:` and comment
// lines are ignored.
//
// It reports false when the frame carries no data or the payload is not a
// valid JSON event object. Unknown event kinds are returned as-is.
func ParseFrame(frame string) (Event, bool) {
	parts := dataLines(frame)
	if len(parts) == 0 {
		return Event{}, false
	}

	var sf model.StreamFrame
	if err := json.Unmarshal([]byte(strings.Join(parts, "\n")), &sf); err != nil {
		return Event{}, false
	}
	if sf.Event == "" {
		return Event{}, false
	}

	return Event{Kind: sf.Event, Text: sf.Data, Partial: sf.Partial}, true
}

// HasData reports whether a frame carries any `data:` line. Frames without one,
// such as `: ping` keepalives, are not events.
func HasData(frame string) bool {
	return len(dataLines(frame)) > 0
}

func dataLines(frame string) []string {
	var parts []string
	for _, line := range strings.Split(frame, "\n") {
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, dataPrefix)
		payload = strings.TrimPrefix(payload, " ")
		parts = append(parts, payload)
	}
	return parts
}
