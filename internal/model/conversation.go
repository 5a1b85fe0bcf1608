// Package model defines data structures shared by the query client and the
// reference backend.
package model

import (
	"encoding/json"
)

// QueryRequest is the body of a streaming query request.
//
// Context holds additional fields that are flattened into the top-level JSON
// object next to question and conversation_history.
type QueryRequest struct {
	Question            string         `json:"question"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	Context             map[string]any `json:"-"`
}

// MarshalJSON flattens Context into the request object. The named fields win
// over context keys with the same name.
func (r QueryRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Context)+2)
	for k, v := range r.Context {
		out[k] = v
	}
	history := r.ConversationHistory
	if history == nil {
		history = []HistoryEntry{}
	}
	out["question"] = r.Question
	out["conversation_history"] = history
	return json.Marshal(out)
}

// UnmarshalJSON collects unknown top-level fields into Context.
func (r *QueryRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = QueryRequest{}
	if q, ok := raw["question"]; ok {
		if err := json.Unmarshal(q, &r.Question); err != nil {
			return err
		}
		delete(raw, "question")
	}
	if h, ok := raw["conversation_history"]; ok {
		if err := json.Unmarshal(h, &r.ConversationHistory); err != nil {
			return err
		}
		delete(raw, "conversation_history")
	}
	if len(raw) == 0 {
		return nil
	}

	r.Context = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		r.Context[k] = val
	}
	return nil
}
