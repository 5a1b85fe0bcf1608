package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/query-stream/internal/model"
)

const (
	maxQuestionLength = 100000 // ~100KB
	maxHistoryEntries = 100
)

// ValidateQuestion validates the question of a query request.
func ValidateQuestion(question string) error {
	if strings.TrimSpace(question) == "" {
		return errors.New("question cannot be empty")
	}
	if len(question) > maxQuestionLength {
		return errors.New("question exceeds maximum length")
	}
	if !utf8.ValidString(question) {
		return errors.New("question must be valid UTF-8")
	}
	return nil
}

// ValidateHistory validates the prior turns sent with a question.
func ValidateHistory(history []model.HistoryEntry) error {
	if len(history) > maxHistoryEntries {
		return fmt.Errorf("conversation history exceeds %d entries", maxHistoryEntries)
	}
	for i, entry := range history {
		if entry.Role != model.RoleUser && entry.Role != model.RoleAssistant {
			return fmt.Errorf("conversation history entry %d has invalid role %q", i, entry.Role)
		}
		if len(entry.Content) > maxQuestionLength {
			return fmt.Errorf("conversation history entry %d exceeds maximum length", i)
		}
		if !utf8.ValidString(entry.Content) {
			return fmt.Errorf("conversation history entry %d must be valid UTF-8", i)
		}
	}
	return nil
}
