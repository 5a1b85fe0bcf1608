package model

// ErrorCategory is the stable, user-facing classification of a failed query.
type ErrorCategory string

const (
	ErrorNone                ErrorCategory = ""
	ErrorEmptyQuestion       ErrorCategory = "empty_question"
	ErrorConversationTooLong ErrorCategory = "conversation_too_long"
	ErrorRequestFailed       ErrorCategory = "request_failed"
	ErrorRateLimited         ErrorCategory = "rate_limited"
	ErrorServerUnavailable   ErrorCategory = "server_unavailable"
	ErrorTimeout             ErrorCategory = "timeout"
	ErrorServerError         ErrorCategory = "server_error"
	ErrorIncomplete          ErrorCategory = "incomplete"
)

var errorMessages = map[ErrorCategory]string{
	ErrorEmptyQuestion:       "Please enter a question.",
	ErrorConversationTooLong: "This conversation is too long. Start a new conversation to continue.",
	ErrorRequestFailed:       "The request failed. Please try again.",
	ErrorRateLimited:         "Too many requests. Please wait a moment and try again.",
	ErrorServerUnavailable:   "The assistant service is currently unavailable. Please try again later.",
	ErrorTimeout:             "The request timed out.",
	ErrorServerError:         "The assistant ran into an error while answering.",
	ErrorIncomplete:          "The answer is incomplete.",
}

// Message returns the user-facing text for the category, or "" for ErrorNone.
func (c ErrorCategory) Message() string {
	return errorMessages[c]
}
