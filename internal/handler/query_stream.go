package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/query-stream/internal/llm"
	"github.com/capitalize-ai/query-stream/internal/middleware"
	"github.com/capitalize-ai/query-stream/internal/model"
	"github.com/capitalize-ai/query-stream/pkg/logger"
	"github.com/capitalize-ai/query-stream/pkg/metrics"
)

const maxRequestBody = 1 << 20

// QueryHandler streams LLM answers to query requests.
type QueryHandler struct {
	llmClient llm.Client
	model     string
	maxTokens int
	logger    *logger.Logger
}

// NewQueryHandler creates a new query handler. An empty model selects the
// provider default.
func NewQueryHandler(llmClient llm.Client, model string, log *logger.Logger) *QueryHandler {
	return &QueryHandler{
		llmClient: llmClient,
		model:     model,
		maxTokens: 4096,
		logger:    log,
	}
}

// Stream handles POST /api/v1/query/stream
//
// The answer is sent as start, chunk... and done frames. A generation failure
// ends the stream with an error frame whose partial flag tells the client
// whether chunks were already sent.
func (h *QueryHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.WithRequest(middleware.GetCorrelationID(ctx), middleware.GetUserID(ctx))

	if h.llmClient == nil {
		writeError(w, http.StatusServiceUnavailable, "no LLM provider configured")
		return
	}

	var req model.QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateQuestion(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateHistory(req.ConversationHistory); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	if err := sendFrame(w, flusher, model.StreamFrame{Event: model.FrameStart}); err != nil {
		return
	}

	start := time.Now()
	sent := 0
	resp, err := h.llmClient.CompleteStream(ctx, &llm.CompletionRequest{
		Model:     h.model,
		Messages:  buildMessages(&req),
		MaxTokens: h.maxTokens,
	}, func(token string, index int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sendFrame(w, flusher, model.StreamFrame{Event: model.FrameChunk, Data: token}); err != nil {
			return err
		}
		sent++
		return nil
	})

	modelName := h.model
	if resp != nil && resp.Model != "" {
		modelName = resp.Model
	}

	if err != nil {
		metrics.RecordLLMStream(modelName, "error", time.Since(start).Seconds(), 0, 0)
		if ctx.Err() != nil {
			log.Info("client disconnected during stream", zap.Int("chunks_sent", sent))
			return
		}
		log.Warn("LLM stream failed",
			zap.String("provider", h.llmClient.Name()),
			zap.Int("chunks_sent", sent),
			zap.Error(err),
		)
		sendFrame(w, flusher, model.StreamFrame{
			Event:   model.FrameError,
			Data:    "answer generation failed",
			Partial: sent > 0,
		})
		return
	}

	metrics.RecordLLMStream(modelName, "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	sendFrame(w, flusher, model.StreamFrame{Event: model.FrameDone})

	log.Info("query answered",
		zap.String("provider", h.llmClient.Name()),
		zap.Int("chunks_sent", sent),
		zap.String("stop_reason", resp.StopReason),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
}

// buildMessages turns the prior turns and the question into a chat that starts
// with a user turn. Extra request fields are passed to the model as context.
func buildMessages(req *model.QueryRequest) []llm.ChatMessage {
	history := req.ConversationHistory
	for len(history) > 0 && history[0].Role != model.RoleUser {
		history = history[1:]
	}

	messages := make([]llm.ChatMessage, 0, len(history)+1)
	for _, entry := range history {
		messages = append(messages, llm.ChatMessage{Role: string(entry.Role), Content: entry.Content})
	}

	question := req.Question
	if len(req.Context) > 0 {
		// json.Marshal sorts map keys, so the prompt is deterministic.
		if ctxJSON, err := json.Marshal(req.Context); err == nil {
			var b strings.Builder
			b.WriteString("Context:\n")
			b.Write(ctxJSON)
			b.WriteString("\n\nQuestion: ")
			b.WriteString(question)
			question = b.String()
		}
	}

	return append(messages, llm.ChatMessage{Role: string(model.RoleUser), Content: question})
}
