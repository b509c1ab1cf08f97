// Package openai provides HTTP handlers for the OpenAI-compatible endpoints.
// It implements model listing and chat completions over the Gemini web
// upstream. Streaming responses are simulated: the upstream returns the full
// reply in one round trip, and the handler replays it to the client as
// chat.completion.chunk SSE frames.
package openai

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/web-gemini/GeminiWebGateway/internal/api/handlers"
	"github.com/web-gemini/GeminiWebGateway/internal/provider/geminiweb"
)

// streamChunkRunes is the simulated streaming granularity in runes.
const streamChunkRunes = 4

// OpenAIAPIHandler contains the handlers for OpenAI API endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewOpenAIAPIHandler creates a new OpenAI API handlers instance.
func NewOpenAIAPIHandler(base *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{BaseAPIHandler: base}
}

// Models returns the OpenAI-compatible model metadata for every upstream model.
func (h *OpenAIAPIHandler) Models() []map[string]any {
	models := geminiweb.AllModels()
	out := make([]map[string]any, 0, len(models))
	for _, m := range models {
		out = append(out, map[string]any{
			"id":       m.Name,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "google",
		})
	}
	return out
}

// OpenAIModels handles GET /v1/models and GET /models.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.Models(),
	})
}

// ChatCompletions handles POST /v1/chat/completions. The optional extension
// fields session_id (string) and new_session (bool) select a managed
// conversation; without session_id the request is stateless.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteBadRequest(c, "Invalid request: %v", err)
		return
	}

	msgs, err := geminiweb.ParseMessages(rawJSON)
	if err != nil {
		h.WriteBadRequest(c, "Invalid request: %v", err)
		return
	}
	msgs = geminiweb.SanitizeAssistantMessages(msgs)
	prompt := geminiweb.BuildPrompt(msgs, geminiweb.NeedRoleTags(msgs))

	root := gjson.ParseBytes(rawJSON)
	model := geminiweb.NormalizeModelName(root.Get("model").String(), h.Cfg.GeminiWeb.DefaultModel)
	sessionID := root.Get("session_id").String()
	newSession := root.Get("new_session").Bool()

	result, err := h.Generate(c.Request.Context(), sessionID, model, newSession, prompt)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}

	if root.Get("stream").Type == gjson.True {
		h.writeStreamingResponse(c, model, result)
		return
	}
	h.writeCompletionResponse(c, model, prompt, result)
}

func (h *OpenAIAPIHandler) writeCompletionResponse(c *gin.Context, model, prompt string, result handlers.GenerateResult) {
	reply := result.Reply

	body := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`
	body, _ = sjson.Set(body, "id", "chatcmpl-"+uuid.NewString())
	body, _ = sjson.Set(body, "created", time.Now().Unix())
	body, _ = sjson.Set(body, "model", model)
	body, _ = sjson.Set(body, "choices.0.message.content", reply.Text)
	if reply.Thoughts != "" {
		body, _ = sjson.Set(body, "choices.0.message.reasoning_content", reply.Thoughts)
	}
	body, _ = sjson.Set(body, "session_id", result.SessionKey)

	promptTokens := geminiweb.EstimateTokens(prompt)
	completionTokens := geminiweb.EstimateTokens(reply.Text)
	body, _ = sjson.Set(body, "usage.prompt_tokens", promptTokens)
	body, _ = sjson.Set(body, "usage.completion_tokens", completionTokens)
	body, _ = sjson.Set(body, "usage.total_tokens", promptTokens+completionTokens)

	c.Data(http.StatusOK, "application/json", []byte(body))
}

// writeStreamingResponse replays the full reply as OpenAI SSE chunk frames.
func (h *OpenAIAPIHandler) writeStreamingResponse(c *gin.Context, model string, result handlers.GenerateResult) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.WriteErrorResponse(c, fmt.Errorf("streaming not supported"))
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	frame := func(delta string, finish any) string {
		body := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
		body, _ = sjson.Set(body, "id", id)
		body, _ = sjson.Set(body, "created", created)
		body, _ = sjson.Set(body, "model", model)
		body, _ = sjson.Set(body, "session_id", result.SessionKey)
		if delta != "" {
			body, _ = sjson.Set(body, "choices.0.delta.content", delta)
		}
		if finish != nil {
			body, _ = sjson.Set(body, "choices.0.finish_reason", finish)
		}
		return body
	}

	// Opening frame carries the assistant role.
	opening := frame("", nil)
	opening, _ = sjson.Set(opening, "choices.0.delta.role", "assistant")
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", opening)
	flusher.Flush()

	for _, chunk := range geminiweb.ChunkByRunes(result.Reply.Text, streamChunkRunes) {
		if chunk == "" {
			continue
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", frame(chunk, nil))
		flusher.Flush()
	}

	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", frame("", "stop"))
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}
