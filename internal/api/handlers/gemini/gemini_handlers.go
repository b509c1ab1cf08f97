// Package gemini provides HTTP handlers for the native gateway endpoints and
// the Google Generative Language compatible surface. The native endpoints
// (/gemini, /gemini-chat, /gemini-image, /translate) mirror the upstream chat
// directly; /v1beta/models re-shapes replies into the Google API format.
package gemini

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/web-gemini/GeminiWebGateway/internal/api/handlers"
	"github.com/web-gemini/GeminiWebGateway/internal/provider/geminiweb"
)

// translateKeyPrefix namespaces translation sessions away from chat sessions.
const translateKeyPrefix = "translate|"

// GeminiAPIHandler contains the handlers for the native and Google-shaped endpoints.
type GeminiAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewGeminiAPIHandler creates a new Gemini API handlers instance.
func NewGeminiAPIHandler(base *handlers.BaseAPIHandler) *GeminiAPIHandler {
	return &GeminiAPIHandler{BaseAPIHandler: base}
}

type nativeRequest struct {
	Model      string `json:"model"`
	Message    string `json:"message"`
	Session    string `json:"session"`
	NewSession bool   `json:"new_session"`
}

func (h *GeminiAPIHandler) bindNative(c *gin.Context) (nativeRequest, bool) {
	var req nativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteBadRequest(c, "Invalid request: %v", err)
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		h.WriteBadRequest(c, "message is required")
		return req, false
	}
	req.Model = geminiweb.NormalizeModelName(req.Model, h.Cfg.GeminiWeb.DefaultModel)
	return req, true
}

// NativeGenerate handles POST /gemini: one-shot generation with no session.
func (h *GeminiAPIHandler) NativeGenerate(c *gin.Context) {
	req, ok := h.bindNative(c)
	if !ok {
		return
	}
	result, err := h.Generate(c.Request.Context(), "", req.Model, true, req.Message)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": result.Reply.Text})
}

// NativeChat handles POST /gemini-chat: session-keyed chat.
func (h *GeminiAPIHandler) NativeChat(c *gin.Context) {
	req, ok := h.bindNative(c)
	if !ok {
		return
	}
	result, err := h.Generate(c.Request.Context(), req.Session, req.Model, req.NewSession, req.Message)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response": result.Reply.Text,
		"session":  result.SessionKey,
	})
}

// NativeImage handles POST /gemini-image. The upstream either attaches
// images to the reply or it does not; an imageless reply is a failed
// dependency, not a server fault.
func (h *GeminiAPIHandler) NativeImage(c *gin.Context) {
	req, ok := h.bindNative(c)
	if !ok {
		return
	}
	result, err := h.Generate(c.Request.Context(), "", req.Model, true, req.Message)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	if len(result.Reply.Images) == 0 {
		c.JSON(http.StatusFailedDependency, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: "upstream returned no image",
				Type:    "image_generation_error",
			},
		})
		return
	}

	images := make([]gin.H, 0, len(result.Reply.Images))
	for _, img := range result.Reply.Images {
		images = append(images, gin.H{"url": img.URL, "title": img.Title, "alt": img.Alt})
	}
	c.JSON(http.StatusOK, gin.H{
		"response": result.Reply.Text,
		"images":   images,
	})
}

// Translate handles POST /translate. Translation requests share the session
// manager but live in their own key namespace so a translation thread never
// collides with a chat thread using the same id.
func (h *GeminiAPIHandler) Translate(c *gin.Context) {
	req, ok := h.bindNative(c)
	if !ok {
		return
	}
	key := ""
	if req.Session != "" {
		key = translateKeyPrefix + req.Session
	}
	result, err := h.Generate(c.Request.Context(), key, req.Model, req.NewSession, req.Message)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": result.Reply.Text})
}

// GeminiModels handles GET /v1beta/models in the Google API list shape.
func (h *GeminiAPIHandler) GeminiModels(c *gin.Context) {
	models := geminiweb.AllModels()
	out := make([]gin.H, 0, len(models))
	for _, m := range models {
		out = append(out, gin.H{
			"name":                       "models/" + m.Name,
			"displayName":                m.Name,
			"supportedGenerationMethods": []string{"generateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// GeminiHandler handles POST /v1beta/models/:action where action has the
// form "<model>:generateContent". Streaming methods are answered with the
// same full response; the upstream has no incremental mode.
func (h *GeminiAPIHandler) GeminiHandler(c *gin.Context) {
	action := c.Param("action")
	modelName, method, found := strings.Cut(action, ":")
	if !found {
		h.WriteBadRequest(c, "unsupported action %q", action)
		return
	}
	switch method {
	case "generateContent", "streamGenerateContent":
	default:
		h.WriteBadRequest(c, "unsupported method %q", method)
		return
	}

	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteBadRequest(c, "Invalid request: %v", err)
		return
	}
	prompt := flattenGoogleContents(rawJSON)
	if prompt == "" {
		h.WriteBadRequest(c, "contents missing or empty")
		return
	}

	model := geminiweb.NormalizeModelName(modelName, h.Cfg.GeminiWeb.DefaultModel)
	result, err := h.Generate(c.Request.Context(), "", model, true, prompt)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", buildGoogleResponse(model, prompt, result.Reply.Text))
}

// flattenGoogleContents folds contents[].parts[].text into one prompt,
// tagging non-user turns the same way the chat endpoint does.
func flattenGoogleContents(rawJSON []byte) string {
	contents := gjson.GetBytes(rawJSON, "contents")
	if !contents.Exists() {
		return ""
	}
	var msgs []geminiweb.RoleText
	contents.ForEach(func(_, content gjson.Result) bool {
		role := geminiweb.NormalizeRole(content.Get("role").String())
		var parts []string
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		if len(parts) > 0 {
			msgs = append(msgs, geminiweb.RoleText{Role: role, Text: strings.Join(parts, "\n")})
		}
		return true
	})
	if len(msgs) == 0 {
		return ""
	}
	return geminiweb.BuildPrompt(msgs, geminiweb.NeedRoleTags(msgs))
}

var safetyCategories = []string{
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// buildGoogleResponse shapes a reply as a Google generateContent response.
// The web upstream exposes no safety verdicts, so ratings are reported as
// NEGLIGIBLE across the board.
func buildGoogleResponse(model, prompt, text string) []byte {
	body := `{"candidates":[{"content":{"parts":[{"text":""}],"role":"model"},"finishReason":"STOP","index":0,"safetyRatings":[]}],"usageMetadata":{},"modelVersion":""}`
	body, _ = sjson.Set(body, "candidates.0.content.parts.0.text", text)
	body, _ = sjson.Set(body, "modelVersion", model)
	for i, category := range safetyCategories {
		body, _ = sjson.Set(body, "candidates.0.safetyRatings."+strconv.Itoa(i), map[string]any{
			"category":    category,
			"probability": "NEGLIGIBLE",
		})
	}
	promptTokens := geminiweb.EstimateTokens(prompt)
	completionTokens := geminiweb.EstimateTokens(text)
	body, _ = sjson.Set(body, "usageMetadata.promptTokenCount", promptTokens)
	body, _ = sjson.Set(body, "usageMetadata.candidatesTokenCount", completionTokens)
	body, _ = sjson.Set(body, "usageMetadata.totalTokenCount", promptTokens+completionTokens)
	body, _ = sjson.Set(body, "createTime", time.Now().Format(time.RFC3339))
	return []byte(body)
}
