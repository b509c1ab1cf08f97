package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/web-gemini/GeminiWebGateway/internal/config"
	"github.com/web-gemini/GeminiWebGateway/internal/session"
)

type stubHandle struct {
	reply   *session.Reply
	sendErr error
}

func (h *stubHandle) Send(_ context.Context, _ string) (*session.Reply, error) {
	if h.sendErr != nil {
		return nil, h.sendErr
	}
	return h.reply, nil
}

func (h *stubHandle) Close() error { return nil }

type stubClient struct {
	reply   *session.Reply
	openErr error
	sendErr error
}

func (c *stubClient) Open(_ context.Context, _ string) (session.Handle, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &stubHandle{reply: c.reply, sendErr: c.sendErr}, nil
}

func newTestServer(cfg *config.Config, client session.ChatClient) *Server {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.GeminiWeb.DefaultModel == "" {
		cfg.GeminiWeb.DefaultModel = "gemini-2.5-flash"
	}
	return NewServer(cfg, session.NewManager(client, 0))
}

func doJSON(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "Hello there!"}})

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	body := gjson.Parse(rec.Body.String())
	if body.Get("object").String() != "chat.completion" {
		t.Errorf("object: %s", body.Get("object"))
	}
	if got := body.Get("choices.0.message.content").String(); got != "Hello there!" {
		t.Errorf("content: %q", got)
	}
	if body.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason: %s", body.Get("choices.0.finish_reason"))
	}
	if body.Get("session_id").String() == "" {
		t.Error("session_id missing")
	}
	if body.Get("usage.total_tokens").Int() == 0 {
		t.Error("usage missing")
	}
}

func TestChatCompletionsAliasModel(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "ok"}})

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "model").String(); got != "gemini-2.5-flash" {
		t.Errorf("alias should map to default model, got %q", got)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "abcdefgh"}})

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content type: %q", ct)
	}

	raw := rec.Body.String()
	if !strings.HasSuffix(strings.TrimSpace(raw), "data: [DONE]") {
		t.Errorf("stream should end with [DONE]:\n%s", raw)
	}

	var content strings.Builder
	sawRole, sawStop := false, false
	for _, line := range strings.Split(raw, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		frame := gjson.Parse(strings.TrimPrefix(line, "data: "))
		if frame.Get("object").String() != "chat.completion.chunk" {
			t.Errorf("frame object: %s", frame.Get("object"))
		}
		if frame.Get("choices.0.delta.role").String() == "assistant" {
			sawRole = true
		}
		if frame.Get("choices.0.finish_reason").String() == "stop" {
			sawStop = true
		}
		content.WriteString(frame.Get("choices.0.delta.content").String())
	}
	if !sawRole || !sawStop {
		t.Errorf("sawRole=%t sawStop=%t", sawRole, sawStop)
	}
	if content.String() != "abcdefgh" {
		t.Errorf("reassembled content: %q", content.String())
	}
}

func TestChatCompletionsBadRequest(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "x"}})

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions", `{"model":"m"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error type: %q", got)
	}
}

func TestErrorKindToStatus(t *testing.T) {
	cases := []struct {
		client *stubClient
		want   int
	}{
		{&stubClient{openErr: fmt.Errorf("wrap: %w", session.ErrAuthentication)}, http.StatusUnauthorized},
		{&stubClient{openErr: fmt.Errorf("wrap: %w", session.ErrUpstreamTimeout)}, http.StatusGatewayTimeout},
		{&stubClient{openErr: fmt.Errorf("wrap: %w", session.ErrUpstreamUnavailable)}, http.StatusBadGateway},
		{&stubClient{sendErr: fmt.Errorf("wrap: %w", session.ErrUpstream)}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := newTestServer(nil, tc.client)
		rec := doJSON(s, http.MethodPost, "/v1/chat/completions",
			`{"messages":[{"role":"user","content":"hi"}]}`, nil)
		if rec.Code != tc.want {
			t.Errorf("status %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
		}
	}
}

type flakyClient struct {
	opens int
}

func (c *flakyClient) Open(_ context.Context, _ string) (session.Handle, error) {
	c.opens++
	if c.opens == 1 {
		return nil, fmt.Errorf("dial upstream: %w", session.ErrUpstreamUnavailable)
	}
	return &stubHandle{reply: &session.Reply{Text: "recovered"}}, nil
}

func TestTransportFailureRetriedWithFreshConversation(t *testing.T) {
	cfg := &config.Config{RequestRetry: 1}
	client := &flakyClient{}
	s := newTestServer(cfg, client)

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "choices.0.message.content").String(); got != "recovered" {
		t.Errorf("content: %q", got)
	}
	if client.opens != 2 {
		t.Errorf("opens: %d, want 2", client.opens)
	}
}

func TestAuthFailureNotRetried(t *testing.T) {
	cfg := &config.Config{RequestRetry: 3}
	client := &countingAuthFailClient{}
	s := newTestServer(cfg, client)

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if client.opens != 1 {
		t.Errorf("auth failure should not be retried, opens=%d", client.opens)
	}
}

type countingAuthFailClient struct {
	opens int
}

func (c *countingAuthFailClient) Open(_ context.Context, _ string) (session.Handle, error) {
	c.opens++
	return nil, fmt.Errorf("bad cookies: %w", session.ErrAuthentication)
}

func TestModelsEndpoint(t *testing.T) {
	s := newTestServer(nil, &stubClient{})

	for _, path := range []string{"/v1/models", "/models"} {
		rec := doJSON(s, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		body := gjson.Parse(rec.Body.String())
		if body.Get("object").String() != "list" {
			t.Errorf("%s object: %s", path, body.Get("object"))
		}
		if len(body.Get("data").Array()) == 0 {
			t.Errorf("%s: empty model list", path)
		}
		if got := body.Get("data.0.owned_by").String(); got != "google" {
			t.Errorf("%s owned_by: %q", path, got)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{APIKeys: []string{"secret-key"}}
	s := newTestServer(cfg, &stubClient{})

	rec := doJSON(s, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer secret-key"})
	if rec.Code != http.StatusOK {
		t.Errorf("bearer: status %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/v1/models", "", map[string]string{"X-Goog-Api-Key": "secret-key"})
	if rec.Code != http.StatusOK {
		t.Errorf("goog header: status %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/v1/models?key=secret-key", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("query key: status %d", rec.Code)
	}
}

func TestNativeChatKeepsSession(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "pong"}})

	rec := doJSON(s, http.MethodPost, "/gemini-chat", `{"message":"ping","session":"abc"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("response").String() != "pong" {
		t.Errorf("response: %q", body.Get("response"))
	}
	if body.Get("session").String() != "abc" {
		t.Errorf("session: %q", body.Get("session"))
	}
}

func TestNativeGenerateRequiresMessage(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "x"}})

	rec := doJSON(s, http.MethodPost, "/gemini", `{"message":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d", rec.Code)
	}
}

func TestNativeImageFailedDependency(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "no image for you"}})

	rec := doJSON(s, http.MethodPost, "/gemini-image", `{"message":"draw a cat"}`, nil)
	if rec.Code != http.StatusFailedDependency {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestNativeImageSuccess(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{
		Text:   "here",
		Images: []session.ReplyImage{{URL: "https://img/1.png", Title: "[Generated Image]"}},
	}})

	rec := doJSON(s, http.MethodPost, "/gemini-image", `{"message":"draw a cat"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "images.0.url").String(); got != "https://img/1.png" {
		t.Errorf("image url: %q", got)
	}
}

func TestGoogleGenerateContent(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "generated text"}})

	rec := doJSON(s, http.MethodPost, "/v1beta/models/gemini-2.5-flash:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := gjson.Parse(rec.Body.String())
	if got := body.Get("candidates.0.content.parts.0.text").String(); got != "generated text" {
		t.Errorf("text: %q", got)
	}
	if got := body.Get("candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason: %q", got)
	}
	ratings := body.Get("candidates.0.safetyRatings").Array()
	if len(ratings) != 4 {
		t.Fatalf("got %d safety ratings, want 4", len(ratings))
	}
	for _, r := range ratings {
		if r.Get("probability").String() != "NEGLIGIBLE" {
			t.Errorf("probability: %q", r.Get("probability"))
		}
	}
}

func TestGoogleGenerateContentBadAction(t *testing.T) {
	s := newTestServer(nil, &stubClient{reply: &session.Reply{Text: "x"}})

	rec := doJSON(s, http.MethodPost, "/v1beta/models/gemini-2.5-flash",
		`{"contents":[{"parts":[{"text":"hello"}]}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing method: status %d", rec.Code)
	}

	rec = doJSON(s, http.MethodPost, "/v1beta/models/gemini-2.5-flash:countTokens",
		`{"contents":[{"parts":[{"text":"hello"}]}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported method: status %d", rec.Code)
	}
}

func TestGoogleModelsList(t *testing.T) {
	s := newTestServer(nil, &stubClient{})

	rec := doJSON(s, http.MethodGet, "/v1beta/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	models := gjson.Get(rec.Body.String(), "models").Array()
	if len(models) == 0 {
		t.Fatal("empty model list")
	}
	if name := models[0].Get("name").String(); !strings.HasPrefix(name, "models/") {
		t.Errorf("name: %q", name)
	}
}
