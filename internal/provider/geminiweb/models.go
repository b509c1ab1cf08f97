package geminiweb

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// Gemini web endpoints and default headers ----------------------------------
const (
	EndpointGoogle        = "https://www.google.com"
	EndpointInit          = "https://gemini.google.com/app"
	EndpointGenerate      = "https://gemini.google.com/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"
	EndpointRotateCookies = "https://accounts.google.com/RotateCookies"
)

var (
	HeadersGemini = http.Header{
		"Content-Type":  []string{"application/x-www-form-urlencoded;charset=utf-8"},
		"Host":          []string{"gemini.google.com"},
		"Origin":        []string{"https://gemini.google.com"},
		"Referer":       []string{"https://gemini.google.com/"},
		"User-Agent":    []string{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
		"X-Same-Domain": []string{"1"},
	}
	HeadersRotateCookies = http.Header{
		"Content-Type": []string{"application/json"},
	}
)

// Model metadata -------------------------------------------------------------
type Model struct {
	Name        string
	ModelHeader http.Header
}

var (
	ModelUnspecified = Model{
		Name:        "unspecified",
		ModelHeader: http.Header{},
	}
	ModelG30Pro = Model{
		Name: "gemini-3.0-pro",
		ModelHeader: http.Header{
			"x-goog-ext-525001261-jspb": []string{"[1,null,null,null,\"9d60dcc6b1a9ca57\",null,null,0,[4]]"},
		},
	}
	ModelG30Flash = Model{
		Name: "gemini-3.0-flash",
		ModelHeader: http.Header{
			"x-goog-ext-525001261-jspb": []string{"[1,null,null,null,\"3b8f9c22ac5ed7b1\",null,null,0,[4]]"},
		},
	}
	ModelG30FlashThinking = Model{
		Name: "gemini-3.0-flash-thinking",
		ModelHeader: http.Header{
			"x-goog-ext-525001261-jspb": []string{"[1,null,null,null,\"e30dcaed5e24f5dd\",null,null,0,[4]]"},
		},
	}
	ModelG25Flash = Model{
		Name: "gemini-2.5-flash",
		ModelHeader: http.Header{
			"x-goog-ext-525001261-jspb": []string{"[1,null,null,null,\"71c2d248d3b102ff\",null,null,0,[4]]"},
		},
	}
	ModelG25Pro = Model{
		Name: "gemini-2.5-pro",
		ModelHeader: http.Header{
			"x-goog-ext-525001261-jspb": []string{"[1,null,null,null,\"4af6c7f5da75d65d\",null,null,0,[4]]"},
		},
	}
	ModelG20Flash = Model{
		Name: "gemini-2.0-flash",
		ModelHeader: http.Header{
			"x-goog-ext-525001261-jspb": []string{"[1,null,null,null,\"f299729663a2343f\"]"},
		},
	}
)

// AllModels lists every model the gateway can open a web chat against,
// in the order they are reported by the models endpoints.
func AllModels() []Model {
	return []Model{
		ModelG30Pro,
		ModelG30Flash,
		ModelG30FlashThinking,
		ModelG25Pro,
		ModelG25Flash,
		ModelG20Flash,
	}
}

func ModelFromName(name string) (Model, error) {
	for _, m := range AllModels() {
		if m.Name == strings.ToLower(name) {
			return m, nil
		}
	}
	if strings.ToLower(name) == ModelUnspecified.Name {
		return ModelUnspecified, nil
	}
	return Model{}, &ValueError{Msg: "Unknown model name: " + name}
}

// NormalizeModelName maps OpenAI-style model names onto the configured
// default Gemini model so that off-the-shelf OpenAI clients work unchanged.
func NormalizeModelName(name, defaultModel string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || strings.HasPrefix(n, "gpt-") || strings.HasPrefix(n, "text-") {
		return defaultModel
	}
	return n
}

// Known error codes returned from the server.
const (
	ErrorUsageLimitExceeded   = 1037
	ErrorModelInconsistent    = 1050
	ErrorModelHeaderInvalid   = 1052
	ErrorIPTemporarilyBlocked = 1060
)

// Generation output ----------------------------------------------------------
type Candidate struct {
	RCID      string
	Text      string
	Thoughts  *string
	WebImages []Image
	GenImages []Image
}

func (c Candidate) String() string {
	t := c.Text
	if len(t) > 20 {
		t = t[:20] + "..."
	}
	return fmt.Sprintf("Candidate(rcid='%s', text='%s', images=%d)", c.RCID, t, len(c.WebImages)+len(c.GenImages))
}

type Image struct {
	URL   string
	Title string
	Alt   string
}

type ModelOutput struct {
	Metadata   []string
	Candidates []Candidate
	Chosen     int
}

func (m ModelOutput) Text() string {
	if len(m.Candidates) == 0 {
		return ""
	}
	return m.Candidates[m.Chosen].Text
}

func (m ModelOutput) Thoughts() *string {
	if len(m.Candidates) == 0 {
		return nil
	}
	return m.Candidates[m.Chosen].Thoughts
}

func (m ModelOutput) Images() []Image {
	if len(m.Candidates) == 0 {
		return nil
	}
	c := m.Candidates[m.Chosen]
	images := make([]Image, 0, len(c.WebImages)+len(c.GenImages))
	images = append(images, c.WebImages...)
	images = append(images, c.GenImages...)
	return images
}

func (m ModelOutput) RCID() string {
	if len(m.Candidates) == 0 {
		return ""
	}
	return m.Candidates[m.Chosen].RCID
}

func decodeHTML(s string) string { return html.UnescapeString(s) }

// Error hierarchy -----------------------------------------------------------
type AuthError struct{ Msg string }

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return "authentication error"
	}
	return e.Msg
}

type APIError struct{ Msg string }

func (e *APIError) Error() string {
	if e.Msg == "" {
		return "api error"
	}
	return e.Msg
}

type GeminiError struct{ Msg string }

func (e *GeminiError) Error() string {
	if e.Msg == "" {
		return "gemini error"
	}
	return e.Msg
}

type TimeoutError struct{ GeminiError }

type UsageLimitExceeded struct{ GeminiError }

type ModelInvalid struct{ GeminiError }

type TemporarilyBlocked struct{ GeminiError }

type ImageGenerationError struct{ APIError }

type ValueError struct{ Msg string }

func (e *ValueError) Error() string {
	if e.Msg == "" {
		return "value error"
	}
	return e.Msg
}
