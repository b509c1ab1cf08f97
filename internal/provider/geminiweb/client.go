// Package geminiweb implements a cookie-authenticated client for the Gemini
// web chat interface. It performs the init handshake to obtain the page access
// token, posts prompts to the StreamGenerate endpoint, and parses the batched
// JSON response frames into model output and conversation metadata.
package geminiweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/web-gemini/GeminiWebGateway/internal/util"
)

// Client is the HTTP client for the Gemini web chat. One Client serves every
// session concurrently, so its cookie and lifecycle state is guarded: request
// paths work on a snapshot of the cookie map while rotation and Init mutate
// it under the lock.
type Client struct {
	Proxy   string
	Timeout time.Duration

	mu          sync.Mutex
	cookies     map[string]string
	running     bool
	accessToken string
	httpClient  *http.Client

	onCookiesRefreshed func(map[string]string)
}

type httpOptions struct {
	proxyURL        string
	followRedirects bool
}

func newHTTPClient(opts httpOptions) *http.Client {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Timeout: 60 * time.Second, Jar: jar}
	if opts.proxyURL != "" {
		util.SetProxy(opts.proxyURL, client)
	}
	if !opts.followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func applyHeaders(req *http.Request, headers http.Header) {
	for k, v := range headers {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
}

func applyCookies(req *http.Request, cookies map[string]string) {
	for k, v := range cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
}

var reAccessToken = regexp.MustCompile(`"SNlM0e":"([^"]+)"`)

func sendInitRequest(ctx context.Context, cookies map[string]string, proxy string) (*http.Response, map[string]string, error) {
	client := newHTTPClient(httpOptions{proxyURL: proxy, followRedirects: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, EndpointInit, nil)
	if err != nil {
		return nil, nil, err
	}
	applyHeaders(req, HeadersGemini)
	applyCookies(req, cookies)
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil, &AuthError{Msg: resp.Status}
	}
	merged := map[string]string{}
	for _, c := range resp.Cookies() {
		merged[c.Name] = c.Value
	}
	for k, v := range cookies {
		merged[k] = v
	}
	return resp, merged, nil
}

// getAccessToken scrapes the SNlM0e page token required by StreamGenerate.
// A missing __Secure-1PSIDTS is tolerated; the server may still accept the
// base cookie and hand back a fresh TS on the init response.
func getAccessToken(ctx context.Context, baseCookies map[string]string, proxy string) (string, map[string]string, error) {
	psid, ok := baseCookies["__Secure-1PSID"]
	if !ok || psid == "" {
		return "", nil, &AuthError{Msg: "__Secure-1PSID missing"}
	}
	resp, merged, err := sendInitRequest(ctx, baseCookies, proxy)
	if err != nil {
		return "", nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return "", nil, err
	}
	matches := reAccessToken.FindStringSubmatch(string(body))
	if len(matches) < 2 {
		return "", nil, &AuthError{Msg: "Failed to retrieve access token; cookies may be invalid or expired."}
	}
	return matches[1], merged, nil
}

func rotate1PSIDTS(ctx context.Context, cookies map[string]string, proxy string) (string, error) {
	if _, ok := cookies["__Secure-1PSID"]; !ok {
		return "", &AuthError{Msg: "__Secure-1PSID missing"}
	}
	client := newHTTPClient(httpOptions{proxyURL: proxy, followRedirects: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, EndpointRotateCookies, strings.NewReader("[000,\"-0000000000000000000\"]"))
	if err != nil {
		return "", err
	}
	applyHeaders(req, HeadersRotateCookies)
	applyCookies(req, cookies)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", &AuthError{Msg: "unauthorized"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New(resp.Status)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "__Secure-1PSIDTS" {
			return c.Value, nil
		}
	}
	// Set-Cookie may land on a redirect hop; check the jar too.
	if u, errParse := url.Parse(EndpointRotateCookies); errParse == nil && client.Jar != nil {
		for _, c := range client.Jar.Cookies(u) {
			if c.Name == "__Secure-1PSIDTS" && c.Value != "" {
				return c.Value, nil
			}
		}
	}
	return "", nil
}

// MaskToken masks a sensitive token for safe logging, keeping the edges visible.
func MaskToken(s string) string {
	n := len(s)
	if n == 0 {
		return ""
	}
	if n < 20 {
		return strings.Repeat("*", n)
	}
	return s[:8] + strings.Repeat("*", n-16) + s[n-8:]
}

// NewClient creates a client from session cookies. The optional callback is
// invoked whenever the cookie set changes (init merge or TS rotation) so the
// credential source can persist a snapshot.
func NewClient(secure1psid, secure1psidts, proxy string, opts ...func(*Client)) *Client {
	c := &Client{
		cookies: map[string]string{},
		Proxy:   proxy,
		Timeout: 300 * time.Second,
	}
	if secure1psid != "" {
		c.cookies["__Secure-1PSID"] = secure1psid
		if secure1psidts != "" {
			c.cookies["__Secure-1PSIDTS"] = secure1psidts
		}
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

// snapshotCookies copies the cookie map so request builders never iterate it
// while a rotation write is in flight.
func (c *Client) snapshotCookies() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.cookies))
	for k, v := range c.cookies {
		out[k] = v
	}
	return out
}

// Cookie returns the current value of one cookie.
func (c *Client) Cookie(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookies[name]
}

// SetCookie replaces one cookie value.
func (c *Client) SetCookie(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies[name] = value
}

// Running reports whether the client holds a usable access token.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// WithCookieRefreshHook registers a callback fired after the cookie set changes.
func WithCookieRefreshHook(fn func(map[string]string)) func(*Client) {
	return func(c *Client) { c.onCookiesRefreshed = fn }
}

// Init acquires the access token and prepares the request client. Callers
// must serialize Init themselves; the Provider does so under its own lock.
func (c *Client) Init(ctx context.Context, timeout time.Duration) error {
	token, validCookies, err := getAccessToken(ctx, c.snapshotCookies(), c.Proxy)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if c.Proxy != "" {
		util.SetProxy(c.Proxy, httpClient)
	}

	c.mu.Lock()
	c.accessToken = token
	c.cookies = validCookies
	c.httpClient = httpClient
	c.Timeout = timeout
	c.running = true
	c.mu.Unlock()

	if c.onCookiesRefreshed != nil {
		c.onCookiesRefreshed(c.snapshotCookies())
	}
	log.Debug("gemini web client initialized")
	return nil
}

// Close marks the client as needing re-initialization. The next request goes
// through the Provider, which performs the handshake again.
func (c *Client) Close() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// RotateTS requests a fresh __Secure-1PSIDTS and adopts it on success.
func (c *Client) RotateTS(ctx context.Context) (string, error) {
	newTS, err := rotate1PSIDTS(ctx, c.snapshotCookies(), c.Proxy)
	if err != nil {
		return "", err
	}
	changed := false
	c.mu.Lock()
	if newTS != "" && newTS != c.cookies["__Secure-1PSIDTS"] {
		c.cookies["__Secure-1PSIDTS"] = newTS
		changed = true
	}
	c.mu.Unlock()
	if changed && c.onCookiesRefreshed != nil {
		c.onCookiesRefreshed(c.snapshotCookies())
	}
	return newTS, nil
}

// GenerateContent sends a prompt and parses the response into ModelOutput.
// Transient APIErrors are retried twice before giving up.
func (c *Client) GenerateContent(ctx context.Context, prompt string, model Model, chat *ChatSession) (ModelOutput, error) {
	var empty ModelOutput
	if prompt == "" {
		return empty, &ValueError{Msg: "Prompt cannot be empty."}
	}

	retries := 2
	for {
		out, err := c.generateOnce(ctx, prompt, model, chat)
		if err == nil {
			return out, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && retries > 0 {
			retries--
			select {
			case <-ctx.Done():
				return empty, &TimeoutError{GeminiError{Msg: "Generate content request canceled."}}
			case <-time.After(time.Second):
			}
			continue
		}
		return empty, err
	}
}

func (c *Client) generateOnce(ctx context.Context, prompt string, model Model, chat *ChatSession) (ModelOutput, error) {
	var empty ModelOutput

	c.mu.Lock()
	accessToken := c.accessToken
	httpClient := c.httpClient
	c.mu.Unlock()
	if httpClient == nil {
		return empty, &APIError{Msg: "Client is not initialized."}
	}

	var item2 any
	if chat != nil {
		item2 = chat.Metadata()
	}
	inner := []any{[]any{prompt}, nil, item2}
	innerJSON, _ := json.Marshal(inner)
	outer := []any{nil, string(innerJSON)}
	outerJSON, _ := json.Marshal(outer)

	form := url.Values{}
	form.Set("at", accessToken)
	form.Set("f.req", string(outerJSON))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, EndpointGenerate, strings.NewReader(form.Encode()))
	if err != nil {
		return empty, err
	}
	applyHeaders(req, HeadersGemini)
	applyHeaders(req, model.ModelHeader)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")
	applyCookies(req, c.snapshotCookies())

	resp, err := httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return empty, &TimeoutError{GeminiError{Msg: "Generate content request timed out."}}
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return empty, &TimeoutError{GeminiError{Msg: "Generate content request timed out."}}
		}
		return empty, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.Close()
		return empty, &TemporarilyBlocked{GeminiError{Msg: "Too many requests. IP temporarily blocked."}}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.Close()
		return empty, &AuthError{Msg: fmt.Sprintf("Generate request rejected with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		c.Close()
		return empty, &APIError{Msg: fmt.Sprintf("Failed to generate contents. Status %d", resp.StatusCode)}
	}

	raw, _ := io.ReadAll(resp.Body)
	lines := strings.Split(string(raw), "\n")
	if len(lines) < 3 {
		c.Close()
		return empty, &APIError{Msg: "Invalid response data received."}
	}
	var frames []any
	if err = json.Unmarshal([]byte(lines[2]), &frames); err != nil {
		c.Close()
		return empty, &APIError{Msg: "Invalid response data received."}
	}

	body := findResponseBody(frames)
	if body == nil {
		// Later lines can carry the data frame when the first one only holds
		// control frames.
		for li := 3; li < len(lines) && body == nil; li++ {
			line := strings.TrimSpace(lines[li])
			if line == "" {
				continue
			}
			var top []any
			if json.Unmarshal([]byte(line), &top) != nil {
				continue
			}
			frames = top
			body = findResponseBody(top)
		}
	}
	if body == nil {
		if code, ok := extractErrorCode(frames); ok {
			switch code {
			case ErrorUsageLimitExceeded:
				return empty, &UsageLimitExceeded{GeminiError{Msg: fmt.Sprintf("Usage limit of %s has been exceeded. Please try another model.", model.Name)}}
			case ErrorModelInconsistent:
				return empty, &ModelInvalid{GeminiError{Msg: "Selected model is inconsistent or unavailable."}}
			case ErrorModelHeaderInvalid:
				return empty, &APIError{Msg: "Invalid model header string. Please update the selected model header."}
			case ErrorIPTemporarilyBlocked:
				return empty, &TemporarilyBlocked{GeminiError{Msg: "Too many requests. IP temporarily blocked."}}
			}
		}
		// Force re-initialization on the next request.
		c.Close()
		return empty, &APIError{Msg: "Failed to generate contents. Invalid response data received."}
	}

	output, err := parseModelOutput(body)
	if err != nil {
		return empty, err
	}
	if chat != nil {
		chat.lastOutput = &output
	}
	return output, nil
}

// findResponseBody locates the frame whose payload carries candidates
// (mainPart[4] non-nil).
func findResponseBody(frames []any) []any {
	for _, p := range frames {
		arr, ok := p.([]any)
		if !ok || len(arr) < 3 {
			continue
		}
		s, ok := arr[2].(string)
		if !ok {
			continue
		}
		var mainPart []any
		if json.Unmarshal([]byte(s), &mainPart) != nil {
			continue
		}
		if len(mainPart) > 4 && mainPart[4] != nil {
			return mainPart
		}
	}
	return nil
}

func parseModelOutput(body []any) (ModelOutput, error) {
	var metadata []string
	if len(body) > 1 {
		if metaArr, ok := body[1].([]any); ok {
			for _, v := range metaArr {
				if s, isOk := v.(string); isOk {
					metadata = append(metadata, s)
				}
			}
		}
	}

	candContainer, ok := body[4].([]any)
	if !ok {
		return ModelOutput{}, &APIError{Msg: "Failed to parse response body."}
	}
	candidates := make([]Candidate, 0, len(candContainer))
	for _, candAny := range candContainer {
		cArr, isOk := candAny.([]any)
		if !isOk {
			continue
		}
		var text string
		if len(cArr) > 1 {
			if sArr, ok1 := cArr[1].([]any); ok1 && len(sArr) > 0 {
				text, _ = sArr[0].(string)
			}
		}

		var thoughts *string
		if len(cArr) > 37 {
			if a, ok1 := cArr[37].([]any); ok1 && len(a) > 0 {
				if b, ok2 := a[0].([]any); ok2 && len(b) > 0 {
					if s, ok3 := b[0].(string); ok3 {
						ss := decodeHTML(s)
						thoughts = &ss
					}
				}
			}
		}

		var webImages, genImages []Image
		if len(cArr) > 12 {
			if imgSection, ok1 := cArr[12].([]any); ok1 {
				webImages = parseWebImages(imgSection)
				genImages = parseGeneratedImages(imgSection)
			}
		}

		candidates = append(candidates, Candidate{
			RCID:      fmt.Sprintf("%v", cArr[0]),
			Text:      decodeHTML(text),
			Thoughts:  thoughts,
			WebImages: webImages,
			GenImages: genImages,
		})
	}
	if len(candidates) == 0 {
		return ModelOutput{}, &GeminiError{Msg: "Failed to generate contents. No output data found in response."}
	}
	return ModelOutput{Metadata: metadata, Candidates: candidates, Chosen: 0}, nil
}

// parseWebImages extracts web search images from candidate[12][1].
func parseWebImages(imgSection []any) []Image {
	if len(imgSection) < 2 {
		return nil
	}
	imagesArr, ok := imgSection[1].([]any)
	if !ok {
		return nil
	}
	var out []Image
	for _, wiAny := range imagesArr {
		wiArr, ok1 := wiAny.([]any)
		if !ok1 {
			continue
		}
		var urlStr, title, alt string
		if len(wiArr) > 0 {
			if a, ok2 := wiArr[0].([]any); ok2 && len(a) > 0 {
				if b, ok3 := a[0].([]any); ok3 && len(b) > 0 {
					urlStr, _ = b[0].(string)
				}
				if len(a) > 4 {
					alt, _ = a[4].(string)
				}
			}
		}
		if len(wiArr) > 7 {
			if a, ok2 := wiArr[7].([]any); ok2 && len(a) > 0 {
				title, _ = a[0].(string)
			}
		}
		out = append(out, Image{URL: urlStr, Title: title, Alt: alt})
	}
	return out
}

// parseGeneratedImages extracts generated images from candidate[12][7][0].
func parseGeneratedImages(imgSection []any) []Image {
	if len(imgSection) < 8 {
		return nil
	}
	s2, ok := imgSection[7].([]any)
	if !ok || len(s2) == 0 {
		return nil
	}
	s3, ok := s2[0].([]any)
	if !ok {
		return nil
	}
	var out []Image
	for _, giAny := range s3 {
		ga, ok1 := giAny.([]any)
		if !ok1 || len(ga) < 4 {
			continue
		}
		var urlStr, alt string
		title := "[Generated Image]"
		if a, ok2 := ga[0].([]any); ok2 && len(a) > 3 {
			if b, ok3 := a[3].([]any); ok3 && len(b) > 3 {
				urlStr, _ = b[3].(string)
			}
		}
		if a, ok2 := ga[3].([]any); ok2 && len(a) > 5 {
			if tt, ok3 := a[5].([]any); ok3 && len(tt) > 0 {
				alt, _ = tt[0].(string)
			}
		}
		out = append(out, Image{URL: urlStr, Title: title, Alt: alt})
	}
	return out
}

// extractErrorCode walks the nested error structure frames[0][5][2][0][1][0].
func extractErrorCode(top []any) (int, bool) {
	if len(top) == 0 {
		return 0, false
	}
	a, ok := top[0].([]any)
	if !ok || len(a) <= 5 {
		return 0, false
	}
	b, ok := a[5].([]any)
	if !ok || len(b) <= 2 {
		return 0, false
	}
	c, ok := b[2].([]any)
	if !ok || len(c) == 0 {
		return 0, false
	}
	d, ok := c[0].([]any)
	if !ok || len(d) <= 1 {
		return 0, false
	}
	e, ok := d[1].([]any)
	if !ok || len(e) == 0 {
		return 0, false
	}
	f, ok := e[0].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// StartChat returns a ChatSession bound to this client. The metadata triple
// (cid, rid, rcid) resumes an existing web conversation when non-empty.
func (c *Client) StartChat(model Model, metadata []string) *ChatSession {
	return &ChatSession{client: c, metadata: normalizeMeta(metadata), model: model}
}

// ChatSession holds the conversation metadata for one web chat thread.
type ChatSession struct {
	client     *Client
	metadata   []string // cid, rid, rcid
	lastOutput *ModelOutput
	model      Model
}

func (cs *ChatSession) String() string {
	m := normalizeMeta(cs.metadata)
	return fmt.Sprintf("ChatSession(cid='%s', rid='%s', rcid='%s')", m[0], m[1], m[2])
}

func normalizeMeta(v []string) []string {
	out := []string{"", "", ""}
	for i := 0; i < len(v) && i < 3; i++ {
		out[i] = v[i]
	}
	return out
}

func (cs *ChatSession) Metadata() []string     { return cs.metadata }
func (cs *ChatSession) SetMetadata(v []string) { cs.metadata = normalizeMeta(v) }
func (cs *ChatSession) Model() Model           { return cs.model }

func (cs *ChatSession) CID() string {
	if len(cs.metadata) > 0 {
		return cs.metadata[0]
	}
	return ""
}

func (cs *ChatSession) setRCID(v string) {
	cs.metadata = normalizeMeta(cs.metadata)
	cs.metadata[2] = v
}

// SendMessage sends one prompt on this thread and adopts the returned
// conversation metadata so the next message continues the same thread.
func (cs *ChatSession) SendMessage(ctx context.Context, prompt string) (ModelOutput, error) {
	out, err := cs.client.GenerateContent(ctx, prompt, cs.model, cs)
	if err == nil {
		cs.lastOutput = &out
		cs.SetMetadata(out.Metadata)
		cs.setRCID(out.RCID())
	}
	return out, err
}
