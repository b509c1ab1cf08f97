package geminiweb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/web-gemini/GeminiWebGateway/internal/credentials"
	"github.com/web-gemini/GeminiWebGateway/internal/session"
)

// Options configures a Provider.
type Options struct {
	Proxy          string
	Timeout        time.Duration
	MaxChars       int
	PersistContext bool
	ConvStorePath  string
}

// Provider exposes the Gemini web chat as a session.ChatClient. It owns the
// shared HTTP client (one cookie identity serves every session) and the
// conversation metadata store used to resume web threads across restarts.
type Provider struct {
	source credentials.Source
	opts   Options

	mu        sync.Mutex
	client    *Client
	accountID string

	convMu sync.Mutex
	conv   map[string][]string
}

// NewProvider builds a Provider over the given credential source. The
// conversation store is loaded lazily on the first Open.
func NewProvider(source credentials.Source, opts Options) *Provider {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	return &Provider{source: source, opts: opts}
}

// ensureClient returns a running web client, performing the init handshake
// when needed. Callers must not hold p.mu.
func (p *Provider) ensureClient(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.Running() {
		return p.client, nil
	}

	cookies, err := p.source.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrAuthentication, err)
	}
	p.accountID = Sha256Hex(cookies.Secure1PSID)

	c := p.client
	if c == nil {
		c = NewClient(cookies.Secure1PSID, cookies.Secure1PSIDTS, p.opts.Proxy,
			WithCookieRefreshHook(p.persistCookies))
		p.client = c
	} else {
		c.SetCookie("__Secure-1PSID", cookies.Secure1PSID)
		if cookies.Secure1PSIDTS != "" {
			c.SetCookie("__Secure-1PSIDTS", cookies.Secure1PSIDTS)
		}
	}
	if err = c.Init(ctx, p.opts.Timeout); err != nil {
		return nil, wrapProviderError(err)
	}
	log.Infof("gemini web client ready (account %s)", MaskToken(p.accountID))
	return c, nil
}

func (p *Provider) persistCookies(cookies map[string]string) {
	c := credentials.Cookies{
		Secure1PSID:   cookies["__Secure-1PSID"],
		Secure1PSIDTS: cookies["__Secure-1PSIDTS"],
	}
	if err := p.source.Persist(c); err != nil {
		log.Warnf("failed to persist refreshed cookies: %v", err)
	}
}

// Invalidate drops the running client so the next request re-reads the
// credential source and performs a fresh handshake. Called when the token
// file changes on disk. Rotation persists refreshed cookies through the same
// file, so a change that matches the running client is ours and is ignored.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.client.Running() {
		return
	}
	cookies, err := p.source.Cookies(context.Background())
	if err == nil &&
		cookies.Secure1PSID == p.client.Cookie("__Secure-1PSID") &&
		cookies.Secure1PSIDTS == p.client.Cookie("__Secure-1PSIDTS") {
		return
	}
	p.client.Close()
}

// RotateCookies asks the upstream for a fresh __Secure-1PSIDTS. Intended to
// run on a timer so long-lived deployments outlive the TS expiry.
func (p *Provider) RotateCookies(ctx context.Context) error {
	c, err := p.ensureClient(ctx)
	if err != nil {
		return err
	}
	ts, err := c.RotateTS(ctx)
	if err != nil {
		return wrapProviderError(err)
	}
	if ts != "" {
		log.Debugf("rotated __Secure-1PSIDTS: %s", MaskToken(ts))
	}
	return nil
}

// loadConv loads the persisted metadata map once.
func (p *Provider) loadConv() {
	p.convMu.Lock()
	defer p.convMu.Unlock()
	if p.conv != nil {
		return
	}
	data, err := LoadConvStore(p.opts.ConvStorePath)
	if err != nil {
		log.Warnf("conversation store unavailable: %v", err)
		data = map[string][]string{}
	}
	p.conv = data
}

func (p *Provider) storedMeta(modelName string) []string {
	p.convMu.Lock()
	defer p.convMu.Unlock()
	return p.conv[AccountMetaKey(p.accountID, modelName)]
}

func (p *Provider) rememberMeta(modelName string, meta []string) {
	p.convMu.Lock()
	p.conv[AccountMetaKey(p.accountID, modelName)] = meta
	snapshot := make(map[string][]string, len(p.conv))
	for k, v := range p.conv {
		snapshot[k] = v
	}
	p.convMu.Unlock()

	if err := SaveConvStore(p.opts.ConvStorePath, snapshot); err != nil {
		log.Warnf("failed to save conversation store: %v", err)
	}
}

// Open starts a web chat thread for model and wraps it as a session handle.
func (p *Provider) Open(ctx context.Context, modelName string) (session.Handle, error) {
	model, err := ModelFromName(modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUpstreamUnavailable, err)
	}
	c, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	var meta []string
	if p.opts.PersistContext {
		p.loadConv()
		meta = p.storedMeta(model.Name)
	}
	return &thread{provider: p, chat: c.StartChat(model, meta)}, nil
}

// thread is one session-owned web chat conversation.
type thread struct {
	provider *Provider
	chat     *ChatSession
	closed   bool
}

func (t *thread) Send(ctx context.Context, prompt string) (*session.Reply, error) {
	if t.closed {
		return nil, fmt.Errorf("%w: conversation closed", session.ErrUpstream)
	}
	// A previous request may have dropped the shared client; re-initializing
	// happens under the provider lock, never from the request path itself.
	if _, err := t.provider.ensureClient(ctx); err != nil {
		return nil, err
	}
	out, err := SendWithSplit(ctx, t.chat, prompt, t.provider.opts.MaxChars)
	if err != nil {
		return nil, wrapProviderError(err)
	}

	if t.provider.opts.PersistContext && t.chat.CID() != "" {
		t.provider.rememberMeta(t.chat.Model().Name, t.chat.Metadata())
	}

	reply := &session.Reply{Text: out.Text()}
	if th := out.Thoughts(); th != nil {
		reply.Thoughts = *th
	}
	for _, img := range out.Images() {
		reply.Images = append(reply.Images, session.ReplyImage{
			URL:   img.URL,
			Title: img.Title,
			Alt:   img.Alt,
		})
	}
	return reply, nil
}

// Close releases the thread locally. The web upstream has no close call;
// Google expires the conversation server-side.
func (t *thread) Close() error {
	t.closed = true
	return nil
}

// wrapProviderError translates provider failures into the session error kinds
// the request layer classifies on.
func wrapProviderError(err error) error {
	var (
		authErr *AuthError
		toErr   *TimeoutError
	)
	switch {
	case errors.As(err, &authErr):
		return fmt.Errorf("%w: %s", session.ErrAuthentication, authErr.Msg)
	case errors.As(err, &toErr):
		return fmt.Errorf("%w: %s", session.ErrUpstreamTimeout, toErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", session.ErrUpstreamTimeout, err)
	case isUpstreamPayloadError(err):
		return fmt.Errorf("%w: %v", session.ErrUpstream, err)
	default:
		// Anything else came from the transport, not the service.
		return fmt.Errorf("%w: %v", session.ErrUpstreamUnavailable, err)
	}
}

func isUpstreamPayloadError(err error) bool {
	var (
		apiErr     *APIError
		gemErr     *GeminiError
		usageErr   *UsageLimitExceeded
		modelErr   *ModelInvalid
		blockedErr *TemporarilyBlocked
		imageErr   *ImageGenerationError
		valueErr   *ValueError
	)
	return errors.As(err, &apiErr) ||
		errors.As(err, &gemErr) ||
		errors.As(err, &usageErr) ||
		errors.As(err, &modelErr) ||
		errors.As(err, &blockedErr) ||
		errors.As(err, &imageErr) ||
		errors.As(err, &valueErr)
}
