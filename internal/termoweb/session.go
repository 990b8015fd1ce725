package termoweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Vendor endpoint defaults. The basic credential is the one the vendor's own
// mobile client presents on the token endpoint; requests without it are rejected.
const (
	DefaultAPIBase   = "https://control.termoweb.net"
	DefaultBasicAuth = "NTIxNzJkYzg0ZjYzZDZjNzU5MDAwMDA1OmJ4djRaM3hVU2U="

	userAgent      = "TermoWeb/2.5.1 (Android; TermoBridge)"
	acceptLanguage = "en-US,en;q=0.8"

	tokenPath       = "/client/token"
	defaultTokenTTL = 3600 * time.Second
)

// grant is one in-flight password-grant request shared by concurrent callers.
type grant struct {
	done  chan struct{}
	token string
	err   error
}

// Session owns the bearer credential: it performs the password grant, caches
// the token until near expiry, and serves concurrent demand with a single
// in-flight refresh.
type Session struct {
	http      *http.Client
	apiBase   string
	username  string
	password  string
	basicAuth string

	mu       sync.Mutex
	token    string
	expiry   time.Time
	inflight *grant
}

// NewSession builds a session against apiBase. Empty apiBase/basicAuth fall
// back to the vendor defaults.
func NewSession(client *http.Client, apiBase, username, password, basicAuth string) *Session {
	if client == nil {
		client = &http.Client{Timeout: 25 * time.Second}
	}
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if basicAuth == "" {
		basicAuth = DefaultBasicAuth
	}
	return &Session{
		http:      client,
		apiBase:   strings.TrimRight(apiBase, "/"),
		username:  username,
		password:  password,
		basicAuth: basicAuth,
	}
}

// Token returns a valid bearer token, authenticating when the cached one is
// missing or near expiry. Concurrent callers share one grant request; its
// failure propagates to every waiter and leaves no cached token behind.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && time.Now().Before(s.expiry) {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	if g := s.inflight; g != nil {
		s.mu.Unlock()
		select {
		case <-g.done:
			return g.token, g.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g := &grant{done: make(chan struct{})}
	s.inflight = g
	s.mu.Unlock()

	token, ttl, err := s.authenticate(ctx)
	g.token, g.err = token, err

	s.mu.Lock()
	s.inflight = nil
	if err == nil {
		s.token = token
		// refresh early so long-lived consumers never race expiry
		s.expiry = time.Now().Add(ttl * 9 / 10)
	} else {
		s.token = ""
		s.expiry = time.Time{}
	}
	s.mu.Unlock()

	close(g.done)
	return token, err
}

// Invalidate drops the cached token if it still equals tok, forcing the next
// Token call to re-authenticate. Callers pass the token that just earned a 401
// so a concurrent refresh's fresh token is not discarded by a stale report.
func (s *Session) Invalidate(tok string) {
	s.mu.Lock()
	if tok == "" || s.token == tok {
		s.token = ""
		s.expiry = time.Time{}
	}
	s.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
	Scope       string      `json:"scope"`
}

// authenticate performs the password grant and returns the token with its lifetime.
func (s *Session) authenticate(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {s.username},
		"password":   {s.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+s.basicAuth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return "", 0, fmt.Errorf("%w: token endpoint status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", 0, &StatusError{Op: "password grant", Status: resp.StatusCode, Body: bodyExcerpt(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("%w: malformed token response", ErrAuth)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: token response without access_token", ErrAuth)
	}

	ttl := defaultTokenTTL
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	return tr.AccessToken, ttl, nil
}
