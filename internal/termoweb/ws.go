package termoweb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"termobridge/internal/logger"

	"github.com/gorilla/websocket"
)

// RealtimeStatus is the connectivity phase of one device's push channel.
type RealtimeStatus string

const (
	StatusDisconnected RealtimeStatus = "disconnected"
	StatusHandshaking  RealtimeStatus = "handshaking"
	StatusConnected    RealtimeStatus = "connected"
	StatusStreaming    RealtimeStatus = "streaming"
)

// RealtimeStats are liveness counters for the status endpoint.
type RealtimeStats struct {
	Frames      int64
	Events      int64
	LastEventAt time.Time
	StreamingAt time.Time // start of the current streaming phase; zero while down
}

const (
	wsWriteWait        = 10 * time.Second
	wsMaxMsgSize       = 1 << 20
	wsHandshakeTimeout = 15 * time.Second
)

// Reconnect delays; the index resets after every successful handshake.
var backoffSeq = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// RealtimeConfig wires one push channel. OnDeltas and OnStatus are invoked
// synchronously from the connection goroutine, so a delta can never outlive
// the connection that produced it.
type RealtimeConfig struct {
	APIBase  string
	DevID    string
	Session  *Session
	HTTP     *http.Client
	Dialer   *websocket.Dialer
	Log      *logger.Logger
	OnDeltas func(devID string, deltas []Delta)
	OnStatus func(devID string, status RealtimeStatus)
}

// RealtimeClient speaks the vendor's legacy two-phase push protocol for one
// device: HTTP handshake, socket upgrade, namespace join, snapshot request,
// heartbeats, and batched path/body events. Run reconnects forever with
// backoff; push connectivity is a convenience, never a correctness
// requirement, since polling covers the gaps.
type RealtimeClient struct {
	cfg     RealtimeConfig
	apiBase string
	http    *http.Client
	dialer  *websocket.Dialer

	mu         sync.Mutex
	status     RealtimeStatus
	stats      RealtimeStats
	conn       *websocket.Conn
	backoffIdx int
}

func NewRealtimeClient(cfg RealtimeConfig) *RealtimeClient {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: wsHandshakeTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
			Subprotocols:     []string{"websocket"},
		}
	}
	return &RealtimeClient{
		cfg:     cfg,
		apiBase: strings.TrimRight(apiBase, "/"),
		http:    httpClient,
		dialer:  dialer,
		status:  StatusDisconnected,
	}
}

// Run drives the connection loop until ctx is canceled.
func (c *RealtimeClient) Run(ctx context.Context) {
	for {
		handshook, err := c.connectOnce(ctx)
		c.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return
		}
		if err != nil && c.cfg.Log != nil {
			c.cfg.Log.Infow("realtime connection lost; will retry",
				"dev", c.cfg.DevID, "err", err)
		}
		delay := c.nextDelay(handshook)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stop closes the active connection so blocked reads return promptly.
// Cancel Run's context to stop reconnecting for good.
func (c *RealtimeClient) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Status returns the current connectivity phase.
func (c *RealtimeClient) Status() RealtimeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stats returns a copy of the liveness counters.
func (c *RealtimeClient) Stats() RealtimeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// HealthyFor reports whether the channel has been streaming for at least
// minUptime, the signal that lets the poll loop stretch its cadence.
func (c *RealtimeClient) HealthyFor(minUptime time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusStreaming &&
		!c.stats.StreamingAt.IsZero() &&
		time.Since(c.stats.StreamingAt) >= minUptime
}

// connectOnce runs a single handshake/stream cycle and returns when the
// connection drops. handshook reports whether the handshake succeeded, which
// resets the backoff sequence.
func (c *RealtimeClient) connectOnce(ctx context.Context) (handshook bool, err error) {
	c.setStatus(StatusHandshaking)

	hs, token, err := c.handshake(ctx)
	if err != nil {
		return false, err
	}

	conn, err := c.dial(ctx, hs.SID, token)
	if err != nil {
		return true, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()
	conn.SetReadLimit(wsMaxMsgSize)
	c.setStatus(StatusConnected)

	if err := writeText(conn, connectFrame()); err != nil {
		return true, err
	}
	// Snapshot on every (re)connect: deltas missed while down are unrecoverable.
	snap, err := snapshotRequestFrame()
	if err != nil {
		return true, err
	}
	if err := writeText(conn, snap); err != nil {
		return true, err
	}
	c.setStatus(StatusStreaming)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	go c.heartbeatLoop(conn, clampHeartbeat(hs.Heartbeat), stop)

	return true, c.readLoop(conn, hs.Disconnect)
}

// handshake performs the HTTP half of the protocol, refreshing the token once
// on a 401 like every other authenticated call.
func (c *RealtimeClient) handshake(ctx context.Context) (handshake, string, error) {
	token, err := c.cfg.Session.Token(ctx)
	if err != nil {
		return handshake{}, "", err
	}
	status, body, err := c.handshakeGet(ctx, token)
	if err != nil {
		return handshake{}, "", err
	}
	if status == http.StatusUnauthorized {
		if c.cfg.Log != nil {
			c.cfg.Log.Infow("handshake 401; refreshing token", "dev", c.cfg.DevID)
		}
		c.cfg.Session.Invalidate(token)
		token, err = c.cfg.Session.Token(ctx)
		if err != nil {
			return handshake{}, "", err
		}
		status, body, err = c.handshakeGet(ctx, token)
		if err != nil {
			return handshake{}, "", err
		}
	}
	if status >= 400 {
		return handshake{}, "", &StatusError{Op: "realtime handshake", Status: status, Body: bodyExcerpt([]byte(body))}
	}
	hs, err := parseHandshake(body)
	if err != nil {
		return handshake{}, "", err
	}
	return hs, token, nil
}

func (c *RealtimeClient) handshakeGet(ctx context.Context, token string) (int, string, error) {
	q := url.Values{
		"token":  {token},
		"dev_id": {c.cfg.DevID},
		"t":      {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/socket.io/1/?"+q.Encode(), nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

func (c *RealtimeClient) dial(ctx context.Context, sid, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.apiBase)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/socket.io/1/websocket/" + sid
	u.RawQuery = url.Values{"token": {token}, "dev_id": {c.cfg.DevID}}.Encode()

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// readLoop consumes frames until the connection errors out. The read deadline
// is the vendor's negotiated disconnect timeout, refreshed by any frame.
func (c *RealtimeClient) readLoop(conn *websocket.Conn, disconnectTimeout time.Duration) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(disconnectTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.bumpFrames()

		f, err := parseFrame(string(raw))
		if err != nil {
			c.debugw("dropping malformed frame", "frame", bodyExcerpt(raw))
			continue
		}
		switch f.Type {
		case frameHeartbeat:
			// server liveness; the deadline refresh above is the whole point
		case frameConnect:
			// namespace join ack
		case frameEvent:
			deltas, err := decodeDeltas(c.cfg.DevID, f.Data)
			if err != nil {
				c.debugw("dropping undecodable event", "err", err)
				continue
			}
			if len(deltas) == 0 {
				continue
			}
			c.markEvent()
			if c.cfg.OnDeltas != nil {
				c.cfg.OnDeltas(c.cfg.DevID, deltas)
			}
		case frameDisconnect:
			return errors.New("termoweb: server disconnect")
		case frameError:
			return fmt.Errorf("termoweb: server error frame: %s", bodyExcerpt([]byte(f.Data)))
		default:
			c.debugw("ignoring frame", "type", string(f.Type))
		}
	}
}

func (c *RealtimeClient) heartbeatLoop(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := writeText(conn, heartbeatFrame()); err != nil {
				// the read loop notices the dead connection
				return
			}
		}
	}
}

func (c *RealtimeClient) setStatus(s RealtimeStatus) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	switch s {
	case StatusStreaming:
		c.stats.StreamingAt = time.Now()
	case StatusDisconnected:
		c.stats.StreamingAt = time.Time{}
	}
	cb := c.cfg.OnStatus
	c.mu.Unlock()
	if cb != nil {
		cb(c.cfg.DevID, s)
	}
}

func (c *RealtimeClient) bumpFrames() {
	c.mu.Lock()
	c.stats.Frames++
	c.mu.Unlock()
}

func (c *RealtimeClient) markEvent() {
	c.mu.Lock()
	c.stats.Events++
	c.stats.LastEventAt = time.Now()
	c.mu.Unlock()
}

func (c *RealtimeClient) debugw(msg string, kv ...interface{}) {
	if c.cfg.Log != nil {
		c.cfg.Log.Debugw(msg, append([]interface{}{"dev", c.cfg.DevID}, kv...)...)
	}
}

// nextDelay advances the backoff sequence, restarting it after any
// successful handshake.
func (c *RealtimeClient) nextDelay(handshook bool) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handshook {
		c.backoffIdx = 0
	}
	base := backoffSeq[c.backoffIdx]
	if c.backoffIdx < len(backoffSeq)-1 {
		c.backoffIdx++
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

// clampHeartbeat keeps the client send interval well under the server timeout.
func clampHeartbeat(hb time.Duration) time.Duration {
	d := hb * 45 / 100
	if d < 5*time.Second {
		return 5 * time.Second
	}
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func writeText(conn *websocket.Conn, s string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}
