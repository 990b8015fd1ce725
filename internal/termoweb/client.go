package termoweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"termobridge/internal/logger"
	"termobridge/internal/models"
)

const requestTimeout = 25 * time.Second

// Client issues REST calls against the vendor backend, attaching the bearer
// credential from its Session. A 401 triggers exactly one refresh-and-retry
// before the call fails with ErrAuth.
type Client struct {
	http    *http.Client
	apiBase string
	session *Session
	log     *logger.Logger
}

func NewClient(httpClient *http.Client, apiBase string, session *Session, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		http:    httpClient,
		apiBase: strings.TrimRight(apiBase, "/"),
		session: session,
		log:     log,
	}
}

// APIBase returns the configured backend origin.
func (c *Client) APIBase() string { return c.apiBase }

// Session exposes the credential owner for collaborators sharing it.
func (c *Client) Session() *Session { return c.session }

// ListDevices returns the account's devices.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v2/devs/", nil, &raw, "list devices"); err != nil {
		return nil, err
	}

	// The endpoint returns either a bare array or a wrapper object.
	var wires []wireDevice
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &wires); err != nil {
			return nil, fmt.Errorf("decode devices: %w", err)
		}
	} else {
		var dr devsResponse
		if err := json.Unmarshal(raw, &dr); err != nil {
			return nil, fmt.Errorf("decode devices: %w", err)
		}
		wires = dr.Devs
		if len(wires) == 0 {
			wires = dr.Devices
		}
	}

	out := make([]models.Device, 0, len(wires))
	for _, w := range wires {
		id := w.id()
		if id == "" {
			continue
		}
		name := strings.TrimSpace(w.Name)
		if name == "" {
			name = "Device " + id
		}
		out = append(out, models.Device{ID: id, Name: name})
	}
	return out, nil
}

// ListNodes returns the node inventory of one device.
func (c *Client) ListNodes(ctx context.Context, devID string) ([]models.Node, error) {
	var nr nodesResponse
	path := fmt.Sprintf("/api/v2/devs/%s/mgr/nodes", devID)
	if err := c.do(ctx, http.MethodGet, path, nil, &nr, "list nodes"); err != nil {
		return nil, err
	}
	return nodesFromWire(devID, nr.Nodes), nil
}

// HeaterSettings reads the current settings of one heater node.
func (c *Client) HeaterSettings(ctx context.Context, devID, addr string) (*HeaterSettings, error) {
	var hs HeaterSettings
	path := fmt.Sprintf("/api/v2/devs/%s/htr/%s/settings", devID, addr)
	if err := c.do(ctx, http.MethodGet, path, nil, &hs, "get heater settings"); err != nil {
		return nil, err
	}
	return &hs, nil
}

// SetHeaterSettings posts a partial settings update. The backend acknowledges
// acceptance only; the new values show up asynchronously via push or poll.
func (c *Client) SetHeaterSettings(ctx context.Context, devID, addr string, w HeaterWrite) error {
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode heater write: %w", err)
	}
	path := fmt.Sprintf("/api/v2/devs/%s/htr/%s/settings", devID, addr)
	return c.do(ctx, http.MethodPost, path, body, nil, "set heater settings")
}

// AdvancedSetup reads the opaque advanced-setup flags of one heater node.
func (c *Client) AdvancedSetup(ctx context.Context, devID, addr string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/api/v2/devs/%s/htr/%s/advanced_setup", devID, addr)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, "get advanced setup"); err != nil {
		return nil, err
	}
	return raw, nil
}

// do runs one authenticated request with the single refresh-and-retry policy.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, op string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	tok, err := c.session.Token(ctx)
	if err != nil {
		return err
	}

	status, data, err := c.roundTrip(ctx, method, path, body, tok)
	if err != nil {
		return fmt.Errorf("termoweb: %s: %w", op, err)
	}
	if status == http.StatusUnauthorized {
		if c.log != nil {
			c.log.Infow("token rejected; refreshing once", "op", op)
		}
		c.session.Invalidate(tok)
		tok, err = c.session.Token(ctx)
		if err != nil {
			return err
		}
		status, data, err = c.roundTrip(ctx, method, path, body, tok)
		if err != nil {
			return fmt.Errorf("termoweb: %s: %w", op, err)
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s rejected after refresh", ErrAuth, op)
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, op)
	case status >= 400:
		return &StatusError{Op: op, Status: status, Body: bodyExcerpt(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("termoweb: %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, token string) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// nodesFromWire normalizes the raw node list, stamping the owning device.
func nodesFromWire(devID string, wires []wireNode) []models.Node {
	out := make([]models.Node, 0, len(wires))
	for _, w := range wires {
		if w.Addr == "" {
			continue
		}
		out = append(out, models.Node{
			DevID: devID,
			Addr:  string(w.Addr),
			Type:  strings.ToLower(strings.TrimSpace(w.Type)),
			Name:  strings.TrimSpace(w.Name),
		})
	}
	return out
}
