// Package backend talks to the ChargeNet REST API on behalf of voice
// actions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "log/slog"
)

type Charger struct {
	ID        string  `json:"_id"`
	Name      string  `json:"name"`
	Location  string  `json:"location"`
	Power     float64 `json:"power"`
	Price     float64 `json:"price"`
	Rating    float64 `json:"rating"`
	Available bool    `json:"available"`
}

type Booking struct {
	ID       string  `json:"_id"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration"`
	Amount   float64 `json:"amount"`
}

// Active reports whether the booking can still be cancelled.
func (b Booking) Active() bool {
	return b.Status == "pending" || b.Status == "active"
}

// StatusError is returned for any non-2xx reply.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d - %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client rooted at baseURL. token, when set, is sent as a
// bearer credential. A nil httpClient gets a 15s default.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  httpClient,
	}
}

func (c *Client) Chargers(ctx context.Context) ([]Charger, error) {
	var out []Charger
	return out, c.do(ctx, http.MethodGet, "/api/chargers", nil, &out)
}

func (c *Client) HostChargers(ctx context.Context) ([]Charger, error) {
	var out []Charger
	return out, c.do(ctx, http.MethodGet, "/api/host/chargers", nil, &out)
}

func (c *Client) DriverBookings(ctx context.Context) ([]Booking, error) {
	var out []Booking
	return out, c.do(ctx, http.MethodGet, "/api/bookings/driver", nil, &out)
}

// HostPersonalBookings lists bookings a host made as a driver.
func (c *Client) HostPersonalBookings(ctx context.Context) ([]Booking, error) {
	var out []Booking
	return out, c.do(ctx, http.MethodGet, "/api/bookings/host-personal", nil, &out)
}

func (c *Client) CancelBooking(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/api/bookings/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) ToggleCharger(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/api/host/chargers/"+url.PathEscape(id)+"/toggle", nil, nil)
}

// LogDistance records kilometres driven on electric power.
func (c *Client) LogDistance(ctx context.Context, km int) error {
	return c.do(ctx, http.MethodPost, "/api/carbon/distance", map[string]int{"km": km}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	log.Debug("Backend call", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}

	return nil
}
