// Package client talks to a running port-lease server over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ssh-port-lease/internal/lease"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8080"
	DefaultTimeout = 10 * time.Second

	healthMaxInterval = 2 * time.Second
	healthInitial     = 100 * time.Millisecond
)

// APIError is a non-2xx reply. Message is the plain-text body as sent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Grant is the reply to a port request.
type Grant struct {
	MacID      string `json:"macId"`
	Port       int    `json:"port"`
	Minutes    int    `json:"minutes"`
	CutoffTime string `json:"cutoff_time"`
}

// Cutoff parses CutoffTime.
func (g Grant) Cutoff() (time.Time, error) {
	return time.Parse(lease.CutoffLayout, g.CutoffTime)
}

// Extension is the reply to an add-time call.
type Extension struct {
	MacID      string `json:"macid"`
	Port       int    `json:"port"`
	CutoffTime string `json:"cutoff_time"`
}

func (e Extension) Cutoff() (time.Time, error) {
	return time.Parse(lease.CutoffLayout, e.CutoffTime)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for baseURL. A zero timeout selects DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RequestPort asks for a lease. minutes of zero lets the server pick its
// default.
func (c *Client) RequestPort(ctx context.Context, macID string, minutes int) (Grant, error) {
	query := url.Values{"macid": {macID}}
	if minutes != 0 {
		query.Set("minutes", strconv.Itoa(minutes))
	}
	var grant Grant
	if err := c.getJSON(ctx, "/request-port", query, &grant); err != nil {
		return Grant{}, err
	}
	return grant, nil
}

func (c *Client) AddPortTime(ctx context.Context, macID string, minutes int) (Extension, error) {
	query := url.Values{
		"macid":   {macID},
		"minutes": {strconv.Itoa(minutes)},
	}
	var ext Extension
	if err := c.getJSON(ctx, "/add-port-time", query, &ext); err != nil {
		return Extension{}, err
	}
	return ext, nil
}

// LookupPort returns the leased port for macID, or 0 when there is none.
func (c *Client) LookupPort(ctx context.Context, macID string) (int, error) {
	var port int
	if err := c.getJSON(ctx, "/lookup-port", url.Values{"macid": {macID}}, &port); err != nil {
		return 0, err
	}
	return port, nil
}

func (c *Client) Health(ctx context.Context) error {
	body, err := c.get(ctx, "/health", nil)
	if err != nil {
		return err
	}
	if string(body) != "ok" {
		return fmt.Errorf("unexpected health body %q", body)
	}
	return nil
}

// WaitForHealth polls /health with exponential backoff until it succeeds,
// maxWait elapses or ctx is done.
func (c *Client) WaitForHealth(ctx context.Context, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = healthInitial
	b.MaxInterval = healthMaxInterval
	b.MaxElapsedTime = maxWait

	operation := func() error {
		return c.Health(ctx)
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}
