// ABOUTME: HTTP client a remote agent uses to reach the controller that owns the queue store.
// ABOUTME: One pooled *http.Client per process; QueueInitJob pushes the agent's bootstrap job.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInitJobRejected is returned when the controller answers the bootstrap
// call with a non-2xx status.
var ErrInitJobRejected = errors.New("failed to create initial job")

// InitJobRequest is the body of POST /agent_workers/queue_init_job.
type InitJobRequest struct {
	WorkerName string `json:"worker_name"`
	Content    string `json:"content"`
}

// NewHTTPClient returns the pooled client used for every outbound agent
// call: 10s connect timeout, 30s per request, 10 idle connections per host
// kept for 60s.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     60 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Client talks to the controller's agent endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for baseURL. token is sent as a Bearer credential;
// hc is normally the result of NewHTTPClient.
func New(baseURL, token string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    hc,
	}
}

// BaseURL returns the controller base URL this client calls.
func (c *Client) BaseURL() string { return c.baseURL }

// QueueInitJob asks the controller to enqueue the bootstrap job for
// workerName and returns the id the controller assigned.
func (c *Client) QueueInitJob(ctx context.Context, workerName, content string) (uuid.UUID, error) {
	body, err := json.Marshal(InitJobRequest{WorkerName: workerName, Content: content})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode init job: %w", err)
	}
	url := c.baseURL + "/agent_workers/queue_init_job"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, fmt.Errorf("build init job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req) //nolint:gosec // G107: url comes from operator config, not user input
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue init job: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // drain for connection reuse
		return uuid.Nil, fmt.Errorf("%w: status %d", ErrInitJobRejected, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return uuid.Nil, fmt.Errorf("read init job response: %w", err)
	}
	id, err := uuid.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse init job id: %w", err)
	}
	return id, nil
}
