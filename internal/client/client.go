// Package client is the terminal's HTTP client for the central server. It
// owns the bearer token lifecycle and classifies commit failures so the
// syncer can tell a retryable outage from a rejected sale.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"lakupos/internal/domain"
)

var (
	// ErrTransient marks failures worth retrying: network errors, timeouts
	// and 5xx responses.
	ErrTransient = errors.New("transient commit failure")
	// ErrUnreachable is the subset of transient failures where the server
	// never answered. Only these should drive the connectivity state; a 5xx
	// from a reachable server is not an offline link.
	ErrUnreachable = fmt.Errorf("%w: server unreachable", ErrTransient)
	// ErrRejected marks failures that will never succeed on retry, such as
	// validation errors from the server.
	ErrRejected = errors.New("commit rejected")
)

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func New(baseURL string, username string, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// Commit replays one queued sale against the server. A duplicate response is
// a success; the server already holds the sale.
func (c *Client) Commit(ctx context.Context, req domain.CommitRequest) (domain.CommitResponse, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return domain.CommitResponse{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return domain.CommitResponse{}, fmt.Errorf("%w: encode commit request: %v", ErrRejected, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sales/commit", bytes.NewReader(body))
	if err != nil {
		return domain.CommitResponse{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.CommitResponse{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token expired mid-flight; drop it so the next attempt logs in again.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return domain.CommitResponse{}, fmt.Errorf("%w: token rejected", ErrTransient)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return domain.CommitResponse{}, fmt.Errorf("%w: server status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return domain.CommitResponse{}, fmt.Errorf("%w: %s", ErrRejected, readErrorMessage(resp.Body, resp.StatusCode))
	}

	var commitResp domain.CommitResponse
	if err := json.NewDecoder(resp.Body).Decode(&commitResp); err != nil {
		return domain.CommitResponse{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	return commitResp, nil
}

// Health probes the server health endpoint. Any error means unreachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt.Add(-time.Minute)) {
		return c.token, nil
	}

	body, err := json.Marshal(domain.LoginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: login status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login %s", ErrRejected, readErrorMessage(resp.Body, resp.StatusCode))
	}

	var loginResp domain.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", fmt.Errorf("%w: decode login response: %v", ErrTransient, err)
	}

	c.token = loginResp.AccessToken
	c.expiresAt = time.Now().Add(8 * time.Hour)
	if parsed, err := time.Parse(time.RFC3339, loginResp.ExpiresAt); err == nil {
		c.expiresAt = parsed
	}
	return c.token, nil
}

func readErrorMessage(body io.Reader, status int) string {
	var payload struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err == nil && json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return fmt.Sprintf("status %d: %s", status, payload.Error)
	}
	return fmt.Sprintf("status %d", status)
}
