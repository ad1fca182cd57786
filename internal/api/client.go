package api

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

	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
)

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned HTTP %d: %s", e.Code, e.Message)
}

// Client talks to a running controller's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status fetches every record with per-state counts.
func (c *Client) Status(ctx context.Context) (*remediation.Status, error) {
	var st remediation.Status
	if err := c.do(ctx, http.MethodGet, statusPath, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Approve approves a pending remediation.
func (c *Client) Approve(ctx context.Context, id, approvedBy string) (*ActionResponse, error) {
	var resp ActionResponse
	req := ApproveRequest{RemediationID: id, ApprovedBy: approvedBy}
	if err := c.do(ctx, http.MethodPost, approvePath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels an unfinished remediation.
func (c *Client) Cancel(ctx context.Context, id string) (*ActionResponse, error) {
	var resp ActionResponse
	path := strings.Replace(cancelPath, "{id}", url.PathEscape(id), 1)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Scan triggers an immediate detection pass.
func (c *Client) Scan(ctx context.Context) (*ScanResponse, error) {
	var resp ScanResponse
	if err := c.do(ctx, http.MethodPost, scanPath, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enabled reports whether the controller is running.
func (c *Client) Enabled(ctx context.Context) (*EnabledResponse, error) {
	var resp EnabledResponse
	if err := c.do(ctx, http.MethodGet, enabledPath, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
