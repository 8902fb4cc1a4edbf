// Package client talks to the broadcast API from the requester side.
package client

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

	"leadcast/internal/domain"
	"leadcast/internal/status"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status=%d: %s", e.Status, e.Message)
}

type DispatchResponse struct {
	Status    string              `json:"status"`
	RequestID string              `json:"requestId"`
	Total     int                 `json:"total"`
	Sent      int                 `json:"sent"`
	Failed    int                 `json:"failed"`
	Results   []domain.SendResult `json:"results"`
	Skipped   int                 `json:"skipped"`
	Dropped   int                 `json:"dropped"`
	Duplicate bool                `json:"duplicate"`
}

func (c *Client) Dispatch(ctx context.Context, req domain.DispatchRequest) (DispatchResponse, error) {
	var out DispatchResponse
	err := c.do(ctx, http.MethodPost, "/v1/broadcasts", req, &out)
	return out, err
}

// FetchStatus reads the aggregated status of one request.
func (c *Client) FetchStatus(ctx context.Context, requestID string) (status.Report, error) {
	var out status.Report
	err := c.do(ctx, http.MethodGet, "/v1/broadcasts/"+url.PathEscape(requestID)+"/status", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
