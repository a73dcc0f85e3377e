// Package client はジョブ投入とステータス取得のための HTTP クライアントを提供します。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxAttempts    = 5
	backoffBase    = 800 * time.Millisecond
	backoffCeiling = 8 * time.Second
)

// Client は生成 API のクライアントです。
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	sleep func(time.Duration)
	now   func() time.Time
}

// New は Client を初期化します。
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// SubmitResponse はジョブ投入のレスポンスです。
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ProgressInfo は進捗情報です。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// LogEntry はジョブログの1行です。
type LogEntry struct {
	TS    time.Time      `json:"ts"`
	Level string         `json:"level"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// StatusResponse はステータス取得のレスポンスです。
type StatusResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Progress  ProgressInfo    `json:"progress"`
	Output    json.RawMessage `json:"output,omitempty"`
	Logs      []LogEntry      `json:"logs,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Terminal はステータスが終端かどうかを返します。
func (s *StatusResponse) Terminal() bool {
	switch s.Status {
	case "COMPLETED", "FAILED", "TIMEOUT":
		return true
	}
	return false
}

// Submit はジョブを投入し、ジョブIDを返します。
func (c *Client) Submit(ctx context.Context, input json.RawMessage) (*SubmitResponse, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"input": input})
	if err != nil {
		return nil, err
	}

	data, err := c.requestWithRetry(ctx, http.MethodPost, c.BaseURL+"/run", body)
	if err != nil {
		return nil, err
	}

	var resp SubmitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("submit response is missing job id")
	}
	return &resp, nil
}

// Status は指定ジョブの現在の状態を取得します。
func (c *Client) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	data, err := c.requestWithRetry(ctx, http.MethodGet, c.BaseURL+"/status/"+jobID, nil)
	if err != nil {
		return nil, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &resp, nil
}

// requestWithRetry は 429 / 5xx / 通信エラーに対して指数バックオフで
// 再試行します。待機時間は min(8s, 0.8s * 2^attempt) です。
func (c *Client) requestWithRetry(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffBase << (attempt - 1)
			if wait > backoffCeiling {
				wait = backoffCeiling
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleep(wait)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server returned status %d", resp.StatusCode)
			continue
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(data))
		}
		return data, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}
