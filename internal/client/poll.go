package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	pollIntervalMin  = 2 * time.Second
	pollIntervalMax  = 6 * time.Second
	pollIntervalRamp = 120 * time.Second
)

// PollObserver は各ポーリング結果の通知を受け取ります。nil 可。
type PollObserver func(resp *StatusResponse)

// Poll はジョブが終端状態になるまでステータスを取得し続けます。
// ポーリング間隔は 2 秒から始まり、120 秒かけて 6 秒まで伸びます。
func (c *Client) Poll(ctx context.Context, jobID string, observer PollObserver) (*StatusResponse, error) {
	started := c.now()

	for {
		resp, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if observer != nil {
			observer(resp)
		}
		if resp.Terminal() {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c.sleep(pollInterval(c.now().Sub(started)))
	}
}

// pollInterval は経過時間に応じたポーリング間隔を返します。
func pollInterval(elapsed time.Duration) time.Duration {
	if elapsed >= pollIntervalRamp {
		return pollIntervalMax
	}
	span := pollIntervalMax - pollIntervalMin
	extra := time.Duration(float64(span) * (float64(elapsed) / float64(pollIntervalRamp)))
	return pollIntervalMin + extra
}

// VideoRef は完了したジョブから取り出した動画の所在です。
type VideoRef struct {
	URL    string `json:"url,omitempty"`
	Path   string `json:"path,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

type outputEnvelope struct {
	Status string `json:"status"`
	Video  *struct {
		URL string `json:"url"`
	} `json:"video"`
	Artifacts []struct {
		Type   string `json:"type"`
		URL    string `json:"url"`
		Path   string `json:"path"`
		Base64 string `json:"base64"`
	} `json:"artifacts"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Items []struct {
		ID string `json:"id"`
	} `json:"items"`
}

// PickVideo は終端ステータスのレスポンスから動画の所在を取り出します。
// ジョブが失敗していた場合はエラーコード付きのエラーを返します。
// バッチ結果には個別の動画が複数あるため、このヘルパーでは扱いません。
func PickVideo(resp *StatusResponse) (*VideoRef, error) {
	if resp == nil {
		return nil, fmt.Errorf("status response is nil")
	}
	if resp.Status != "COMPLETED" {
		// 失敗ジョブは出力内のエラーエンベロープを優先して報告する
		if len(resp.Output) > 0 {
			var out outputEnvelope
			if err := json.Unmarshal(resp.Output, &out); err == nil && out.Error != nil {
				return nil, fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message)
			}
		}
		return nil, fmt.Errorf("job ended with status=%s", resp.Status)
	}
	if len(resp.Output) == 0 {
		return nil, fmt.Errorf("job completed but output is empty")
	}

	var out outputEnvelope
	if err := json.Unmarshal(resp.Output, &out); err != nil {
		return nil, fmt.Errorf("failed to decode job output: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Items) > 0 {
		return nil, fmt.Errorf("batch output contains %d items; inspect them individually", len(out.Items))
	}

	if out.Video != nil && out.Video.URL != "" {
		return &VideoRef{URL: out.Video.URL}, nil
	}
	for _, a := range out.Artifacts {
		if a.Type != "video" {
			continue
		}
		if a.URL != "" {
			return &VideoRef{URL: a.URL}, nil
		}
		if a.Path != "" || a.Base64 != "" {
			return &VideoRef{Path: a.Path, Base64: a.Base64}, nil
		}
	}
	return nil, fmt.Errorf("job completed but no video artifact was found")
}
