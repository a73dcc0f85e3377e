package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string) (*Client, *[]time.Duration) {
	var slept []time.Duration
	c := New(baseURL, "test-key")
	c.sleep = func(d time.Duration) {
		slept = append(slept, d)
	}
	return c, &slept
}

func TestSubmit(t *testing.T) {
	var gotAuth string
	var gotBody map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/run" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id": "job-1", "status": "IN_QUEUE"}`))
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	resp, err := c.Submit(context.Background(), json.RawMessage(`{"prompt": "hi"}`))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if resp.ID != "job-1" {
		t.Fatalf("id = %s, want job-1", resp.ID)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if string(gotBody["input"]) != `{"prompt": "hi"}` {
		t.Fatalf("input not wrapped: %s", gotBody["input"])
	}
}

func TestRequestRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id": "job-1", "status": "COMPLETED", "progress": {"percent": 100}}`))
	}))
	defer server.Close()

	c, slept := newTestClient(server.URL)
	resp, err := c.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if resp.Status != "COMPLETED" {
		t.Fatalf("status = %s", resp.Status)
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
	// 指数バックオフ: 0.8s, 1.6s
	want := []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestRequestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	_, err := c.Status(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != maxAttempts {
		t.Fatalf("attempts = %d, want %d", calls.Load(), maxAttempts)
	}
	if !strings.Contains(err.Error(), "after 5 attempts") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code": "JOB_NOT_FOUND"}`))
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	_, err := c.Status(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Fatalf("attempts = %d, want 1 (4xx is not retryable)", calls.Load())
	}
}

func TestPollUntilCompleted(t *testing.T) {
	responses := []string{
		`{"id": "job-1", "status": "IN_QUEUE", "progress": {"percent": 0}}`,
		`{"id": "job-1", "status": "IN_PROGRESS", "progress": {"percent": 20, "stage": "generation_start"}}`,
		`{"id": "job-1", "status": "COMPLETED", "progress": {"percent": 100, "stage": "completed"}, "output": {"status": "success", "video": {"url": "https://cdn.example.com/out.mp4"}}}`,
	}
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		_, _ = w.Write([]byte(responses[i]))
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	var observed []string
	final, err := c.Poll(context.Background(), "job-1", func(resp *StatusResponse) {
		observed = append(observed, resp.Status)
	})
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if final.Status != "COMPLETED" {
		t.Fatalf("final status = %s", final.Status)
	}
	if len(observed) != 3 {
		t.Fatalf("observed = %v, want 3 updates", observed)
	}

	ref, err := PickVideo(final)
	if err != nil {
		t.Fatalf("PickVideo returned error: %v", err)
	}
	if ref.URL != "https://cdn.example.com/out.mp4" {
		t.Fatalf("url = %s", ref.URL)
	}
}

func TestPollStopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "job-1", "status": "IN_PROGRESS", "progress": {"percent": 20}}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(server.URL)
	c.sleep = func(time.Duration) { cancel() }

	_, err := c.Poll(ctx, "job-1", nil)
	if err == nil {
		t.Fatal("expected context error")
	}
	if ctx.Err() == nil {
		t.Fatal("context should be canceled")
	}
}

func TestPollInterval(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{60 * time.Second, 4 * time.Second},
		{120 * time.Second, 6 * time.Second},
		{10 * time.Minute, 6 * time.Second},
	}
	for _, tc := range cases {
		if got := pollInterval(tc.elapsed); got != tc.want {
			t.Fatalf("pollInterval(%v) = %v, want %v", tc.elapsed, got, tc.want)
		}
	}
}

func TestPickVideoFallsBackToArtifacts(t *testing.T) {
	resp := &StatusResponse{
		Status: "COMPLETED",
		Output: json.RawMessage(`{"status": "success", "artifacts": [{"type": "video", "path": "/tmp/out.mp4"}]}`),
	}
	ref, err := PickVideo(resp)
	if err != nil {
		t.Fatalf("PickVideo returned error: %v", err)
	}
	if ref.Path != "/tmp/out.mp4" {
		t.Fatalf("path = %s", ref.Path)
	}
}

func TestPickVideoReportsJobError(t *testing.T) {
	resp := &StatusResponse{
		Status: "FAILED",
		Output: json.RawMessage(`{"status": "error", "error": {"code": "E_OOM", "message": "CUDA out of memory"}}`),
	}
	_, err := PickVideo(resp)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "E_OOM: CUDA out of memory") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestPickVideoNonCompletedStatus(t *testing.T) {
	resp := &StatusResponse{Status: "FAILED"}
	_, err := PickVideo(resp)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "job ended with status=FAILED") {
		t.Fatalf("unexpected error message: %v", err)
	}
}
