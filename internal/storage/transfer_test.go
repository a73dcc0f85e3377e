package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestTransfer() (*Transfer, *[]time.Duration) {
	var slept []time.Duration
	t := NewTransfer(nil)
	t.sleep = func(d time.Duration) {
		slept = append(slept, d)
	}
	return t, &slept
}

func TestFetchLocalPathPassthrough(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.mp4")
	if err := os.WriteFile(src, []byte("video"), 0o640); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	tr, _ := newTestTransfer()
	res, err := tr.Fetch(context.Background(), src, dir, "cond_video", "")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if res.Path != src {
		t.Fatalf("path = %s, want passthrough %s", res.Path, src)
	}
	if res.Bytes != 5 {
		t.Fatalf("bytes = %d, want 5", res.Bytes)
	}
}

func TestFetchDataURL(t *testing.T) {
	payload := []byte("RIFF....WAVEfmt ")
	ref := "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(payload)

	tr, _ := newTestTransfer()
	dir := t.TempDir()
	res, err := tr.Fetch(context.Background(), ref, dir, "p1", "")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if res.MIME != "audio/wav" {
		t.Fatalf("mime = %s, want audio/wav", res.MIME)
	}
	if filepath.Ext(res.Path) != ".wav" {
		t.Fatalf("expected .wav extension, got %s", res.Path)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("failed to read decoded file: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("decoded content mismatch: %q", data)
	}
}

func TestFetchHTTPRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4data"))
	}))
	defer server.Close()

	tr, slept := newTestTransfer()
	res, err := tr.Fetch(context.Background(), server.URL+"/input", t.TempDir(), "cond_video", "")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
	if res.Bytes != 7 {
		t.Fatalf("bytes = %d, want 7", res.Bytes)
	}
	// 線形バックオフ: 1.5s, 3.0s
	want := []time.Duration{1500 * time.Millisecond, 3000 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestFetchHTTPExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr, _ := newTestTransfer()
	_, err := tr.Fetch(context.Background(), server.URL+"/input", t.TempDir(), "cond_video", "")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("corrupted"))
	}))
	defer server.Close()

	tr, _ := newTestTransfer()
	wrong := hex.EncodeToString(sha256.New().Sum(nil))
	_, err := tr.Fetch(context.Background(), server.URL+"/input", t.TempDir(), "cond_video", wrong)
	if err == nil {
		t.Fatal("expected checksum error")
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestFetchChecksumMatch(t *testing.T) {
	body := []byte("verified-content")
	sum := sha256.Sum256(body)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer server.Close()

	tr, _ := newTestTransfer()
	res, err := tr.Fetch(context.Background(), server.URL+"/input", t.TempDir(), "cond_video", hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if res.Bytes != int64(len(body)) {
		t.Fatalf("bytes = %d, want %d", res.Bytes, len(body))
	}
}

func TestFetchRejectsUnsupportedRef(t *testing.T) {
	tr, _ := newTestTransfer()
	_, err := tr.Fetch(context.Background(), "ftp://example.com/file", t.TempDir(), "x", "")
	if err == nil {
		t.Fatal("expected error for unsupported reference")
	}
}

func TestDeliverPut(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(src, []byte("mp4data"), 0o640); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	var gotMethod, gotContentType string
	var gotLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotLength = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr, _ := newTestTransfer()
	status, err := tr.Deliver(context.Background(), src, server.URL+"/put", "video/mp4")
	if err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("method = %s, want PUT", gotMethod)
	}
	if gotContentType != "video/mp4" {
		t.Fatalf("content-type = %s", gotContentType)
	}
	if gotLength != 7 {
		t.Fatalf("content-length = %d, want 7", gotLength)
	}
}

func TestDeliverNon2xxIsHardError(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(src, []byte("mp4data"), 0o640); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	tr, _ := newTestTransfer()
	status, err := tr.Deliver(context.Background(), src, server.URL+"/put", "video/mp4")
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	// 最終配送はリトライしない
	if calls.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", calls.Load())
	}
}
