// Package storage は入力メディアの取得と成果物の配送を提供します。
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultFetchRetries = 3
	defaultFetchBackoff = 1500 * time.Millisecond
	defaultFetchTimeout = 30 * time.Second
	deliverTimeout      = 120 * time.Second
)

// ErrChecksumMismatch はダウンロード完了後のSHA-256検証に失敗したことを表します。
// 破損ファイルを黙って受け入れることはありません。
var ErrChecksumMismatch = errors.New("checksum mismatch for downloaded file")

// FetchResult は取得済み入力のメタデータです。
type FetchResult struct {
	Path    string
	Bytes   int64
	MIME    string
	FromURL string
}

// Transfer はリトライ付きの取得・配送クライアントです。
type Transfer struct {
	client  *http.Client
	retries int
	backoff time.Duration
	sleep   func(time.Duration)
}

// NewTransfer は Transfer を作成します。client が nil の場合は
// 既定タイムアウト付きのクライアントを使用します。
func NewTransfer(client *http.Client) *Transfer {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Transfer{
		client:  client,
		retries: defaultFetchRetries,
		backoff: defaultFetchBackoff,
		sleep:   time.Sleep,
	}
}

// Fetch は参照をローカルファイルへ解決します。
// 受け付ける参照:
//   - 既存ローカルパス（コピーせずそのまま返す）
//   - base64（data URL または素のbase64）
//   - http(s) URL（ストリーミングダウンロード、線形バックオフ付きリトライ）
//
// wantSHA256 が指定された場合、完全なダウンロード後に検証します。
func (t *Transfer) Fetch(ctx context.Context, ref, workdir, nameHint, wantSHA256 string) (*FetchResult, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty input reference")
	}

	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return &FetchResult{Path: ref, Bytes: info.Size()}, nil
	}

	if isBase64Payload(ref) {
		return decodeBase64ToFile(ref, workdir, nameHint)
	}

	parsed, err := url.Parse(ref)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("unsupported input reference; must be http(s) URL, base64, or existing local path")
	}

	var lastErr error
	for attempt := 1; attempt <= t.retries; attempt++ {
		res, err := t.download(ctx, ref, parsed, workdir, nameHint, wantSHA256)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == t.retries {
			break
		}
		t.sleep(t.backoff * time.Duration(attempt))
	}
	return nil, lastErr
}

func (t *Transfer) download(ctx context.Context, ref string, parsed *url.URL, workdir, nameHint, wantSHA256 string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download failed with status %d for %s", resp.StatusCode, ref)
	}

	mime := resp.Header.Get("Content-Type")
	name := nameHint
	if name == "" {
		name = path.Base(parsed.Path)
	}
	if name == "" || name == "/" || name == "." {
		name = "blob"
	}
	if filepath.Ext(name) == "" {
		name += mimeToExt(mime)
	}

	if err := os.MkdirAll(workdir, 0o750); err != nil {
		return nil, err
	}
	outPath := filepath.Join(workdir, name)
	file, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, err
	}

	hash := sha256.New()
	total, err := io.Copy(io.MultiWriter(file, hash), resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}

	if wantSHA256 != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if got != strings.ToLower(wantSHA256) {
			return nil, fmt.Errorf("%w: got %s", ErrChecksumMismatch, got)
		}
	}

	return &FetchResult{Path: outPath, Bytes: total, MIME: mime, FromURL: ref}, nil
}

// Deliver はローカルファイルを事前承認済みURLへ HTTP PUT で配送します。
// 最終配送の再実行可否は呼び出し側のポリシーに委ねるため、ここでは
// リトライしません。2xx以外のステータスはハードエラーです。
func (t *Transfer) Deliver(ctx context.Context, localPath, destination, contentType string) (int, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, destination, file)
	if err != nil {
		return 0, err
	}
	req.ContentLength = info.Size()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("upload to presigned URL failed with status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func isBase64Payload(s string) bool {
	if strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,") {
		return true
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

func decodeBase64ToFile(data, workdir, nameHint string) (*FetchResult, error) {
	if nameHint == "" {
		nameHint = "blob"
	}

	var (
		content []byte
		mime    string
		err     error
	)
	if strings.HasPrefix(data, "data:") && strings.Contains(data, ";base64,") {
		header, b64, _ := strings.Cut(data, ",")
		mime = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		content, err = base64.StdEncoding.DecodeString(b64)
	} else {
		content, err = base64.StdEncoding.DecodeString(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	if mime == "" {
		mime = mimetype.Detect(content).String()
	}

	if err := os.MkdirAll(workdir, 0o750); err != nil {
		return nil, err
	}
	name := nameHint
	if filepath.Ext(name) == "" {
		name += mimeToExt(mime)
	}
	outPath := filepath.Join(workdir, name)
	if err := os.WriteFile(outPath, content, 0o640); err != nil {
		return nil, err
	}
	return &FetchResult{Path: outPath, Bytes: int64(len(content)), MIME: mime}, nil
}

func mimeToExt(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(mime) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/flac":
		return ".flac"
	case "audio/ogg":
		return ".ogg"
	default:
		return ""
	}
}
