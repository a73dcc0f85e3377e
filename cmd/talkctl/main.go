// Package main は生成ジョブを投入して完了まで見届けるCLIです。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourusername/talkforge/internal/client"
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8080", "API server base URL")
		apiKey      = flag.String("api-key", os.Getenv("TALKFORGE_API_KEY"), "API key (defaults to TALKFORGE_API_KEY)")
		payloadPath = flag.String("input", "", "path to JSON payload file (the input object)")
		noWait      = flag.Bool("no-wait", false, "submit only; do not poll for completion")
	)
	flag.Parse()

	if *payloadPath == "" {
		fmt.Fprintln(os.Stderr, "error: -input is required")
		flag.Usage()
		os.Exit(2)
	}

	input, err := os.ReadFile(*payloadPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to read payload: %v\n", err)
		os.Exit(1)
	}
	if !json.Valid(input) {
		fmt.Fprintln(os.Stderr, "error: payload file is not valid JSON")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*baseURL, *apiKey)

	submitted, err := c.Submit(ctx, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: submit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("job %s submitted (%s)\n", submitted.ID, submitted.Status)

	if *noWait {
		return
	}

	lastPercent := -1
	final, err := c.Poll(ctx, submitted.ID, func(resp *client.StatusResponse) {
		if resp.Progress.Percent != lastPercent {
			lastPercent = resp.Progress.Percent
			fmt.Printf("  %3d%%  %s\n", resp.Progress.Percent, resp.Progress.Stage)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: polling failed: %v\n", err)
		os.Exit(1)
	}

	video, err := client.PickVideo(final)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		// バッチや詳細確認向けに出力全体も残す
		if len(final.Output) > 0 {
			fmt.Fprintln(os.Stderr, string(final.Output))
		}
		os.Exit(1)
	}

	switch {
	case video.URL != "":
		fmt.Printf("video: %s\n", video.URL)
	case video.Path != "":
		fmt.Printf("video (local path on worker): %s\n", video.Path)
	case video.Base64 != "":
		fmt.Printf("video: inline base64 (%d bytes encoded)\n", len(video.Base64))
	}
}
