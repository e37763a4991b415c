// Package main is the Capture Worker (spec.md §4.1): a long-lived child
// process that owns one RTSP session, drives ffmpeg as its own child, and
// emits a length-delimited stream of tagged IPC messages on stdout for its
// owning Capture Actor to read.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/exopticon/exopticon/internal/ipc"
)

func main() {
	var (
		streamURL  = flag.String("stream-url", "", "RTSP source URL")
		outputRoot = flag.String("output-root", "", "directory segment files are written under")
		hwaccel    = flag.String("hwaccel", "", "hardware acceleration method tag, forwarded opaquely to ffmpeg")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "captureworker")

	if *streamURL == "" || *outputRoot == "" {
		logger.Error("missing required flags", "stream_url_set", *streamURL != "", "output_root_set", *outputRoot != "")
		os.Exit(2)
	}

	w := NewWorker(Config{
		StreamURL:  *streamURL,
		OutputRoot: *outputRoot,
		HWAccel:    *hwaccel,
	}, ipc.NewWriter(os.Stdout), logger)

	if err := w.Run(); err != nil {
		logger.Error("capture worker exited", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
