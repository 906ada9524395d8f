package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/internal/highlight"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

// Downloader fetches source videos and metadata via yt-dlp.
type Downloader struct {
	cfg config.MediaConfig
}

// NewDownloader creates a Downloader executor.
func NewDownloader(cfg config.MediaConfig) *Downloader {
	return &Downloader{cfg: cfg}
}

// VideoInfo is the probe metadata returned without downloading.
type VideoInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Channel   string  `json:"channel"`
	ViewCount int64   `json:"view_count"`

	Heatmap []highlight.HeatmapPoint `json:"heatmap"`
}

// Progress is a fractional download progress report.
type Progress struct {
	Percent float64
	ETA     string
}

// ProgressFunc receives streamed progress updates during a download.
type ProgressFunc func(Progress)

// Probe fetches video metadata, including the engagement heatmap when the
// platform exposes one.
func (d *Downloader) Probe(ctx context.Context, url string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, d.cfg.YtdlpBin, "--dump-json", "--no-warnings", url)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return VideoInfo{}, fmt.Errorf("probe failed: %s", firstErrorLine(string(exitErr.Stderr)))
		}
		return VideoInfo{}, fmt.Errorf("probe: %w", err)
	}

	var info VideoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return VideoInfo{}, fmt.Errorf("parse probe output: %w", err)
	}
	return info, nil
}

// Download fetches the video to outputPath, capped at 1080p and merged to
// mp4. Percent/ETA lines from yt-dlp are forwarded to onProgress.
func (d *Downloader) Download(ctx context.Context, url, outputPath string, onProgress ProgressFunc) error {
	args := []string{
		"-f", "bestvideo[height<=1080]+bestaudio/best[height<=1080]",
		"--merge-output-format", "mp4",
		"-o", outputPath,
		"--newline",
		"--no-colors",
		url,
	}

	logger.Debugf("running %s %v", d.cfg.YtdlpBin, args)
	cmd := exec.CommandContext(ctx, d.cfg.YtdlpBin, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	parseLine := func(line string) {
		m := percentRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		percent, parseErr := strconv.ParseFloat(m[1], 64)
		if parseErr != nil || percent <= 0 || percent > 100 {
			return
		}
		p := Progress{Percent: percent}
		if eta := etaRe.FindStringSubmatch(line); eta != nil {
			p.ETA = eta[1]
		}
		if onProgress != nil {
			onProgress(p)
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdoutPipe, &stdoutBuf, parseLine)
	go streamLines(&wg, stderrPipe, &stderrBuf, parseLine)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start download: %w", err)
	}
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("download timed out: %w", ctx.Err())
		}
		return fmt.Errorf("download failed: %s", firstErrorLine(stderrBuf.String()))
	}
	return nil
}
