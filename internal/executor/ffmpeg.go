package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/internal/highlight"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

// portraitPadFilter letterboxes any aspect ratio into 1080x1920.
const portraitPadFilter = "scale=1080:1920:force_original_aspect_ratio=decrease,pad=1080:1920:(ow-iw)/2:(oh-ih)/2:black"

// segmentProbeTimeout bounds each per-interval loudness probe.
const segmentProbeTimeout = 10 * time.Second

// FFmpeg wraps the ffmpeg/ffprobe binaries for probing, loudness
// sampling, clip rendering and caption burn-in.
type FFmpeg struct {
	cfg       config.MediaConfig
	extraArgs []string
}

// NewFFmpeg creates the executor. Extra encode args from config are split
// shell-style once up front; a malformed string is rejected here rather
// than on every encode.
func NewFFmpeg(cfg config.MediaConfig) (*FFmpeg, error) {
	var extra []string
	if cfg.ExtraEncodeArgs != "" {
		var err error
		extra, err = shlex.Split(cfg.ExtraEncodeArgs)
		if err != nil {
			return nil, fmt.Errorf("parse extra encode args: %w", err)
		}
	}
	return &FFmpeg{cfg: cfg, extraArgs: extra}, nil
}

// ProbeDuration returns the container duration in seconds.
func (f *FFmpeg) ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.cfg.FFprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return duration, nil
}

// SampleLoudness probes the mean volume of fixed-interval segments across
// [0, videoDuration - clipDuration). Segments whose probe fails fall back
// to the whole-file mean so a flaky probe never aborts analysis.
func (f *FFmpeg) SampleLoudness(ctx context.Context, path string, videoDuration, clipDuration, interval float64) ([]highlight.LoudnessSample, error) {
	overallMean, err := f.meanVolume(ctx, path, 0, 0)
	if err != nil {
		logger.Warnf("whole-file volume probe failed, assuming -20 dB: %v", err)
		overallMean = -20
	}

	var samples []highlight.LoudnessSample
	for t := 0.0; t < videoDuration-clipDuration; t += interval {
		segCtx, cancel := context.WithTimeout(ctx, segmentProbeTimeout)
		volume, segErr := f.meanVolume(segCtx, path, t, interval)
		cancel()
		if segErr != nil {
			volume = overallMean
		}
		samples = append(samples, highlight.LoudnessSample{Time: t, MeanVolume: volume})

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return samples, nil
}

// meanVolume runs a volumedetect pass. start/window of 0 probes the whole
// file. volumedetect reports on stderr and ffmpeg exits nonzero for a
// missing audio stream, so stderr is parsed even on error.
func (f *FFmpeg) meanVolume(ctx context.Context, path string, start, window float64) (float64, error) {
	args := []string{}
	if window > 0 {
		args = append(args, "-ss", formatSeconds(start), "-t", formatSeconds(window))
	}
	args = append(args, "-i", path, "-af", "volumedetect", "-vn", "-sn", "-dn", "-f", "null", "-")

	cmd := exec.CommandContext(ctx, f.cfg.FFmpegBin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if v, ok := parseMeanVolume(stderr.String()); ok {
		return v, nil
	}
	if runErr != nil {
		return 0, fmt.Errorf("volumedetect: %w", runErr)
	}
	return 0, fmt.Errorf("no mean_volume in volumedetect output")
}

// RenderClip cuts [start, start+duration) into a portrait 1080x1920 clip
// with fade in/out. When a face detector script is configured the crop is
// centered on the detected face; otherwise the frame is letterboxed.
// Encoder progress is reported to onProgress as 0-100.
func (f *FFmpeg) RenderClip(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error {
	vf := f.cropFilter(ctx, inputPath, start, duration)
	vf += fmt.Sprintf(",fade=t=in:st=0:d=0.5,fade=t=out:st=%s:d=0.5", formatSeconds(duration-0.5))

	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-i", inputPath,
		"-t", formatSeconds(duration),
		"-vf", vf,
		"-c:v", "libx264", "-preset", "ultrafast", "-crf", "26",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac", "-b:a", "128k", "-ac", "2", "-ar", "44100",
	}
	args = append(args, f.extraArgs...)
	args = append(args, outputPath)

	onLine := func(line string) {
		m := clockRe.FindStringSubmatch(line)
		if m == nil || onProgress == nil {
			return
		}
		current := parseFFmpegClock(m[1])
		onProgress(math.Min(current/duration*100, 100))
	}

	return f.runEncode(ctx, args, onLine)
}

// BurnSubtitles renders the SRT onto the video using the given ASS
// force_style. A non-empty watermark adds a translucent drawtext banner.
func (f *FFmpeg) BurnSubtitles(ctx context.Context, inputPath, srtPath, outputPath, forceStyle, watermark string) error {
	// The subtitles filter wants forward slashes and escaped colons.
	escaped := strings.ReplaceAll(srtPath, "\\", "/")
	escaped = strings.ReplaceAll(escaped, ":", "\\:")

	vf := fmt.Sprintf("subtitles='%s':force_style='%s'", escaped, forceStyle)
	if watermark != "" {
		vf += fmt.Sprintf(",drawtext=text='%s':x=(w-text_w)/2:y=h-60:fontsize=36:fontcolor=white@0.8:box=1:boxcolor=black@0.6:boxborderw=10", watermark)
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-vf", vf,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "copy",
	}
	args = append(args, f.extraArgs...)
	args = append(args, outputPath)

	return f.runEncode(ctx, args, nil)
}

// ExtractAudio writes a 16 kHz mono PCM wav, the format the transcription
// engines expect.
func (f *FFmpeg) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		outputPath,
	}
	return f.runEncode(ctx, args, nil)
}

// cropFilter asks the optional face detector where to center the portrait
// crop. Any detector failure falls back to the letterbox filter.
func (f *FFmpeg) cropFilter(ctx context.Context, inputPath string, start, duration float64) string {
	if f.cfg.FaceDetectScript == "" {
		return portraitPadFilter
	}

	detectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(detectCtx, "python3", f.cfg.FaceDetectScript,
		inputPath, formatSeconds(start), formatSeconds(duration))
	out, err := cmd.Output()
	if err != nil {
		logger.Debugf("face detection failed, using pad filter: %v", err)
		return portraitPadFilter
	}

	var detection struct {
		Found  bool    `json:"found"`
		AvgX   float64 `json:"avg_x"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := json.Unmarshal(out, &detection); err != nil || !detection.Found || detection.Height == 0 {
		return portraitPadFilter
	}

	scaledWidth := math.Ceil(detection.Width / detection.Height * 1920)
	cropX := math.Round(detection.AvgX*scaledWidth - 1080.0/2)
	cropX = math.Max(0, math.Min(scaledWidth-1080, cropX))
	return fmt.Sprintf("scale=-1:1920,crop=1080:1920:%d:0", int(cropX))
}

// runEncode runs ffmpeg streaming stderr through onLine, and returns a
// reason mined from the tail of stderr on failure.
func (f *FFmpeg) runEncode(ctx context.Context, args []string, onLine func(string)) error {
	logger.Debugf("running %s %v", f.cfg.FFmpegBin, args)
	cmd := exec.CommandContext(ctx, f.cfg.FFmpegBin, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	var stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go streamLines(&wg, stderrPipe, &stderrBuf, onLine)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg timed out: %w", ctx.Err())
		}
		tail := stderrBuf.String()
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		return fmt.Errorf("ffmpeg failed: %w\n%s", err, tail)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
