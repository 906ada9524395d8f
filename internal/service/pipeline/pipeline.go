package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/internal/executor"
	"github.com/kadobaba55/clipforge/internal/fileops"
	"github.com/kadobaba55/clipforge/internal/highlight"
	"github.com/kadobaba55/clipforge/internal/job"
	"github.com/kadobaba55/clipforge/internal/scheduler"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

const (
	probeTimeout        = time.Minute
	audioExtractTimeout = 2 * time.Minute
)

// VideoFetcher fetches source videos and metadata.
type VideoFetcher interface {
	Probe(ctx context.Context, url string) (executor.VideoInfo, error)
	Download(ctx context.Context, url, outputPath string, onProgress executor.ProgressFunc) error
}

// MediaTool probes, samples, renders and burns via ffmpeg.
type MediaTool interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	SampleLoudness(ctx context.Context, path string, videoDuration, clipDuration, interval float64) ([]highlight.LoudnessSample, error)
	RenderClip(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error
	ExtractAudio(ctx context.Context, inputPath, outputPath string) error
	BurnSubtitles(ctx context.Context, inputPath, srtPath, outputPath, forceStyle, watermark string) error
}

// Transcriber converts a wav into timed caption segments.
type Transcriber interface {
	Engine() string
	Transcribe(ctx context.Context, audioPath string) ([]executor.Segment, error)
}

// Service sequences the pipeline stages for admitted jobs, translating
// executor progress into registry updates. One goroutine per job; a job
// never runs more than one stage at a time.
type Service struct {
	cfg      *config.Config
	registry *job.Registry
	sched    *scheduler.Scheduler
	fetcher  VideoFetcher
	media    MediaTool
	cloud    Transcriber // preferred transcription engine; may be nil
	local    Transcriber
}

// New wires the orchestrator. cloud may be nil, in which case the local
// engine is used directly with no fallback step.
func New(cfg *config.Config, registry *job.Registry, sched *scheduler.Scheduler, fetcher VideoFetcher, media MediaTool, cloud, local Transcriber) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		sched:    sched,
		fetcher:  fetcher,
		media:    media,
		cloud:    cloud,
		local:    local,
	}
}

// DownloadRequest fetches a source video by URL.
type DownloadRequest struct {
	URL string
}

// ClipRange is one caller-selected cut, in seconds.
type ClipRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// AnalyzeRequest selects clip windows for a downloaded video. A non-empty
// Heatmap is preferred; loudness analysis is the fallback.
type AnalyzeRequest struct {
	VideoPath    string
	ClipCount    int
	ClipDuration float64
	Heatmap      []highlight.HeatmapPoint
}

// RenderRequest renders the given cuts into portrait clips.
type RenderRequest struct {
	VideoPath string
	Clips     []ClipRange
}

// SubtitleRequest transcribes a clip and optionally burns captions in.
type SubtitleRequest struct {
	VideoPath    string
	Burn         bool
	Style        string
	Font         string
	PrimaryColor string
}

// StartDownload submits the job and launches its stage sequence. The
// admission outcome is returned synchronously so the caller can report
// queue position without waiting for completion.
func (s *Service) StartDownload(id string, req DownloadRequest) scheduler.Admission {
	return s.start(id, job.CategoryDownload, func(ctx context.Context) (*job.Result, error) {
		return s.runDownload(ctx, id, req)
	})
}

// StartAnalyze submits an analysis job.
func (s *Service) StartAnalyze(id string, req AnalyzeRequest) scheduler.Admission {
	return s.start(id, job.CategoryAnalyze, func(ctx context.Context) (*job.Result, error) {
		return s.runAnalyze(ctx, id, req)
	})
}

// StartRender submits a render job.
func (s *Service) StartRender(id string, req RenderRequest) scheduler.Admission {
	return s.start(id, job.CategoryRender, func(ctx context.Context) (*job.Result, error) {
		return s.runRender(ctx, id, req)
	})
}

// StartSubtitle submits a subtitle job.
func (s *Service) StartSubtitle(id string, req SubtitleRequest) scheduler.Admission {
	return s.start(id, job.CategorySubtitle, func(ctx context.Context) (*job.Result, error) {
		return s.runSubtitle(ctx, id, req)
	})
}

type stageFunc func(ctx context.Context) (*job.Result, error)

func (s *Service) start(id string, cat job.Category, stage stageFunc) scheduler.Admission {
	admission := s.sched.Submit(id, cat)
	if !admission.Admitted {
		s.registry.Update(id, job.Patch{
			Message: job.Ptr(fmt.Sprintf("waiting for a free %s slot (position %d)", cat, admission.Position)),
		})
	}
	go s.execute(id, cat, stage)
	return admission
}

// execute drives one job to a terminal state. The slot is always released
// through Finish, on success, failure and panic alike. The terminal
// registry update runs before the release: Finish marks the promoted
// successor processing, and the finished job must already be terminal by
// then or a poller would count two processing jobs against the ceiling.
func (s *Service) execute(id string, cat job.Category, stage stageFunc) {
	// A queued job suspends here, without burning CPU, until a finishing
	// job promotes it. Queue wait is pure latency: the stage sequence
	// below is identical for immediately-admitted jobs.
	_ = s.sched.Wait(context.Background(), id)

	defer s.sched.Finish(id, cat)

	var result *job.Result
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("stage panic: %v", r)
			}
		}()
		result, runErr = stage(context.Background())
	}()

	if runErr != nil {
		logger.Errorf("%s job %s failed: %v", cat, id, runErr)
		s.registry.Update(id, job.Patch{
			Status: job.Ptr(job.StatusError),
			Error:  job.Ptr(runErr.Error()),
		})
		return
	}

	logger.Infof("%s job %s completed", cat, id)
	s.registry.Update(id, job.Patch{
		Status:   job.Ptr(job.StatusCompleted),
		Progress: job.Ptr(100),
		Result:   result,
	})
}

func (s *Service) runDownload(ctx context.Context, id string, req DownloadRequest) (*job.Result, error) {
	s.setMessage(id, "fetching video metadata")

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	info, err := s.fetcher.Probe(probeCtx, req.URL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("probe video: %w", err)
	}

	videoID := uuid.New().String()[:8]
	outputPath := filepath.Join(s.cfg.Media.VideosDir, videoID+".mp4")

	s.setMessage(id, "downloading: "+truncate(info.Title, 30))

	lastPct := 0
	onProgress := func(p executor.Progress) {
		pct := int(p.Percent)
		if pct < lastPct {
			return
		}
		lastPct = pct
		patch := job.Patch{Progress: job.Ptr(pct)}
		if p.ETA != "" {
			patch.Message = job.Ptr(fmt.Sprintf("downloading: %s (ETA %s)", truncate(info.Title, 30), p.ETA))
		}
		s.registry.Update(id, patch)
	}

	dlCtx, cancel := context.WithTimeout(ctx, s.cfg.Media.DownloadTimeout)
	defer cancel()
	if err := s.fetcher.Download(dlCtx, req.URL, outputPath, onProgress); err != nil {
		return nil, err
	}

	return &job.Result{Download: &job.DownloadResult{
		VideoID:   videoID,
		VideoPath: "/videos/" + videoID + ".mp4",
		Title:     info.Title,
		Duration:  info.Duration,
		Thumbnail: info.Thumbnail,
	}}, nil
}

func (s *Service) runAnalyze(ctx context.Context, id string, req AnalyzeRequest) (*job.Result, error) {
	inputPath, err := s.resolveMediaPath(req.VideoPath)
	if err != nil {
		return nil, err
	}

	opts := highlight.Options{ClipCount: req.ClipCount, ClipDuration: req.ClipDuration}
	if opts.ClipCount <= 0 {
		opts.ClipCount = s.cfg.Analyze.DefaultClipCount
	}
	if opts.ClipDuration <= 0 {
		opts.ClipDuration = s.cfg.Analyze.DefaultClipDuration
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Analyze.ProbeTimeout)
	videoDuration, err := s.media.ProbeDuration(probeCtx, inputPath)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("probe duration: %w", err)
	}

	var windows []highlight.Window
	method := "audio"
	warning := ""

	if len(req.Heatmap) > 0 {
		s.setMessage(id, "scoring engagement heatmap")
		windows = highlight.FromHeatmap(req.Heatmap, videoDuration, opts)
		if len(windows) > 0 {
			method = "engagement"
		} else {
			warning = "no usable engagement data, falling back to audio analysis"
		}
	}

	if len(windows) == 0 {
		// Hard fallback: the loudness signal replaces the heatmap
		// entirely, the two are never blended.
		s.setMessage(id, "sampling audio loudness")
		samples, err := s.media.SampleLoudness(ctx, inputPath, videoDuration, opts.ClipDuration, s.cfg.Analyze.SampleInterval)
		if err != nil {
			return nil, fmt.Errorf("sample loudness: %w", err)
		}
		windows = highlight.FromLoudness(samples, videoDuration, opts)
	}

	if windows == nil {
		windows = []highlight.Window{}
	}
	return &job.Result{Analyze: &job.AnalyzeResult{
		Method:        method,
		TotalDuration: videoDuration,
		Clips:         windows,
		Warning:       warning,
	}}, nil
}

func (s *Service) runRender(ctx context.Context, id string, req RenderRequest) (*job.Result, error) {
	inputPath, err := s.resolveMediaPath(req.VideoPath)
	if err != nil {
		return nil, err
	}

	outputID := uuid.New().String()[:8]
	total := len(req.Clips)
	clips := make([]string, 0, total)

	for i, clip := range req.Clips {
		duration := clip.End - clip.Start
		if duration <= 0 {
			return nil, fmt.Errorf("clip %d has non-positive duration", i+1)
		}

		s.setMessage(id, fmt.Sprintf("rendering clip %d/%d", i+1, total))

		name := fmt.Sprintf("%s_clip_%d.mp4", outputID, i+1)
		outputPath := filepath.Join(s.cfg.Media.OutputDir, name)

		completed := i
		onProgress := func(clipPct float64) {
			// Weighted average across all windows.
			global := (float64(completed)*100 + clipPct) / float64(total)
			s.registry.Update(id, job.Patch{Progress: job.Ptr(int(global))})
		}

		renderCtx, cancel := context.WithTimeout(ctx, s.cfg.Media.RenderTimeout)
		err := s.media.RenderClip(renderCtx, inputPath, outputPath, clip.Start, duration, onProgress)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("render clip %d/%d: %w", i+1, total, err)
		}

		clips = append(clips, "/output/"+name)
	}

	return &job.Result{Render: &job.RenderResult{
		OutputID: outputID,
		Clips:    clips,
	}}, nil
}

func (s *Service) runSubtitle(ctx context.Context, id string, req SubtitleRequest) (*job.Result, error) {
	inputPath, err := s.resolveMediaPath(req.VideoPath)
	if err != nil {
		return nil, err
	}

	s.setMessage(id, "extracting audio")
	audioPath := filepath.Join(s.cfg.Media.TempDir, id+".wav")
	extractCtx, cancel := context.WithTimeout(ctx, audioExtractTimeout)
	err = s.media.ExtractAudio(extractCtx, inputPath, audioPath)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	defer fileops.Remove(audioPath)

	segments, engine, err := s.transcribe(ctx, id, audioPath)
	if err != nil {
		return nil, err
	}
	segments = executor.NormalizeSegments(segments)

	result := &job.SubtitleResult{
		Engine:       engine,
		Segments:     toJobSegments(segments),
		SegmentCount: len(segments),
	}

	if req.Burn {
		s.setMessage(id, "burning captions")

		srtPath := filepath.Join(s.cfg.Media.TempDir, id+".srt")
		if err := os.WriteFile(srtPath, []byte(executor.BuildSRT(segments)), 0644); err != nil {
			return nil, fmt.Errorf("write srt: %w", err)
		}
		defer fileops.Remove(srtPath)

		style := req.Style
		if style == "" {
			style = s.cfg.Subtitle.Style
		}
		preset := executor.PresetByID(style)
		font := req.Font
		if font == "" {
			font = s.cfg.Subtitle.Font
		}
		color := req.PrimaryColor
		if color == "" {
			color = s.cfg.Subtitle.PrimaryColor
		}
		forceStyle := executor.BuildForceStyle(preset, font, color)

		name := id + "_subtitled.mp4"
		outputPath := filepath.Join(s.cfg.Media.OutputDir, name)

		burnCtx, cancel := context.WithTimeout(ctx, s.cfg.Media.BurnTimeout)
		err = s.media.BurnSubtitles(burnCtx, inputPath, srtPath, outputPath, forceStyle, s.cfg.Subtitle.WatermarkText)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("burn subtitles: %w", err)
		}
		result.OutputPath = "/output/" + name
	}

	return &job.Result{Subtitle: result}, nil
}

// transcribe prefers the cloud engine and retries exactly once with the
// local engine on failure. The cloud failure is a transient fallback
// condition, not a terminal error.
func (s *Service) transcribe(ctx context.Context, id, audioPath string) ([]executor.Segment, string, error) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.Transcribe.Timeout)
	defer cancel()

	if s.cloud != nil {
		s.setMessage(id, "transcribing ("+s.cloud.Engine()+")")
		segments, err := s.cloud.Transcribe(tctx, audioPath)
		if err == nil {
			return segments, s.cloud.Engine(), nil
		}
		logger.Warnf("job %s: %s transcription failed, retrying with %s: %v", id, s.cloud.Engine(), s.local.Engine(), err)
	}

	s.setMessage(id, "transcribing ("+s.local.Engine()+")")
	segments, err := s.local.Transcribe(tctx, audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("transcription failed: %w", err)
	}
	return segments, s.local.Engine(), nil
}

// resolveMediaPath maps an API-visible path like "/videos/abc.mp4" onto
// the configured directory, allowing only the base name through so
// callers cannot traverse outside the media dirs.
func (s *Service) resolveMediaPath(p string) (string, error) {
	trimmed := strings.TrimPrefix(p, "/")
	dir, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return "", fmt.Errorf("invalid media path %q", p)
	}

	base := filepath.Base(rest)
	if base != rest || base == "." || base == ".." {
		return "", fmt.Errorf("invalid media path %q", p)
	}

	var root string
	switch dir {
	case "videos":
		root = s.cfg.Media.VideosDir
	case "output":
		root = s.cfg.Media.OutputDir
	default:
		return "", fmt.Errorf("invalid media path %q", p)
	}

	full := filepath.Join(root, base)
	if !fileops.Exists(full) {
		return "", fmt.Errorf("video not found: %s", p)
	}
	return full, nil
}

func (s *Service) setMessage(id, message string) {
	s.registry.Update(id, job.Patch{Message: job.Ptr(message)})
}

func toJobSegments(segments []executor.Segment) []job.SubtitleSegment {
	out := make([]job.SubtitleSegment, len(segments))
	for i, seg := range segments {
		out[i] = job.SubtitleSegment{Start: seg.Start, End: seg.End, Text: seg.Text}
	}
	return out
}

// truncate shortens s to n runes; titles can be multibyte and a byte
// slice could cut a rune in half.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
