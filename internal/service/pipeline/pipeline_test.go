package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/internal/executor"
	"github.com/kadobaba55/clipforge/internal/highlight"
	"github.com/kadobaba55/clipforge/internal/job"
	"github.com/kadobaba55/clipforge/internal/scheduler"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(true)
	os.Exit(m.Run())
}

type fakeFetcher struct {
	probeFn    func(ctx context.Context, url string) (executor.VideoInfo, error)
	downloadFn func(ctx context.Context, url, outputPath string, onProgress executor.ProgressFunc) error
}

func (f *fakeFetcher) Probe(ctx context.Context, url string) (executor.VideoInfo, error) {
	if f.probeFn != nil {
		return f.probeFn(ctx, url)
	}
	return executor.VideoInfo{ID: "vid", Title: "a test video", Duration: 120}, nil
}

func (f *fakeFetcher) Download(ctx context.Context, url, outputPath string, onProgress executor.ProgressFunc) error {
	if f.downloadFn != nil {
		return f.downloadFn(ctx, url, outputPath, onProgress)
	}
	return nil
}

type fakeMedia struct {
	probeDurationFn  func(ctx context.Context, path string) (float64, error)
	sampleLoudnessFn func(ctx context.Context, path string, videoDuration, clipDuration, interval float64) ([]highlight.LoudnessSample, error)
	renderClipFn     func(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error
	extractAudioFn   func(ctx context.Context, inputPath, outputPath string) error
	burnFn           func(ctx context.Context, inputPath, srtPath, outputPath, forceStyle, watermark string) error
}

func (f *fakeMedia) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if f.probeDurationFn != nil {
		return f.probeDurationFn(ctx, path)
	}
	return 120, nil
}

func (f *fakeMedia) SampleLoudness(ctx context.Context, path string, videoDuration, clipDuration, interval float64) ([]highlight.LoudnessSample, error) {
	if f.sampleLoudnessFn != nil {
		return f.sampleLoudnessFn(ctx, path, videoDuration, clipDuration, interval)
	}
	return []highlight.LoudnessSample{{Time: 10, MeanVolume: -12}}, nil
}

func (f *fakeMedia) RenderClip(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error {
	if f.renderClipFn != nil {
		return f.renderClipFn(ctx, inputPath, outputPath, start, duration, onProgress)
	}
	return nil
}

func (f *fakeMedia) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	if f.extractAudioFn != nil {
		return f.extractAudioFn(ctx, inputPath, outputPath)
	}
	return nil
}

func (f *fakeMedia) BurnSubtitles(ctx context.Context, inputPath, srtPath, outputPath, forceStyle, watermark string) error {
	if f.burnFn != nil {
		return f.burnFn(ctx, inputPath, srtPath, outputPath, forceStyle, watermark)
	}
	return nil
}

type fakeTranscriber struct {
	engine string
	fn     func(ctx context.Context, audioPath string) ([]executor.Segment, error)
}

func (f *fakeTranscriber) Engine() string { return f.engine }

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) ([]executor.Segment, error) {
	return f.fn(ctx, audioPath)
}

type fixture struct {
	cfg      *config.Config
	registry *job.Registry
	sched    *scheduler.Scheduler
	fetcher  *fakeFetcher
	media    *fakeMedia
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{}
	cfg.Media.VideosDir = filepath.Join(base, "videos")
	cfg.Media.OutputDir = filepath.Join(base, "output")
	cfg.Media.TempDir = filepath.Join(base, "temp")
	cfg.Media.DownloadTimeout = time.Minute
	cfg.Media.RenderTimeout = time.Minute
	cfg.Media.BurnTimeout = time.Minute
	cfg.Analyze.DefaultClipCount = 3
	cfg.Analyze.DefaultClipDuration = 30
	cfg.Analyze.SampleInterval = 5
	cfg.Analyze.ProbeTimeout = 30 * time.Second
	cfg.Transcribe.Timeout = time.Minute

	for _, dir := range []string{cfg.Media.VideosDir, cfg.Media.OutputDir, cfg.Media.TempDir} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}

	registry := job.NewRegistry(nil)
	return &fixture{
		cfg:      cfg,
		registry: registry,
		sched:    scheduler.New(registry, map[string]int{"download": 1, "analyze": 1, "render": 1, "subtitle": 1}),
		fetcher:  &fakeFetcher{},
		media:    &fakeMedia{},
	}
}

func (f *fixture) service(cloud, local Transcriber) *Service {
	return New(f.cfg, f.registry, f.sched, f.fetcher, f.media, cloud, local)
}

// seedVideo drops a placeholder source file and returns its API path.
func (f *fixture) seedVideo(t *testing.T, name string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.Media.VideosDir, name), []byte("x"), 0644))
	return "/videos/" + name
}

func waitTerminal(t *testing.T, registry *job.Registry, id string) job.Job {
	t.Helper()
	var got job.Job
	require.Eventually(t, func() bool {
		j, ok := registry.Get(id)
		if !ok {
			return false
		}
		got = j
		return j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestDownloadJobCompletes(t *testing.T) {
	f := newFixture(t)
	f.fetcher.downloadFn = func(ctx context.Context, url, outputPath string, onProgress executor.ProgressFunc) error {
		onProgress(executor.Progress{Percent: 50, ETA: "0:30"})
		onProgress(executor.Progress{Percent: 100})
		return nil
	}
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})

	j := f.registry.Create(job.CategoryDownload)
	adm := svc.StartDownload(j.ID, DownloadRequest{URL: "https://youtu.be/abc123def45"})
	assert.True(t, adm.Admitted)

	got := waitTerminal(t, f.registry, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	require.NotNil(t, got.Result.Download)
	assert.Equal(t, "a test video", got.Result.Download.Title)
	assert.Contains(t, got.Result.Download.VideoPath, "/videos/")
}

func TestDownloadFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.fetcher.downloadFn = func(ctx context.Context, url, outputPath string, onProgress executor.ProgressFunc) error {
		return errors.New("HTTP Error 403")
	}
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})

	j := f.registry.Create(job.CategoryDownload)
	svc.StartDownload(j.ID, DownloadRequest{URL: "https://youtu.be/abc123def45"})

	got := waitTerminal(t, f.registry, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Error, "403")
	assert.Nil(t, got.Result)
}

func TestRenderJobReportsGlobalProgress(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})
	path := f.seedVideo(t, "src.mp4")

	var midProgress int
	clipIndex := 0
	j := f.registry.Create(job.CategoryRender)
	f.media.renderClipFn = func(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error {
		clipIndex++
		onProgress(100)
		if clipIndex == 1 {
			// First of two clips fully rendered: global progress is 50.
			got, _ := f.registry.Get(j.ID)
			midProgress = got.Progress
		}
		return nil
	}

	svc.StartRender(j.ID, RenderRequest{
		VideoPath: path,
		Clips:     []ClipRange{{Start: 0, End: 10}, {Start: 20, End: 30}},
	})

	got := waitTerminal(t, f.registry, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 50, midProgress)
	require.NotNil(t, got.Result.Render)
	assert.Len(t, got.Result.Render.Clips, 2)
	assert.NotEmpty(t, got.Result.Render.OutputID)
}

func TestRenderFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})
	path := f.seedVideo(t, "src.mp4")

	f.media.renderClipFn = func(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error {
		return errors.New("encoder exploded")
	}

	j := f.registry.Create(job.CategoryRender)
	svc.StartRender(j.ID, RenderRequest{VideoPath: path, Clips: []ClipRange{{Start: 0, End: 10}}})

	got := waitTerminal(t, f.registry, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Error, "encoder exploded")

	// The slot must be free again for the next submission.
	require.Eventually(t, func() bool {
		return f.sched.Stats()[job.CategoryRender].Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPanicInStageIsTerminalError(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})
	path := f.seedVideo(t, "src.mp4")

	f.media.renderClipFn = func(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error {
		panic("unexpected nil")
	}

	j := f.registry.Create(job.CategoryRender)
	svc.StartRender(j.ID, RenderRequest{VideoPath: path, Clips: []ClipRange{{Start: 0, End: 10}}})

	got := waitTerminal(t, f.registry, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Error, "panic")

	require.Eventually(t, func() bool {
		return f.sched.Stats()[job.CategoryRender].Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessingCeilingHeldAcrossHandoff(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})
	path := f.seedVideo(t, "src.mp4")

	release := make(chan struct{})
	f.media.renderClipFn = func(ctx context.Context, inputPath, outputPath string, start, duration float64, onProgress func(float64)) error {
		<-release
		return nil
	}

	first := f.registry.Create(job.CategoryRender)
	adm := svc.StartRender(first.ID, RenderRequest{VideoPath: path, Clips: []ClipRange{{Start: 0, End: 10}}})
	require.True(t, adm.Admitted)
	require.Eventually(t, func() bool {
		got, _ := f.registry.Get(first.ID)
		return got.Status == job.StatusProcessing
	}, 2*time.Second, time.Millisecond)

	second := f.registry.Create(job.CategoryRender)
	adm = svc.StartRender(second.ID, RenderRequest{VideoPath: path, Clips: []ClipRange{{Start: 20, End: 30}}})
	require.False(t, adm.Admitted)

	// Poll both statuses across the handoff: the render limit is 1, so
	// at no observable instant may both jobs report processing.
	stop := make(chan struct{})
	violations := make(chan int, 1)
	go func() {
		count := 0
		for {
			select {
			case <-stop:
				violations <- count
				return
			default:
			}
			a, _ := f.registry.Get(first.ID)
			b, _ := f.registry.Get(second.ID)
			if a.Status == job.StatusProcessing && b.Status == job.StatusProcessing {
				count++
			}
		}
	}()

	close(release)
	waitTerminal(t, f.registry, first.ID)
	waitTerminal(t, f.registry, second.ID)
	close(stop)

	assert.Zero(t, <-violations, "finished job and promoted successor both reported processing")
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	got := truncate("ショート動画のタイトルが長い場合", 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "ショート動...", got)

	assert.Equal(t, "short", truncate("short", 30))
}

func TestUnknownVideoPathFailsJob(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})

	j := f.registry.Create(job.CategoryRender)
	svc.StartRender(j.ID, RenderRequest{VideoPath: "/videos/missing.mp4", Clips: []ClipRange{{Start: 0, End: 10}}})

	got := waitTerminal(t, f.registry, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Error, "not found")
}

func TestAnalyzeUsesHeatmap(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})
	path := f.seedVideo(t, "src.mp4")

	j := f.registry.Create(job.CategoryAnalyze)
	svc.StartAnalyze(j.ID, AnalyzeRequest{
		VideoPath:    path,
		ClipCount:    2,
		ClipDuration: 10,
		Heatmap: []highlight.HeatmapPoint{
			{StartTime: 10, EndTime: 15, Value: 0.95},
		},
	})

	got := waitTerminal(t, f.registry, j.ID)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.Result.Analyze)
	assert.Equal(t, "engagement", got.Result.Analyze.Method)
	assert.Empty(t, got.Result.Analyze.Warning)
	assert.Len(t, got.Result.Analyze.Clips, 1)
}

func TestAnalyzeFallsBackToLoudness(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil, &fakeTranscriber{engine: "whisper"})
	path := f.seedVideo(t, "src.mp4")

	f.media.probeDurationFn = func(ctx context.Context, p string) (float64, error) {
		return 20, nil
	}
	f.media.sampleLoudnessFn = func(ctx context.Context, p string, videoDuration, clipDuration, interval float64) ([]highlight.LoudnessSample, error) {
		return []highlight.LoudnessSample{{Time: 2, MeanVolume: -15}}, nil
	}

	j := f.registry.Create(job.CategoryAnalyze)
	// Anchor 16, duration 4: the only heatmap window starts at 14,
	// inside the near-end guard, so the heatmap yields nothing.
	svc.StartAnalyze(j.ID, AnalyzeRequest{
		VideoPath:    path,
		ClipCount:    1,
		ClipDuration: 4,
		Heatmap: []highlight.HeatmapPoint{
			{StartTime: 14, EndTime: 18, Value: 0.9},
		},
	})

	got := waitTerminal(t, f.registry, j.ID)
	require.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "audio", got.Result.Analyze.Method)
	assert.NotEmpty(t, got.Result.Analyze.Warning)
	assert.Len(t, got.Result.Analyze.Clips, 1)
}

func TestSubtitleFallsBackToLocalEngine(t *testing.T) {
	f := newFixture(t)
	path := f.seedVideo(t, "clip.mp4")

	cloud := &fakeTranscriber{
		engine: "deepgram",
		fn: func(ctx context.Context, audioPath string) ([]executor.Segment, error) {
			return nil, errors.New("502 bad gateway")
		},
	}
	local := &fakeTranscriber{
		engine: "whisper",
		fn: func(ctx context.Context, audioPath string) ([]executor.Segment, error) {
			return []executor.Segment{{Start: 0, End: 2, Text: "hello"}}, nil
		},
	}
	svc := f.service(cloud, local)

	j := f.registry.Create(job.CategorySubtitle)
	svc.StartSubtitle(j.ID, SubtitleRequest{VideoPath: path})

	got := waitTerminal(t, f.registry, j.ID)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.Result.Subtitle)
	assert.Equal(t, "whisper", got.Result.Subtitle.Engine)
	assert.Equal(t, 1, got.Result.Subtitle.SegmentCount)
	assert.Empty(t, got.Result.Subtitle.OutputPath)
}

func TestSubtitleBurnProducesOutput(t *testing.T) {
	f := newFixture(t)
	path := f.seedVideo(t, "clip.mp4")

	var gotStyle string
	f.media.burnFn = func(ctx context.Context, inputPath, srtPath, outputPath, forceStyle, watermark string) error {
		gotStyle = forceStyle
		return nil
	}

	local := &fakeTranscriber{
		engine: "whisper",
		fn: func(ctx context.Context, audioPath string) ([]executor.Segment, error) {
			return []executor.Segment{{Start: 0, End: 2, Text: "hello"}}, nil
		},
	}
	svc := f.service(nil, local)

	j := f.registry.Create(job.CategorySubtitle)
	svc.StartSubtitle(j.ID, SubtitleRequest{VideoPath: path, Burn: true, Style: "neon"})

	got := waitTerminal(t, f.registry, j.ID)
	require.Equal(t, job.StatusCompleted, got.Status)
	assert.Contains(t, got.Result.Subtitle.OutputPath, "_subtitled.mp4")
	assert.Contains(t, gotStyle, "FontSize=34")
}

func TestBothEnginesFailingIsTerminal(t *testing.T) {
	f := newFixture(t)
	path := f.seedVideo(t, "clip.mp4")

	failing := func(ctx context.Context, audioPath string) ([]executor.Segment, error) {
		return nil, errors.New("no speech found")
	}
	svc := f.service(
		&fakeTranscriber{engine: "deepgram", fn: failing},
		&fakeTranscriber{engine: "whisper", fn: failing},
	)

	j := f.registry.Create(job.CategorySubtitle)
	svc.StartSubtitle(j.ID, SubtitleRequest{VideoPath: path})

	got := waitTerminal(t, f.registry, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Error, "no speech found")
}
