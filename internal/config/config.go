package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Media      MediaConfig      `mapstructure:"media"`
	Analyze    AnalyzeConfig    `mapstructure:"analyze"`
	Transcribe TranscribeConfig `mapstructure:"transcribe"`
	Subtitle   SubtitleConfig   `mapstructure:"subtitle"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig sets the per-category concurrency ceilings. Each category
// gets its own ceiling because the bottleneck resources differ: download is
// network bound, render is CPU bound, transcription hits a rate-limited API.
type SchedulerConfig struct {
	DownloadLimit int `mapstructure:"download_limit"`
	AnalyzeLimit  int `mapstructure:"analyze_limit"`
	RenderLimit   int `mapstructure:"render_limit"`
	SubtitleLimit int `mapstructure:"subtitle_limit"`
}

type MediaConfig struct {
	// VideosDir receives downloaded source videos.
	VideosDir string `mapstructure:"videos_dir"`
	// OutputDir receives rendered and subtitled clips.
	OutputDir string `mapstructure:"output_dir"`
	// TempDir holds intermediate artifacts (wav, srt).
	TempDir string `mapstructure:"temp_dir"`

	FFmpegBin  string `mapstructure:"ffmpeg_bin"`
	FFprobeBin string `mapstructure:"ffprobe_bin"`
	YtdlpBin   string `mapstructure:"ytdlp_bin"`

	// ExtraEncodeArgs is a shell-style string of additional ffmpeg args
	// appended to every encode, e.g. "-threads 2".
	ExtraEncodeArgs string `mapstructure:"extra_encode_args"`

	// FaceDetectScript, when set, is run per clip to center the portrait
	// crop on the dominant face. Best-effort; render falls back to pad.
	FaceDetectScript string `mapstructure:"face_detect_script"`

	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	RenderTimeout   time.Duration `mapstructure:"render_timeout"`
	BurnTimeout     time.Duration `mapstructure:"burn_timeout"`
}

type AnalyzeConfig struct {
	// DefaultClipCount and DefaultClipDuration apply when the caller omits them.
	DefaultClipCount    int     `mapstructure:"default_clip_count"`
	DefaultClipDuration float64 `mapstructure:"default_clip_duration"`
	// SampleInterval is the spacing of loudness probes in seconds.
	SampleInterval float64       `mapstructure:"sample_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

type TranscribeConfig struct {
	// DeepgramAPIKey enables the cloud engine. Empty key means local only.
	DeepgramAPIKey string `mapstructure:"deepgram_api_key"`
	DeepgramModel  string `mapstructure:"deepgram_model"`

	// WhisperModel: "tiny", "base", "small", "medium".
	WhisperModel  string `mapstructure:"whisper_model"`
	WhisperScript string `mapstructure:"whisper_script"`
	Language      string `mapstructure:"language"`

	Timeout time.Duration `mapstructure:"timeout"`
}

type SubtitleConfig struct {
	// Style selects a preset: "classic", "neon" or "box".
	Style         string `mapstructure:"style"`
	Font          string `mapstructure:"font"`
	PrimaryColor  string `mapstructure:"primary_color"`
	WatermarkText string `mapstructure:"watermark_text"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type LimitsConfig struct {
	// SubmitPerHour caps job submissions per client IP (0 = no limit).
	SubmitPerHour int `mapstructure:"submit_per_hour"`
}

type CleanupConfig struct {
	// Retention is how long terminal jobs stay queryable after their last update.
	Retention time.Duration `mapstructure:"retention"`
	// SweepInterval is how often the registry sweep and file cleanup run.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// FileMaxAge is how long rendered artifacts survive on disk.
	FileMaxAge time.Duration `mapstructure:"file_max_age"`
}

// Limits returns the category ceiling map, substituting 1 for unset values.
func (s SchedulerConfig) Limits() map[string]int {
	limits := map[string]int{
		"download": s.DownloadLimit,
		"analyze":  s.AnalyzeLimit,
		"render":   s.RenderLimit,
		"subtitle": s.SubtitleLimit,
	}
	for cat, limit := range limits {
		if limit < 1 {
			limits[cat] = 1
		}
	}
	return limits
}

// Load reads configuration from the given YAML file plus CLIPFORGE_* env vars.
func Load(path string) (*Config, error) {
	vp := viper.New()

	vp.SetDefault("server.port", 8080)

	vp.SetDefault("scheduler.download_limit", 2)
	vp.SetDefault("scheduler.analyze_limit", 2)
	vp.SetDefault("scheduler.render_limit", 1)
	vp.SetDefault("scheduler.subtitle_limit", 1)

	vp.SetDefault("media.videos_dir", "data/videos")
	vp.SetDefault("media.output_dir", "data/output")
	vp.SetDefault("media.temp_dir", "data/temp")
	vp.SetDefault("media.ffmpeg_bin", "ffmpeg")
	vp.SetDefault("media.ffprobe_bin", "ffprobe")
	vp.SetDefault("media.ytdlp_bin", "yt-dlp")
	vp.SetDefault("media.download_timeout", "10m")
	vp.SetDefault("media.render_timeout", "10m")
	vp.SetDefault("media.burn_timeout", "5m")

	vp.SetDefault("analyze.default_clip_count", 3)
	vp.SetDefault("analyze.default_clip_duration", 30.0)
	vp.SetDefault("analyze.sample_interval", 5.0)
	vp.SetDefault("analyze.probe_timeout", "30s")

	vp.SetDefault("transcribe.deepgram_model", "nova-2")
	vp.SetDefault("transcribe.whisper_model", "tiny")
	vp.SetDefault("transcribe.whisper_script", "scripts/transcribe_json.py")
	vp.SetDefault("transcribe.language", "en")
	vp.SetDefault("transcribe.timeout", "10m")

	vp.SetDefault("subtitle.style", "classic")

	vp.SetDefault("limits.submit_per_hour", 10)

	vp.SetDefault("cleanup.retention", "1h")
	vp.SetDefault("cleanup.sweep_interval", "10m")
	vp.SetDefault("cleanup.file_max_age", "24h")

	if path != "" {
		vp.SetConfigFile(path)
		vp.SetConfigType("yaml")
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	vp.SetEnvPrefix("CLIPFORGE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
