package job

import (
	"fmt"
	"time"

	"github.com/kadobaba55/clipforge/internal/highlight"
)

// Category identifies which concurrency ceiling and waiting list a job
// belongs to. Immutable after creation.
type Category string

const (
	CategoryDownload Category = "download"
	CategoryAnalyze  Category = "analyze"
	CategoryRender   Category = "render"
	CategorySubtitle Category = "subtitle"
)

// ParseCategory validates a caller-supplied category string.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryDownload, CategoryAnalyze, CategoryRender, CategorySubtitle:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown job category %q", s)
}

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions can leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Job is the unit of trackable work.
type Job struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Status   Status   `json:"status"`
	// Progress is 0-100 and non-decreasing while processing.
	Progress int `json:"progress"`
	// QueuePosition is set only while Status is queued; 1 = next to run.
	QueuePosition int     `json:"queuePosition,omitempty"`
	Message       string  `json:"message,omitempty"`
	Result        *Result `json:"result,omitempty"`
	Error         string  `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Result is a tagged union keyed by category: exactly one variant is set,
// and it must match the job's category.
type Result struct {
	Download *DownloadResult `json:"download,omitempty"`
	Analyze  *AnalyzeResult  `json:"analyze,omitempty"`
	Render   *RenderResult   `json:"render,omitempty"`
	Subtitle *SubtitleResult `json:"subtitle,omitempty"`
}

// MatchesCategory reports whether the populated variant agrees with cat.
func (r *Result) MatchesCategory(cat Category) bool {
	if r == nil {
		return false
	}
	switch cat {
	case CategoryDownload:
		return r.Download != nil
	case CategoryAnalyze:
		return r.Analyze != nil
	case CategoryRender:
		return r.Render != nil
	case CategorySubtitle:
		return r.Subtitle != nil
	}
	return false
}

// DownloadResult describes a fetched source video.
type DownloadResult struct {
	VideoID   string  `json:"videoId"`
	VideoPath string  `json:"videoPath"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// AnalyzeResult carries the selected clip windows and how they were chosen.
type AnalyzeResult struct {
	// Method is "engagement" (heatmap) or "audio" (loudness fallback).
	Method        string             `json:"method"`
	TotalDuration float64            `json:"totalDuration"`
	Clips         []highlight.Window `json:"clips"`
	Warning       string             `json:"warning,omitempty"`
}

// RenderResult lists the rendered clip artifacts.
type RenderResult struct {
	OutputID string   `json:"outputId"`
	Clips    []string `json:"clips"`
}

// SubtitleSegment is one transcribed caption line.
type SubtitleSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SubtitleResult describes the transcription and optional burned output.
type SubtitleResult struct {
	// Engine is the transcription engine that produced the segments.
	Engine       string            `json:"engine"`
	Segments     []SubtitleSegment `json:"segments,omitempty"`
	SegmentCount int               `json:"segmentCount"`
	OutputPath   string            `json:"outputPath,omitempty"`
}

// Patch is a partial update applied by Registry.Update. Nil fields are
// left untouched.
type Patch struct {
	Status        *Status
	Progress      *int
	QueuePosition *int // pointer to zero clears the position
	Message       *string
	Result        *Result
	Error         *string
}

// Ptr returns a pointer to v, for building Patch literals.
func Ptr[T any](v T) *T {
	return &v
}
