package handler

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/internal/highlight"
	"github.com/kadobaba55/clipforge/internal/job"
	"github.com/kadobaba55/clipforge/internal/scheduler"
	"github.com/kadobaba55/clipforge/internal/service/pipeline"
	"github.com/kadobaba55/clipforge/internal/version"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

// youtubeURLRe accepts watch, short-link and shorts URLs with an 11-char id.
var youtubeURLRe = regexp.MustCompile(`^https?://(www\.|m\.)?(youtube\.com/(watch\?v=|shorts/)|youtu\.be/)[\w-]{11}`)

// Handler exposes the pipeline over HTTP. Submissions are validated before
// any job is created, so malformed requests never enter the registry.
type Handler struct {
	cfg      *config.Config
	registry *job.Registry
	sched    *scheduler.Scheduler
	pipe     *pipeline.Service
	fetcher  pipeline.VideoFetcher
	health   *healthProbe

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates the HTTP handler.
func New(cfg *config.Config, registry *job.Registry, sched *scheduler.Scheduler, pipe *pipeline.Service, fetcher pipeline.VideoFetcher) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		sched:    sched,
		pipe:     pipe,
		fetcher:  fetcher,
		health:   newHealthProbe(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api/v1")

	submit := api.Group("", h.rateLimit())
	submit.POST("/download", h.submitDownload)
	submit.POST("/analyze", h.submitAnalyze)
	submit.POST("/render", h.submitRender)
	submit.POST("/subtitle", h.submitSubtitle)

	api.GET("/download/info", h.downloadInfo)
	api.GET("/status/:id", h.status)
	api.GET("/queue/stats", h.queueStats)
	api.GET("/health", h.healthCheck)
	api.GET("/version", h.version)
}

// rateLimit caps submissions per client IP. One limiter per IP, refilling
// at the configured hourly rate with a matching burst.
func (h *Handler) rateLimit() gin.HandlerFunc {
	perHour := h.cfg.Limits.SubmitPerHour
	return func(c *gin.Context) {
		if perHour <= 0 {
			c.Next()
			return
		}

		ip := c.ClientIP()
		h.limiterMu.Lock()
		limiter, ok := h.limiters[ip]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
			h.limiters[ip] = limiter
		}
		h.limiterMu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "submission rate limit exceeded, try again later",
			})
			return
		}
		c.Next()
	}
}

type downloadRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *Handler) submitDownload(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if !youtubeURLRe.MatchString(req.URL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a valid YouTube URL"})
		return
	}

	j := h.registry.Create(job.CategoryDownload)
	admission := h.pipe.StartDownload(j.ID, pipeline.DownloadRequest{URL: req.URL})
	h.accepted(c, j.ID, admission)
}

type analyzeRequest struct {
	VideoPath    string                   `json:"videoPath" binding:"required"`
	ClipCount    int                      `json:"clipCount"`
	ClipDuration float64                  `json:"clipDuration"`
	Heatmap      []highlight.HeatmapPoint `json:"heatmap"`
}

func (h *Handler) submitAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "videoPath is required"})
		return
	}
	if !validMediaPath(req.VideoPath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid videoPath"})
		return
	}
	if req.ClipCount < 0 || req.ClipCount > 20 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clipCount must be between 0 and 20 (0 uses the default)"})
		return
	}
	if req.ClipDuration < 0 || req.ClipDuration > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clipDuration must be between 0 and 180 seconds (0 uses the default)"})
		return
	}

	j := h.registry.Create(job.CategoryAnalyze)
	admission := h.pipe.StartAnalyze(j.ID, pipeline.AnalyzeRequest{
		VideoPath:    req.VideoPath,
		ClipCount:    req.ClipCount,
		ClipDuration: req.ClipDuration,
		Heatmap:      req.Heatmap,
	})
	h.accepted(c, j.ID, admission)
}

type renderRequest struct {
	VideoPath string               `json:"videoPath" binding:"required"`
	Clips     []pipeline.ClipRange `json:"clips" binding:"required"`
}

func (h *Handler) submitRender(c *gin.Context) {
	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "videoPath and clips are required"})
		return
	}
	if !validMediaPath(req.VideoPath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid videoPath"})
		return
	}
	if len(req.Clips) == 0 || len(req.Clips) > 20 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clips must contain between 1 and 20 entries"})
		return
	}
	for _, clip := range req.Clips {
		if clip.Start < 0 || clip.End <= clip.Start {
			c.JSON(http.StatusBadRequest, gin.H{"error": "each clip needs 0 <= start < end"})
			return
		}
	}

	j := h.registry.Create(job.CategoryRender)
	admission := h.pipe.StartRender(j.ID, pipeline.RenderRequest{
		VideoPath: req.VideoPath,
		Clips:     req.Clips,
	})
	h.accepted(c, j.ID, admission)
}

type subtitleRequest struct {
	VideoPath    string `json:"videoPath" binding:"required"`
	Burn         bool   `json:"burn"`
	Style        string `json:"style"`
	Font         string `json:"font"`
	PrimaryColor string `json:"primaryColor"`
}

func (h *Handler) submitSubtitle(c *gin.Context) {
	var req subtitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "videoPath is required"})
		return
	}
	if !validMediaPath(req.VideoPath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid videoPath"})
		return
	}

	j := h.registry.Create(job.CategorySubtitle)
	admission := h.pipe.StartSubtitle(j.ID, pipeline.SubtitleRequest{
		VideoPath:    req.VideoPath,
		Burn:         req.Burn,
		Style:        req.Style,
		Font:         req.Font,
		PrimaryColor: req.PrimaryColor,
	})
	h.accepted(c, j.ID, admission)
}

// accepted is the uniform submission response: the job id plus the
// synchronous admission outcome, so clients can show a queue position
// without polling first.
func (h *Handler) accepted(c *gin.Context, id string, admission scheduler.Admission) {
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":         id,
		"admitted":      admission.Admitted,
		"queuePosition": admission.Position,
	})
}

// downloadInfo probes video metadata synchronously, without creating a job.
func (h *Handler) downloadInfo(c *gin.Context) {
	url := c.Query("url")
	if !youtubeURLRe.MatchString(url) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a valid YouTube URL"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	info, err := h.fetcher.Probe(ctx, url)
	if err != nil {
		logger.Errorf("probe %s: %v", url, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not fetch video info"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         info.ID,
		"title":      info.Title,
		"duration":   info.Duration,
		"thumbnail":  info.Thumbnail,
		"channel":    info.Channel,
		"viewCount":  info.ViewCount,
		"hasHeatmap": len(info.Heatmap) > 0,
		"heatmap":    info.Heatmap,
	})
}

func (h *Handler) status(c *gin.Context) {
	j, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories":  h.sched.Stats(),
		"trackedJobs": h.registry.Len(),
	})
}

func (h *Handler) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "clipforge",
		"version": version.Version,
	})
}

// validMediaPath accepts "/videos/<name>" or "/output/<name>" with a plain
// file name, with or without the leading slash. Deep resolution happens in
// the pipeline; this is the cheap pre-job gate.
func validMediaPath(p string) bool {
	trimmed := strings.TrimPrefix(p, "/")
	dir, rest, found := strings.Cut(trimmed, "/")
	if !found || rest == "" {
		return false
	}
	if dir != "videos" && dir != "output" {
		return false
	}
	if strings.ContainsAny(rest, "/\\") || strings.Contains(rest, "..") {
		return false
	}
	return true
}
