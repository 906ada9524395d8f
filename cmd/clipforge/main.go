package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kadobaba55/clipforge/internal/client/telegram"
	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/internal/executor"
	"github.com/kadobaba55/clipforge/internal/fileops"
	"github.com/kadobaba55/clipforge/internal/handler"
	"github.com/kadobaba55/clipforge/internal/job"
	"github.com/kadobaba55/clipforge/internal/scheduler"
	"github.com/kadobaba55/clipforge/internal/service/pipeline"
	"github.com/kadobaba55/clipforge/internal/version"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

func main() {
	isDev := os.Getenv("ENV") != "production"
	logger.Init(isDev)
	defer logger.Sync()

	version.PrintBanner(os.Stdout)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	for _, dir := range []string{cfg.Media.VideosDir, cfg.Media.OutputDir, cfg.Media.TempDir} {
		if err := fileops.EnsureDir(dir); err != nil {
			logger.Fatalf("create %s: %v", dir, err)
		}
	}

	var notifier job.FailureNotifier
	if tg := telegram.NewClient(cfg.Telegram); tg != nil {
		notifier = tg
		logger.Info("telegram failure notifications enabled")
	}

	registry := job.NewRegistry(notifier)
	sched := scheduler.New(registry, cfg.Scheduler.Limits())

	downloader := executor.NewDownloader(cfg.Media)
	ffmpeg, err := executor.NewFFmpeg(cfg.Media)
	if err != nil {
		logger.Fatalf("ffmpeg setup: %v", err)
	}

	var cloud pipeline.Transcriber
	if dg := executor.NewDeepgram(cfg.Transcribe); dg != nil {
		cloud = dg
		logger.Info("deepgram transcription enabled")
	}
	local := executor.NewWhisper(cfg.Transcribe)

	pipe := pipeline.New(cfg, registry, sched, downloader, ffmpeg, cloud, local)

	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := handler.New(cfg, registry, sched, pipe, downloader)
	h.Register(router)

	router.Static("/videos", cfg.Media.VideosDir)
	router.Static("/output", cfg.Media.OutputDir)

	stopSweeper := make(chan struct{})
	go sweepLoop(cfg, registry, stopSweeper)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Infof("clipforge listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	close(stopSweeper)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

// sweepLoop periodically drops old terminal jobs from the registry and
// deletes aged artifacts from disk.
func sweepLoop(cfg *config.Config, registry *job.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(cfg.Cleanup.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			registry.Sweep(cfg.Cleanup.Retention)
			fileops.CleanupOldFiles(
				[]string{cfg.Media.OutputDir, cfg.Media.TempDir},
				cfg.Cleanup.FileMaxAge,
			)
		case <-stop:
			return
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Infof("%s %s %d %s",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Round(time.Millisecond),
		)
	}
}
