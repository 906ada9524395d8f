package handler

import (
	"net/http"
	"os/exec"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// healthProbe reports process health plus system load. Tool availability
// is checked once at startup; cpu/mem/disk are sampled per request.
type healthProbe struct {
	startedAt time.Time
	tools     map[string]bool
}

func newHealthProbe() *healthProbe {
	return &healthProbe{
		startedAt: time.Now(),
		tools: map[string]bool{
			"ffmpeg":  toolAvailable("ffmpeg"),
			"ffprobe": toolAvailable("ffprobe"),
			"yt-dlp":  toolAvailable("yt-dlp"),
		},
	}
}

func toolAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func (h *Handler) healthCheck(c *gin.Context) {
	status := "ok"
	for _, available := range h.health.tools {
		if !available {
			status = "degraded"
		}
	}

	system := gin.H{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		system["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memPercent"] = vm.UsedPercent
	}
	if du, err := disk.Usage(h.cfg.Media.OutputDir); err == nil {
		system["diskPercent"] = du.UsedPercent
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"uptimeSeconds": int(time.Since(h.health.startedAt).Seconds()),
		"tools":         h.health.tools,
		"system":        system,
	})
}
