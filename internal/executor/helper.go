package executor

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	percentRe    = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)
	etaRe        = regexp.MustCompile(`ETA\s+(\d+:\d+)`)
	clockRe      = regexp.MustCompile(`time=(\d{2}:\d{2}:\d{2}\.\d{2})`)
	meanVolumeRe = regexp.MustCompile(`mean_volume:\s*([-\d.]+)\s*dB`)
)

// streamLines reads r line by line, appending each line to buf and passing
// it to onLine (which may be nil). Long lines are tolerated up to 1 MiB.
func streamLines(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, onLine func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
}

// parseFFmpegClock converts "HH:MM:SS.cc" into seconds.
func parseFFmpegClock(clock string) float64 {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) < 3 {
		return 0
	}
	h, _ := strconv.ParseFloat(parts[0], 64)
	m, _ := strconv.ParseFloat(parts[1], 64)
	s, _ := strconv.ParseFloat(parts[2], 64)
	return h*3600 + m*60 + s
}

// parseMeanVolume extracts the mean_volume figure from volumedetect output.
func parseMeanVolume(output string) (float64, bool) {
	m := meanVolumeRe.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// firstErrorLine digs a human-readable failure reason out of tool output.
func firstErrorLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "ERROR:") || strings.Contains(line, "Errno") {
			return strings.TrimSpace(line)
		}
	}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.Contains(trimmed, "[download]") {
			return trimmed
		}
	}
	if len(output) > 100 {
		return output[:100]
	}
	return output
}
