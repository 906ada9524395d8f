package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

// Whisper transcribes audio locally via a faster-whisper Python script.
// It is the fallback engine when the cloud engine is unavailable or fails.
type Whisper struct {
	cfg config.TranscribeConfig
}

// NewWhisper creates the local transcription executor.
func NewWhisper(cfg config.TranscribeConfig) *Whisper {
	return &Whisper{cfg: cfg}
}

// Engine identifies this transcriber in job results.
func (w *Whisper) Engine() string {
	return "whisper"
}

// Transcribe runs the script against a 16 kHz mono wav and parses the JSON
// segments it prints. The script may emit noise around the JSON document,
// so the payload is located by brace scanning.
func (w *Whisper) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	model := w.cfg.WhisperModel
	if model == "" {
		model = "tiny"
	}

	args := []string{
		w.cfg.WhisperScript,
		audioPath,
		"--model", model,
	}
	if w.cfg.Language != "" && w.cfg.Language != "auto" {
		args = append(args, "--language", w.cfg.Language)
	}

	logger.Infof("transcribing locally (model=%s): %s", model, audioPath)
	cmd := exec.CommandContext(ctx, "python3", args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdoutPipe, &stdoutBuf, nil)
	go streamLines(&wg, stderrPipe, &stderrBuf, nil)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcription: %w", err)
	}
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcription timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("transcription failed: %s", firstErrorLine(stderrBuf.String()))
	}

	return parseWhisperOutput(stdoutBuf.String())
}

func parseWhisperOutput(output string) ([]Segment, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON document in transcription output")
	}

	var payload struct {
		Segments []Segment `json:"segments"`
		Error    string    `json:"error"`
	}
	if err := json.Unmarshal([]byte(output[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("parse transcription output: %w", err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("transcription script error: %s", payload.Error)
	}
	if len(payload.Segments) == 0 {
		return nil, fmt.Errorf("transcription produced no segments")
	}
	return payload.Segments, nil
}
