package executor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// Deepgram transcribes audio through the Deepgram REST API. It is the
// preferred engine; the orchestrator retries once with the local engine
// when a call fails.
type Deepgram struct {
	cfg    config.TranscribeConfig
	client *resty.Client
}

// NewDeepgram creates the cloud transcription executor, or nil when no
// API key is configured.
func NewDeepgram(cfg config.TranscribeConfig) *Deepgram {
	if cfg.DeepgramAPIKey == "" {
		return nil
	}

	client := resty.New().
		SetTimeout(10 * time.Minute).
		SetHeader("Authorization", "Token "+cfg.DeepgramAPIKey)

	return &Deepgram{cfg: cfg, client: client}
}

// Engine identifies this transcriber in job results.
func (d *Deepgram) Engine() string {
	return "deepgram"
}

type deepgramResponse struct {
	Results struct {
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Transcript string  `json:"transcript"`
		} `json:"utterances"`
	} `json:"results"`
}

// Transcribe uploads the wav and maps the returned utterances to segments.
func (d *Deepgram) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	model := d.cfg.DeepgramModel
	if model == "" {
		model = "nova-2"
	}

	logger.Infof("transcribing via deepgram (model=%s): %s", model, audioPath)

	var result deepgramResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "audio/wav").
		SetQueryParams(map[string]string{
			"model":        model,
			"language":     d.cfg.Language,
			"smart_format": "true",
			"utterances":   "true",
		}).
		SetBody(audio).
		SetResult(&result).
		Post(deepgramListenURL)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("deepgram error (%d): %s", resp.StatusCode(), resp.String())
	}

	segments := make([]Segment, 0, len(result.Results.Utterances))
	for _, u := range result.Results.Utterances {
		if u.Transcript == "" {
			continue
		}
		segments = append(segments, Segment{Start: u.Start, End: u.End, Text: u.Transcript})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("deepgram returned no utterances")
	}
	return segments, nil
}
