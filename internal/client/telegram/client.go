package telegram

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kadobaba55/clipforge/internal/config"
	"github.com/kadobaba55/clipforge/internal/job"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

// Client posts operational alerts to a Telegram chat. It implements
// job.FailureNotifier; delivery is best-effort and never surfaces errors
// to the caller.
type Client struct {
	cfg    config.TelegramConfig
	client *resty.Client
}

// NewClient creates a Telegram client, or nil when notifications are
// disabled or unconfigured.
func NewClient(cfg config.TelegramConfig) *Client {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChatID == "" {
		return nil
	}

	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &Client{cfg: cfg, client: client}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// NotifyJobFailure formats and sends the out-of-band alert for a job's
// first transition into error.
func (c *Client) NotifyJobFailure(category job.Category, id, errText string) {
	text := fmt.Sprintf(
		"🚨 <b>JOB FAILED</b>\n<b>Category:</b> %s\n<b>Job:</b> %s\n<b>Time:</b> %s\n<b>Error:</b> <pre>%s</pre>",
		category, id, time.Now().Format("2006-01-02 15:04:05"), errText,
	)
	c.send(text)
}

func (c *Client) send(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.cfg.BotToken)

	resp, err := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(sendMessageRequest{ChatID: c.cfg.ChatID, Text: text, ParseMode: "HTML"}).
		Post(url)
	if err != nil {
		logger.Warnf("telegram notification failed: %v", err)
		return
	}
	if resp.StatusCode() >= 400 {
		logger.Warnf("telegram notification rejected: %s", resp.String())
		return
	}
	logger.Debugf("telegram notification sent")
}
