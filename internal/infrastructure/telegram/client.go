package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ListingWatcher/internal/ports"
)

const defaultBaseURL = "https://api.telegram.org"

// Options configure the Bot API client.
type Options struct {
	BaseURL      string
	BotToken     string
	Timeout      time.Duration
	RatePerSec   float64
	MessageDelay time.Duration
}

// Client posts Markdown messages through the Telegram Bot API.
type Client struct {
	baseURL  string
	botToken string
	client   *http.Client
	limiter  *rate.Limiter
	delay    time.Duration
}

// APIError is a non-OK Bot API response.
type APIError struct {
	Status      int
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Description)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

// NewClient registers the bot token and pacing settings.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 25
	}
	return &Client{
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
		botToken: opts.BotToken,
		client:   &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		delay:    opts.MessageDelay,
	}
}

// SendMessage posts one Markdown message, optionally with URL buttons on a single row.
// A 429 response is retried once after the advertised delay.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, buttons []inlineButton) error {
	err := c.sendMessage(ctx, chatID, text, buttons)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
		timer := time.NewTimer(apiErr.RetryAfter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		err = c.sendMessage(ctx, chatID, text, buttons)
	}
	return err
}

func (c *Client) sendMessage(ctx context.Context, chatID int64, text string, buttons []inlineButton) error {
	if c.botToken == "" || c.client == nil {
		return fmt.Errorf("telegram client misconfigured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")
	form.Set("disable_web_page_preview", "true")
	if len(buttons) > 0 {
		markup, err := json.Marshal(inlineKeyboard{InlineKeyboard: [][]inlineButton{buttons}})
		if err != nil {
			return fmt.Errorf("encode buttons: %w", err)
		}
		form.Set("reply_markup", string(markup))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var body apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	apiErr := &APIError{
		Status:      resp.StatusCode,
		Code:        body.ErrorCode,
		Description: body.Description,
		RetryAfter:  time.Duration(body.Parameters.RetryAfter) * time.Second,
	}
	if apiErr.Code == 0 {
		apiErr.Code = resp.StatusCode
	}
	if apiErr.Description == "" {
		apiErr.Description = resp.Status
	}

	if unreachable(apiErr) {
		return fmt.Errorf("chat %d: %w: %w", chatID, ports.ErrRecipientUnreachable, apiErr)
	}
	return apiErr
}

func unreachable(err *APIError) bool {
	if err.Status == http.StatusForbidden {
		return true
	}
	desc := strings.ToLower(err.Description)
	return err.Status == http.StatusBadRequest && strings.Contains(desc, "chat not found")
}

func (c *Client) pause(ctx context.Context) error {
	if c.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
