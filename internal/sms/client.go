// Package sms reads one-time codes forwarded to a webhook.site inbox.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/humanize"
)

const DefaultBaseURL = "https://webhook.site"

var (
	ErrNoCode   = errors.New("sms: no code received")
	ErrBadToken = errors.New("sms: webhook token is incorrect")
)

var codePattern = regexp.MustCompile(`CODIGO (.*), DE`)

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Attempts   int
	Interval   time.Duration
	Logger     *zap.Logger
	Sleep      humanize.SleepFunc
}

type Client struct {
	hc       *http.Client
	baseURL  string
	attempts int
	interval time.Duration
	logger   *zap.Logger
	sleep    humanize.SleepFunc
}

func New(opts Options) *Client {
	c := &Client{
		hc:       opts.HTTPClient,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		attempts: opts.Attempts,
		interval: opts.Interval,
		logger:   opts.Logger,
		sleep:    opts.Sleep,
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: 10 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.attempts <= 0 {
		c.attempts = 60
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.sleep == nil {
		c.sleep = humanize.Sleep
	}
	c.logger = c.logger.Named("sms")
	return c
}

type message struct {
	UUID        string `json:"uuid"`
	TextContent string `json:"text_content"`
}

// Code polls the inbox of token for the newest message carrying a
// verification code, deletes that message and returns the code.
func (c *Client) Code(ctx context.Context, token string) (string, error) {
	for i := 0; i < c.attempts; i++ {
		msgs, err := c.messages(ctx, token)
		if err != nil {
			return "", err
		}
		if len(msgs) > 0 {
			if m := codePattern.FindStringSubmatch(msgs[0].TextContent); m != nil {
				if err := c.delete(ctx, token, msgs[0].UUID); err != nil {
					c.logger.Warn("delete message failed", zap.Error(err))
				}
				c.logger.Info("received code", zap.String("code", m[1]))
				return m[1], nil
			}
		}
		if err := c.sleep(ctx, c.interval); err != nil {
			return "", err
		}
	}
	return "", ErrNoCode
}

// Clear empties the inbox so a stale code is never read.
func (c *Client) Clear(ctx context.Context, token string) error {
	return c.delete(ctx, token, "")
}

func (c *Client) messages(ctx context.Context, token string) ([]message, error) {
	u := fmt.Sprintf("%s/token/%s/requests?page=1&sorting=newest", c.baseURL, url.PathEscape(token))
	status, body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("sms inbox: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, ErrBadToken
	}
	if status >= 400 {
		return nil, fmt.Errorf("sms inbox failed (status=%d)", status)
	}
	var res struct {
		Data []message `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	return res.Data, nil
}

func (c *Client) delete(ctx context.Context, token, id string) error {
	u := fmt.Sprintf("%s/token/%s/request", c.baseURL, url.PathEscape(token))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	status, _, err := c.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("sms delete: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("sms delete failed (status=%d)", status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("accept", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
