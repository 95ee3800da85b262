// Package captcha is a client for the anti-captcha.com solving API.
package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/humanize"
)

const DefaultBaseURL = "https://api.anti-captcha.com"

// ErrNotReady is returned when the solver did not finish within the timeout.
var ErrNotReady = errors.New("captcha: solution not ready in time")

// APIError is an errorId != 0 response.
type APIError struct {
	ID          int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anti-captcha error %d %s: %s", e.ID, e.Code, e.Description)
}

// Kind is the challenge a Solution answers.
type Kind int

const (
	Recaptcha Kind = iota
	Image
)

// Solution is a solved challenge. TaskID is needed to report the outcome.
type Solution struct {
	Kind   Kind
	TaskID int64
	Text   string
}

type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
	Timeout      time.Duration
	MinScore     float64
	Logger       *zap.Logger
	Sleep        humanize.SleepFunc
}

type Client struct {
	hc       *http.Client
	baseURL  string
	key      string
	poll     time.Duration
	timeout  time.Duration
	minScore float64
	logger   *zap.Logger
	sleep    humanize.SleepFunc
}

func New(apiKey string, opts Options) *Client {
	c := &Client{
		hc:       opts.HTTPClient,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		key:      apiKey,
		poll:     opts.PollInterval,
		timeout:  opts.Timeout,
		minScore: opts.MinScore,
		logger:   opts.Logger,
		sleep:    opts.Sleep,
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: 30 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.poll <= 0 {
		c.poll = 5 * time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 3 * time.Minute
	}
	if c.minScore == 0 {
		c.minScore = 0.9
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.sleep == nil {
		c.sleep = humanize.Sleep
	}
	c.logger = c.logger.Named("captcha")
	return c
}

type recaptchaTask struct {
	Type       string  `json:"type"`
	WebsiteURL string  `json:"websiteURL"`
	WebsiteKey string  `json:"websiteKey"`
	MinScore   float64 `json:"minScore"`
	PageAction string  `json:"pageAction"`
}

type imageTask struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

type envelope struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

func (e envelope) err() error {
	if e.ErrorID == 0 {
		return nil
	}
	return &APIError{ID: e.ErrorID, Code: e.ErrorCode, Description: e.ErrorDescription}
}

type createResponse struct {
	envelope
	TaskID int64 `json:"taskId"`
}

type resultResponse struct {
	envelope
	Status   string `json:"status"`
	Solution struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Text               string `json:"text"`
	} `json:"solution"`
}

// SolveRecaptchaV3 solves the invisible reCAPTCHA of websiteURL.
func (c *Client) SolveRecaptchaV3(ctx context.Context, websiteURL, siteKey, action string) (Solution, error) {
	c.logger.Info("solving recaptcha", zap.String("site_key", siteKey), zap.String("action", action))
	id, err := c.create(ctx, recaptchaTask{
		Type:       "RecaptchaV3TaskProxyless",
		WebsiteURL: websiteURL,
		WebsiteKey: siteKey,
		MinScore:   c.minScore,
		PageAction: action,
	})
	if err != nil {
		return Solution{}, err
	}
	res, err := c.wait(ctx, id)
	if err != nil {
		return Solution{}, err
	}
	return Solution{Kind: Recaptcha, TaskID: id, Text: res.Solution.GRecaptchaResponse}, nil
}

// SolveImage reads the text in an image captcha.
func (c *Client) SolveImage(ctx context.Context, img []byte) (Solution, error) {
	id, err := c.create(ctx, imageTask{Type: "ImageToTextTask", Body: base64.StdEncoding.EncodeToString(img)})
	if err != nil {
		return Solution{}, err
	}
	res, err := c.wait(ctx, id)
	if err != nil {
		return Solution{}, err
	}
	return Solution{Kind: Image, TaskID: id, Text: res.Solution.Text}, nil
}

// Report tells the service whether the site accepted sol. Correct image
// answers need no report.
func (c *Client) Report(ctx context.Context, sol Solution, correct bool) error {
	var method string
	switch {
	case sol.Kind == Recaptcha && correct:
		method = "reportCorrectRecaptcha"
	case sol.Kind == Recaptcha:
		method = "reportIncorrectRecaptcha"
	case !correct:
		method = "reportIncorrectImageCaptcha"
	default:
		return nil
	}
	var res envelope
	if err := c.call(ctx, method, map[string]any{"taskId": sol.TaskID}, &res); err != nil {
		return err
	}
	return res.err()
}

func (c *Client) create(ctx context.Context, task any) (int64, error) {
	var res createResponse
	if err := c.call(ctx, "createTask", map[string]any{"task": task}, &res); err != nil {
		return 0, err
	}
	if err := res.err(); err != nil {
		return 0, err
	}
	return res.TaskID, nil
}

func (c *Client) wait(ctx context.Context, id int64) (resultResponse, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		if err := c.sleep(ctx, c.poll); err != nil {
			return resultResponse{}, err
		}
		var res resultResponse
		if err := c.call(ctx, "getTaskResult", map[string]any{"taskId": id}, &res); err != nil {
			return resultResponse{}, err
		}
		if err := res.err(); err != nil {
			return resultResponse{}, err
		}
		if res.Status == "ready" {
			return res, nil
		}
		if time.Now().After(deadline) {
			return resultResponse{}, fmt.Errorf("%w: task %d", ErrNotReady, id)
		}
	}
}

func (c *Client) call(ctx context.Context, method string, body map[string]any, out any) error {
	body["clientKey"] = c.key
	jb, err := json.Marshal(body)
	if err != nil {
		return err
	}
	status, b, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+method, jb)
	if err != nil {
		return fmt.Errorf("anti-captcha %s: %w", method, err)
	}
	if status >= 400 {
		return fmt.Errorf("anti-captcha %s failed (status=%d)", method, status)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("anti-captcha %s: decode: %w", method, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("content-type", "application/json")
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
