// internal/judgment/client.go
package judgment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/override"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultAPIURL      = "https://api.anthropic.com/v1/messages"
	DefaultModel       = "claude-3-haiku-20240307"
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
	DefaultTimeout     = 60 * time.Second
	DefaultAttempts    = 3

	apiVersion = "2023-06-01"
)

var (
	ErrNoAPIKey     = errors.New("judgment: api key is empty")
	ErrEmptyContent = errors.New("judgment: reply has no text content")
)

// APIError is an error answer from the messages endpoint.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("judgment: http %d %s: %s", e.Status, e.Type, e.Message)
}

// Retryable reports whether the request may succeed on a second try.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config настраивает HTTP-клиент модели.
type Config struct {
	APIURL      string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Attempts    int
}

// Client consults a hosted language model through the Messages API.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *zap.Logger
	metrics *metrics.Collector
}

var _ override.JudgmentService = (*Client)(nil)

// NewClient создаёт клиента. collector может быть nil.
func NewClient(cfg Config, logger *zap.Logger, collector *metrics.Collector) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("judgment"),
		metrics: collector,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Consult sends the breach context as a single user message and returns the
// concatenated text blocks of the reply.
func (c *Client) Consult(ctx context.Context, req override.Request) (string, error) {
	start := time.Now()
	body := messagesRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    []message{{Role: "user", Content: BuildPrompt(req)}},
	}

	op := func() (string, error) {
		return c.send(ctx, body)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	reply, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.cfg.Attempts)),
	)
	if err != nil {
		c.metrics.RecordJudgment("error", time.Since(start))
		c.logger.Warn("🛡️ Judgment request failed",
			zap.String("scope", req.Breach.Scope.Key()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}

	c.metrics.RecordJudgment("ok", time.Since(start))
	c.logger.Debug("🛡️ Judgment received",
		zap.String("scope", req.Breach.Scope.Key()),
		zap.Int("reply_len", len(reply)),
		zap.Duration("elapsed", time.Since(start)))
	return reply, nil
}

func (c *Client) send(ctx context.Context, body messagesRequest) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(raw))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Type = er.Error.Type
			apiErr.Message = er.Error.Message
		}
		if !apiErr.Retryable() {
			return "", backoff.Permanent(apiErr)
		}
		return "", apiErr
	}

	var mr messagesResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode reply: %w", err))
	}
	var parts []string
	for _, block := range mr.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", backoff.Permanent(ErrEmptyContent)
	}
	return strings.Join(parts, "\n"), nil
}
