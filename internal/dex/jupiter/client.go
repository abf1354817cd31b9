// internal/dex/jupiter/client.go
package jupiter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultRatePerSecond = 5
	DefaultAttempts      = 3
	DefaultTimeout       = 15 * time.Second

	maxErrorBody = 512
)

// HTTPError is a non-2xx answer from the Jupiter API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jupiter: http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed on a second try.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// transport shares the HTTP client, rate limiter and retry policy between
// the price and swap endpoints.
type transport struct {
	http     *http.Client
	limiter  ratelimit.Limiter
	apiKey   string
	attempts int
	logger   *zap.Logger
}

func newTransport(apiKey string, ratePerSecond, attempts int, logger *zap.Logger) *transport {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRatePerSecond
	}
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &transport{
		http:     &http.Client{Timeout: DefaultTimeout},
		limiter:  ratelimit.New(ratePerSecond),
		apiKey:   apiKey,
		attempts: attempts,
		logger:   logger,
	}
}

// doJSON sends one request and decodes a JSON answer into out. A nil body
// sends no payload.
func (t *transport) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	op := func() (struct{}, error) {
		var payload io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("encode request: %w", err))
			}
			payload = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, payload)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if t.apiKey != "" {
			req.Header.Set("x-api-key", t.apiKey)
		}

		t.limiter.Take()
		resp, err := t.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if len(data) > maxErrorBody {
				data = data[:maxErrorBody]
			}
			herr := &HTTPError{Status: resp.StatusCode, Body: string(data)}
			if !herr.Retryable() {
				return struct{}{}, backoff.Permanent(herr)
			}
			t.logger.Debug("Jupiter request failed, retrying",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode))
			return struct{}{}, herr
		}
		if err := json.Unmarshal(data, out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return struct{}{}, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(t.attempts)),
	)
	return err
}
