package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPSinkConfig configures the metric collector client.
type HTTPSinkConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`

	// QueueSize and FlushTimeout bound how far delivery may lag training.
	QueueSize    int           `yaml:"queue_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// DefaultHTTPSinkConfig returns the collector defaults.
func DefaultHTTPSinkConfig() HTTPSinkConfig {
	return HTTPSinkConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		QueueSize:     256,
		FlushTimeout:  5 * time.Second,
	}
}

// CollectorResponse is the body the collector answers with.
type CollectorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HTTPSink posts every point as JSON to <BaseURL>/api/metrics.
type HTTPSink struct {
	baseURL    string
	httpClient *http.Client
	config     HTTPSinkConfig
}

// NewHTTPSink creates a collector client.
func NewHTTPSink(config HTTPSinkConfig) (*HTTPSink, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("metric collector URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPSinkConfig().Timeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultHTTPSinkConfig().RetryDelay
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	return &HTTPSink{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}, nil
}

// Log sends p, retrying transient failures with exponential backoff. Client
// errors (4xx) are not retried.
func (s *HTTPSink) Log(ctx context.Context, p Point) error {
	jsonData, err := json.Marshal(encodablePoint(p))
	if err != nil {
		return fmt.Errorf("failed to marshal metric point: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.config.RetryAttempts)), ctx)

	return backoff.Retry(func() error {
		return s.send(ctx, jsonData)
	}, policy)
}

func (s *HTTPSink) send(ctx context.Context, body []byte) error {
	url := s.baseURL + "/api/metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "braintriage-training")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var collectorResp CollectorResponse
	_ = json.Unmarshal(respBody, &collectorResp)
	err = fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, collectorResp.Message)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// CheckHealth reports whether the collector answers its health endpoint.
func (s *HTTPSink) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// encodablePoint replaces values JSON cannot carry (NaN, ±Inf) with null.
func encodablePoint(p Point) interface{} {
	values := make(map[string]*float64, len(p.Values))
	for k, v := range p.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[k] = nil
			continue
		}
		v := v
		values[k] = &v
	}
	return struct {
		Point
		Values map[string]*float64 `json:"values"`
	}{Point: p, Values: values}
}
