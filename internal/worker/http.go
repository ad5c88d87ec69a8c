package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// HTTPDoer is the slice of http.Client the invoker needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPInvoker posts payloads to the processing worker's endpoint as JSON.
type HTTPInvoker struct {
	endpoint string
	client   HTTPDoer
}

type HTTPConfig struct {
	// Endpoint is the worker's invocation URL.
	Endpoint string
	// Client overrides the default http.Client, mainly for tests.
	Client HTTPDoer
	// Timeout applies to the default client only.
	Timeout time.Duration
}

func (c *HTTPConfig) validate() error {
	var errGrp []error
	if strings.TrimSpace(c.Endpoint) == "" {
		errGrp = append(errGrp, errors.New("worker endpoint is required"))
	}
	return errors.Join(errGrp...)
}

func NewHTTPInvoker(cfg *HTTPConfig) (*HTTPInvoker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPInvoker{
		endpoint: cfg.Endpoint,
		client:   client,
	}, nil
}

// Invoke posts the payload once. Transport faults and retryable statuses map
// to ErrUnavailable; other 4xx responses map to ErrRejected.
func (h *HTTPInvoker) Invoke(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}
