// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stepbus/stepbus/pkg/core"
)

// Client talks to the stepbus HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Error is a non-2xx answer decoded from the server's error body.
type Error struct {
	Status    int    `json:"code"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// New creates a new API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the server is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// SendStep posts a step and returns the notice with its order key.
func (c *Client) SendStep(ctx context.Context, step core.DrivingStep, order core.ByteOrder) (core.StepNotice, error) {
	body, err := json.Marshal(step)
	if err != nil {
		return core.StepNotice{}, fmt.Errorf("failed to marshal step: %w", err)
	}

	q := url.Values{}
	q.Set("endian", order.String())

	var notice core.StepNotice
	err = c.do(ctx, http.MethodPost, "/steps?"+q.Encode(), body, &notice)
	return notice, err
}

// ListSteps returns the recent reconstructed steps.
func (c *Client) ListSteps(ctx context.Context) ([]core.ReconstructedStep, error) {
	var steps []core.ReconstructedStep
	err := c.do(ctx, http.MethodGet, "/steps", nil, &steps)
	return steps, err
}

// LatestStep returns the newest reconstructed step.
func (c *Client) LatestStep(ctx context.Context) (core.ReconstructedStep, error) {
	var step core.ReconstructedStep
	err := c.do(ctx, http.MethodGet, "/steps/latest", nil, &step)
	return step, err
}

// Step returns the step stored under key.
func (c *Client) Step(ctx context.Context, key uint64) (core.ReconstructedStep, error) {
	var step core.ReconstructedStep
	err := c.do(ctx, http.MethodGet, "/steps/"+strconv.FormatUint(key, 10), nil, &step)
	return step, err
}

// Frames returns up to limit stored frames, newest first.
func (c *Client) Frames(ctx context.Context, limit int) ([]core.Frame, error) {
	var frames []core.Frame
	err := c.do(ctx, http.MethodGet, "/can?limit="+strconv.Itoa(limit), nil, &frames)
	return frames, err
}

// RecordEvent posts a free-form event.
func (c *Client) RecordEvent(ctx context.Context, message string) (core.Event, error) {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return core.Event{}, err
	}
	var e core.Event
	err = c.do(ctx, http.MethodPost, "/events", body, &e)
	return e, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, apiErr)
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
