package swap

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

// Request is the input of one face swap.
type Request struct {
	SourceImageURL string `json:"source_image_url"`
	TargetImageURL string `json:"target_image_url"`
}

// Output is the result of a successful face swap.
type Output struct {
	ResultURL string `json:"result_url"`
}

// Swapper performs the image transformation.
type Swapper interface {
	Swap(ctx context.Context, req Request) (Output, error)
}

// ErrSwapperNotConfigured is returned when no image API base URL is set.
var ErrSwapperNotConfigured = errors.New("swap: image api not configured")

// HTTPSwapper calls the external image API over HTTP.
type HTTPSwapper struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSwapper builds a client. timeout bounds each call.
func NewHTTPSwapper(baseURL, apiKey string, timeout time.Duration) *HTTPSwapper {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSwapper{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Swap posts the request to <base>/v1/face-swap and expects {"result_url": "..."}.
func (s *HTTPSwapper) Swap(ctx context.Context, req Request) (Output, error) {
	if s.baseURL == "" {
		return Output{}, ErrSwapperNotConfigured
	}
	body, errMarshal := json.Marshal(req)
	if errMarshal != nil {
		return Output{}, fmt.Errorf("swap: encode request: %w", errMarshal)
	}
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/face-swap", bytes.NewReader(body))
	if errReq != nil {
		return Output{}, fmt.Errorf("swap: build request: %w", errReq)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, errDo := s.client.Do(httpReq)
	if errDo != nil {
		return Output{}, fmt.Errorf("swap: call image api: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if errRead != nil {
		return Output{}, fmt.Errorf("swap: read response: %w", errRead)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, fmt.Errorf("swap: image api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out Output
	if errDecode := json.Unmarshal(raw, &out); errDecode != nil {
		return Output{}, fmt.Errorf("swap: decode response: %w", errDecode)
	}
	if out.ResultURL == "" {
		return Output{}, errors.New("swap: image api returned no result url")
	}
	return out, nil
}
