package ai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"novel-engine/shared/utils"

	"go.uber.org/zap"
)

const maxResponseBytes = 32 << 20

// httpEndpoint - общий клиент для простых HTTP-провайдеров (SANA, видео).
type httpEndpoint struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

func newHTTPEndpoint(baseURL, apiKey string, client *http.Client, logger *zap.Logger) *httpEndpoint {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpEndpoint{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger.With(zap.String("api_url", baseURL)),
	}
}

// do sends a request and returns the body of a 2xx response.
func (e *httpEndpoint) do(ctx context.Context, method, path string, body []byte, accept string) ([]byte, string, error) {
	endpointURL := e.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	e.logger.Debug("sending provider request", zap.String("method", method), zap.String("url", endpointURL))
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Warn("provider returned non-OK status",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", utils.StringShort(string(bodyBytes), 300)),
		)
		return nil, "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, utils.StringShort(string(bodyBytes), 300))
	}
	if readErr != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", readErr)
	}
	return bodyBytes, resp.Header.Get("Content-Type"), nil
}

// ping checks GET /health.
func (e *httpEndpoint) ping(ctx context.Context) error {
	if e.baseURL == "" {
		return fmt.Errorf("base URL is not configured")
	}
	_, _, err := e.do(ctx, http.MethodGet, "/health", nil, "")
	return err
}
