// Package collab holds the clients for the system's external collaborators:
// the remote step service, the code generator, git and the project analyzer.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 2 * time.Minute

// maxResponseBytes caps what is read from a collaborator response.
const maxResponseBytes = 16 << 20

// endpoint is a JSON-over-HTTP collaborator.
type endpoint struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func newEndpoint(baseURL string, timeout time.Duration, headers map[string]string) endpoint {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return endpoint{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		headers: headers,
	}
}

// post sends in as JSON to path and returns the raw response body.
func (e endpoint) post(ctx context.Context, path string, in any) ([]byte, error) {
	if e.baseURL == "" {
		return nil, fmt.Errorf("collaborator URL is not configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range e.headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
