package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGate asks an external decision point over HTTP. The request is
// POST <base>/decide with the Input as JSON; the response is a Decision.
type HTTPGate struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGate constructs a gate against baseURL. The per-call deadline is
// 500ms; a policy decision on the apply path must not stall the API.
func NewHTTPGate(baseURL string, client *http.Client) *HTTPGate {
	if client == nil {
		client = &http.Client{Timeout: 500 * time.Millisecond}
	}
	return &HTTPGate{baseURL: baseURL, client: client}
}

// Decide posts the input, retrying once on a 5xx. Exhausted retries surface
// ErrUnavailable so the caller can pick a fail mode.
func (g *HTTPGate) Decide(ctx context.Context, in Input) (Decision, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Decision{}, fmt.Errorf("encode input: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		dec, retryable, err := g.post(ctx, body)
		if err == nil {
			return dec, nil
		}
		lastErr = err
		if !retryable {
			return Decision{}, err
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
	return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (g *HTTPGate) post(ctx context.Context, body []byte) (Decision, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/decide", bytes.NewReader(body))
	if err != nil {
		return Decision{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Decision{}, true, fmt.Errorf("call gate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return Decision{}, true, fmt.Errorf("gate returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, false, fmt.Errorf("gate returned %d", resp.StatusCode)
	}

	var dec Decision
	if err := json.NewDecoder(resp.Body).Decode(&dec); err != nil {
		return Decision{}, false, fmt.Errorf("decode decision: %w", err)
	}
	return dec, false, nil
}
