package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aifusion/internal/config"
	"aifusion/internal/version"
)

// maxErrorBody bounds how much of a failed response body is kept for logs.
const maxErrorBody = 512

// AggregatorProvider talks to a multi-vendor chat aggregator over HTTPS.
// One endpoint serves every model; the sub-model id selects the backend.
type AggregatorProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewAggregatorProvider creates a provider from configuration.
func NewAggregatorProvider(cfg config.AggregatorConfig) (*AggregatorProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for aggregator provider")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for aggregator provider")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	name := cfg.Name
	if name == "" {
		name = "aggregator"
	}

	return &AggregatorProvider{
		name:     name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (a *AggregatorProvider) Name() string {
	return a.name
}

func (a *AggregatorProvider) GenerateResponse(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	outputType := req.OutputType
	if outputType == "" {
		outputType = OutputTypeText
	}

	body := map[string]interface{}{
		"message":    req.Messages,
		"aiModel":    req.Model,
		"outputType": outputType,
	}
	if req.ParentModel != "" {
		body["parentModel"] = req.ParentModel
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	content, ok := extractReply(payload)
	if !ok {
		return nil, ErrMalformedResponse
	}

	return &GenerateResponse{
		Content: content,
		Model:   req.Model,
	}, nil
}

// extractReply pulls the reply text out of the aggregator body. The text sits
// under aiResponse or response, either at the top level or wrapped in data.
func extractReply(payload map[string]interface{}) (string, bool) {
	if s, ok := replyField(payload); ok {
		return s, true
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		return replyField(data)
	}
	return "", false
}

func replyField(m map[string]interface{}) (string, bool) {
	for _, key := range []string{"aiResponse", "response"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
