// Package generation calls the downstream video rendering service.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/video0-dev/tokenledger/pkg/tokens"
)

const (
	defaultRequestTimeout = 90 * time.Second

	pathRender = "/v1/renders"
)

var (
	// ErrRenderFailed reports a failed render request.
	ErrRenderFailed = errors.New("generation: render failed")
	// ErrInvalidConfig reports a misconfigured client.
	ErrInvalidConfig = errors.New("generation: invalid client config")
)

// Client implements tokens.Pipeline against the rendering service HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient returns a Client for the rendering service at baseURL.
func NewClient(baseURL string, apiKey string, options ...ClientOption) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty base url", ErrInvalidConfig)
	}
	client := &Client{
		baseURL:    trimmed,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

type renderRequest struct {
	ProfileID string `json:"profile_id"`
	ChatID    string `json:"chat_id"`
	Lyrics    string `json:"lyrics"`
	Style     string `json:"style"`
}

type renderResponse struct {
	AssetID  string `json:"asset_id"`
	AssetURL string `json:"asset_url"`
}

// Generate renders one video and returns the produced asset.
func (client *Client) Generate(ctx context.Context, request tokens.GenerationRequest) (tokens.GenerationResult, error) {
	encoded, err := json.Marshal(renderRequest{
		ProfileID: request.ProfileID.String(),
		ChatID:    request.ChatID,
		Lyrics:    request.Lyrics,
		Style:     request.Style,
	})
	if err != nil {
		return tokens.GenerationResult{}, fmt.Errorf("%w: encode request: %v", ErrRenderFailed, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+pathRender, bytes.NewReader(encoded))
	if err != nil {
		return tokens.GenerationResult{}, fmt.Errorf("%w: build request: %v", ErrRenderFailed, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	}

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return tokens.GenerationResult{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	if httpResponse.StatusCode < http.StatusOK || httpResponse.StatusCode >= http.StatusMultipleChoices {
		return tokens.GenerationResult{}, fmt.Errorf("%w: render service returned %d", ErrRenderFailed, httpResponse.StatusCode)
	}

	var response renderResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
		return tokens.GenerationResult{}, fmt.Errorf("%w: decode response: %v", ErrRenderFailed, err)
	}
	if response.AssetID == "" {
		return tokens.GenerationResult{}, fmt.Errorf("%w: response missing asset id", ErrRenderFailed)
	}
	return tokens.GenerationResult{AssetID: response.AssetID, AssetURL: response.AssetURL}, nil
}
