package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// OpenAIImageGenerator calls an OpenAI-compatible /v1/images/generations
// endpoint and returns the provider-hosted URL of the generated image.
type OpenAIImageGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	size       string
	httpClient *http.Client
}

// NewOpenAIImageGenerator builds the image client. size is the provider
// image-size string, e.g. "1024x1024"; empty keeps the provider default.
func NewOpenAIImageGenerator(baseURL, apiKey, model, size string) *OpenAIImageGenerator {
	return &OpenAIImageGenerator{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		size:    strings.TrimSpace(size),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// GenerateImage implements ImageGenerator. A 2xx response without an image
// URL is a generation failure, not a crash.
func (g *OpenAIImageGenerator) GenerateImage(ctx context.Context, prompt string) (string, error) {
	reqBody := imageRequest{
		Model:  g.model,
		Prompt: prompt,
		N:      1,
		Size:   g.size,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: "image", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", providerErrorFromResponse("image", resp)
	}

	var imgResp imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return "", &ProviderError{Provider: "image", Message: "decode response", Err: err}
	}
	if len(imgResp.Data) == 0 || strings.TrimSpace(imgResp.Data[0].URL) == "" {
		return "", &ProviderError{Provider: "image", Message: "no image url in response"}
	}
	return strings.TrimSpace(imgResp.Data[0].URL), nil
}

type imageRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}
