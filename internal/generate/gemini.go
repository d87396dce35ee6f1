package generate

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bowerhall/magritte/internal/config"
	"google.golang.org/genai"
)

// Client implements Generator against the Gemini API.
type Client struct {
	client  *genai.Client
	timeout time.Duration
}

var _ Generator = (*Client)(nil)

func NewClient(ctx context.Context, api config.APIConfig, timeout time.Duration) (*Client, error) {
	clientCfg := &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  api.Key,
	}

	// API_BASE_URL carries the versioned path for the catalog fetch;
	// the SDK wants only the host part.
	if base := strings.TrimSuffix(api.BaseURL, "/v1beta"); base != "" && base != api.BaseURL {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	} else if api.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: api.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, err
	}

	return &Client{client: client, timeout: timeout}, nil
}

func (c *Client) Generate(ctx context.Context, modelID, prompt string, imagePaths []string) ([]byte, error) {
	parts, err := buildParts(prompt, imagePaths)
	if err != nil {
		return nil, &Failure{Reason: "could not read reference image", Err: err}
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: parts,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.Models.GenerateContent(ctx, modelID, contents, nil)
	if err != nil {
		return nil, classify(err)
	}

	image, ok := extractImage(result)
	if !ok {
		return nil, &Failure{Reason: "response contained no image"}
	}

	return image, nil
}

func buildParts(prompt string, imagePaths []string) ([]*genai.Part, error) {
	parts := []*genai.Part{{Text: prompt}}

	for _, path := range imagePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				Data:     data,
				MIMEType: http.DetectContentType(data),
			},
		})
	}

	return parts, nil
}

func extractImage(result *genai.GenerateContentResponse) ([]byte, bool) {
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, true
			}
		}
	}

	return nil, false
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Reason: "request timed out", Err: err}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Failure{Reason: "generation request rejected", Err: err}
	}

	return &Failure{Reason: "generation request failed", Err: err}
}
