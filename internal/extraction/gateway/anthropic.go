package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient calls the messages endpoint with a base64 image block.
type AnthropicClient struct {
	APIKey  string
	BaseURL string
	Model   string
	HTTP    *http.Client
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.APIKey == "" {
		return "", errMissingKey
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultAnthropicBaseURL
	}

	body := anthropicRequest{
		Model:     c.Model,
		System:    req.Prompt,
		MaxTokens: 4096,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicBlock{
				{Type: "text", Text: "Extract the prescription data from this image as JSON."},
				{Type: "image", Source: &anthropicSource{Type: "base64", MediaType: req.MIMEType, Data: encodeImage(req.Image)}},
			},
		}},
	}

	var out anthropicResponse
	headers := map[string]string{
		"x-api-key":         c.APIKey,
		"anthropic-version": anthropicVersion,
	}
	if err := postJSON(ctx, httpClientOr(c.HTTP), base+"/v1/messages", headers, body, &out); err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("anthropic: empty reply")
	}
	return text.String(), nil
}
