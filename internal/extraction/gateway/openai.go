package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient calls the chat completions endpoint with an inline image.
type OpenAIClient struct {
	APIKey  string
	BaseURL string
	Model   string
	HTTP    *http.Client
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIMessage struct {
	Role    string       `json:"role"`
	Content []openAIPart `json:"content"`
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	MaxTokens      int               `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.APIKey == "" {
		return "", errMissingKey
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}

	body := openAIRequest{
		Model: c.Model,
		Messages: []openAIMessage{{
			Role: "user",
			Content: []openAIPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &openAIImageURL{
					URL: "data:" + req.MIMEType + ";base64," + encodeImage(req.Image),
				}},
			},
		}},
		ResponseFormat: map[string]string{"type": "json_object"},
		MaxTokens:      4096,
	}

	var out openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + c.APIKey}
	if err := postJSON(ctx, httpClientOr(c.HTTP), base+"/chat/completions", headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", errors.New("openai: empty reply")
	}
	return out.Choices[0].Message.Content, nil
}
