package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls generateContent with inline image data.
type GeminiClient struct {
	APIKey  string
	BaseURL string
	Model   string
	HTTP    *http.Client
}

type geminiInline struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.APIKey == "" {
		return "", errMissingKey
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultGeminiBaseURL
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: req.Prompt},
			{InlineData: &geminiInline{MIMEType: req.MIMEType, Data: encodeImage(req.Image)}},
		}}},
		GenerationConfig: map[string]any{"responseMimeType": "application/json"},
	}

	var out geminiResponse
	endpoint := base + "/models/" + url.PathEscape(c.Model) + ":generateContent"
	headers := map[string]string{"x-goog-api-key": c.APIKey}
	if err := postJSON(ctx, httpClientOr(c.HTTP), endpoint, headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", errors.New("gemini: no candidates")
	}
	var text strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		return "", errors.New("gemini: empty reply")
	}
	return text.String(), nil
}
