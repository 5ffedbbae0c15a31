package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// EmotionPrompt asks a vision model to answer in the DeepFace layout.
const EmotionPrompt = `You are a facial expression classifier.

Look at the people in this photo and return JSON only:
[
  {
    "dominant_emotion": "one of angry, disgust, fear, happy, sad, surprise, neutral",
    "emotion": {"angry": 0.0, "disgust": 0.0, "fear": 0.0, "happy": 0.0, "sad": 0.0, "surprise": 0.0, "neutral": 0.0}
  }
]

RULES
- One object per visible face, largest face first.
- Scores are percentages between 0 and 100 and should sum to 100.
- If there is no human face, return [].
- Do not guess identities. JSON only, no markdown, no comments.`

// OllamaClient classifies emotions with a vision LLM served by Ollama.
type OllamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
}

func NewOllamaClient(ollamaURL, model string, timeout time.Duration) (*OllamaClient, error) {
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	// Drop any path such as /api/chat; the SDK adds its own.
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &OllamaClient{
		client:  api.NewClient(baseURL, http.DefaultClient),
		model:   model,
		timeout: timeout,
	}, nil
}

func (c *OllamaClient) Analyze(ctx context.Context, in Input) (Output, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	imgBytes, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", in.Path, err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: EmotionPrompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Format:  json.RawMessage(`"json"`),
		Options: map[string]any{"temperature": 0},
	}

	var content string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}

	return ParseModelJSON(content)
}

// ParseModelJSON decodes a model's free-form answer into an Output. An
// empty list means the model saw no face.
func ParseModelJSON(raw string) (Output, error) {
	raw = sanitizeModelJSON(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty response from model")
	}

	var out Output
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoFace
	}
	return out, nil
}

var (
	blockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON strips code fences, comments and trailing commas and
// keeps only the outermost JSON value.
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = blockComment.ReplaceAllString(raw, "")
	raw = lineComment.ReplaceAllString(raw, "")
	raw = trailingComma.ReplaceAllString(raw, "$1")

	start := strings.IndexAny(raw, "[{")
	if start < 0 {
		return strings.TrimSpace(raw)
	}
	closer := "}"
	if raw[start] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(raw, closer); end > start {
		raw = raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}
