package heal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// openaiClient implements Suggester against the OpenAI /v1/chat/completions
// API format. This covers vLLM, Ollama, LiteLLM proxies, and OpenAI itself.
type openaiClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	cfg      Config
}

func newOpenAIClient(cfg Config) *openaiClient {
	return &openaiClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// suggestionPayload is the JSON shape the model is instructed to return.
type suggestionPayload struct {
	Candidates []Candidate `json:"candidates"`
}

func (c *openaiClient) Suggest(ctx context.Context, sc Context) ([]Candidate, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(sc)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("heal: marshal request: %w", err)
	}

	url := c.endpoint + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("heal: HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("heal: HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("heal: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("heal: empty completion from %s", url)
	}

	return parseCandidates(chat.Choices[0].Message.Content)
}

// parseCandidates extracts the candidate list from the model output.
// Code fences around the JSON are tolerated; confidences are clamped to
// [0,1] and the list is returned sorted best-first.
func parseCandidates(content string) ([]Candidate, error) {
	raw := stripFences(content)

	var payload suggestionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Some models return a bare array.
		var list []Candidate
		if err2 := json.Unmarshal([]byte(raw), &list); err2 != nil {
			return nil, fmt.Errorf("heal: parse suggestion: %w", err)
		}
		payload.Candidates = list
	}

	var out []Candidate
	for _, cand := range payload.Candidates {
		if cand.Locator == "" {
			continue
		}
		if cand.Confidence < 0 {
			cand.Confidence = 0
		}
		if cand.Confidence > 1 {
			cand.Confidence = 1
		}
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
