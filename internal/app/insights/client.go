package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrRateLimited     = errors.New("ai provider rate limit exceeded")
	ErrQuotaExceeded   = errors.New("ai provider quota exhausted")
	ErrEmptyCompletion = errors.New("ai provider returned no content")
)

// Client calls a chat-completions API for relationship insights. Every call
// is one-shot: no retries, no caching, so a failed insight never blocks the
// entity pipeline.
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type DateFilters struct {
	Budget  string `json:"budget"`
	Setting string `json:"setting"`
	Energy  string `json:"energy"`
}

type DateSuggestion struct {
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	Instructions        string   `json:"instructions"`
	WhyItFits           string   `json:"why_it_fits"`
	Budget              string   `json:"budget"`
	Setting             string   `json:"setting"`
	Energy              string   `json:"energy"`
	Mood                string   `json:"mood"`
	LocalTip            string   `json:"local_tip,omitempty"`
	ConversationPrompts []string `json:"conversation_prompts"`
}

type TriggerProfile struct {
	Label          string `json:"label"`
	ConflictStyle  string `json:"conflict_style"`
	StressResponse string `json:"stress_response"`
}

type TriggerInsights struct {
	DynamicInsights            []string `json:"dynamic_insights"`
	PotentialMisunderstandings []string `json:"potential_misunderstandings"`
	GrowthAreas                []string `json:"growth_areas"`
}

type VisionRequest struct {
	Description string `json:"description"`
	Timeframe   string `json:"timeframe"`
}

type VisionPrompt struct {
	ImagePrompt string `json:"image_prompt"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type ConversationRequest struct {
	Transcript string `json:"transcript"`
}

type ConversationInsights struct {
	Summary              string   `json:"summary"`
	Themes               []string `json:"themes"`
	SuggestedActivities  []string `json:"suggested_activities"`
	ConversationStarters []string `json:"conversation_starters"`
	ReflectionPrompts    []string `json:"reflection_prompts"`
}

func (c *Client) SuggestDates(ctx context.Context, filters DateFilters, location string) ([]DateSuggestion, error) {
	user := dateUserPrompt(filters, location)
	var out struct {
		Suggestions []DateSuggestion `json:"suggestions"`
	}
	if err := c.complete(ctx, dateSystemPrompt, user, &out); err != nil {
		return nil, err
	}
	return out.Suggestions, nil
}

func (c *Client) AnalyzeTriggers(ctx context.Context, profiles []TriggerProfile) (TriggerInsights, error) {
	var out TriggerInsights
	if err := c.complete(ctx, triggerSystemPrompt, triggerUserPrompt(profiles), &out); err != nil {
		return TriggerInsights{}, err
	}
	return out, nil
}

func (c *Client) GenerateVisionBoard(ctx context.Context, req VisionRequest) (VisionPrompt, error) {
	var out VisionPrompt
	if err := c.complete(ctx, visionSystemPrompt, visionUserPrompt(req), &out); err != nil {
		return VisionPrompt{}, err
	}
	return out, nil
}

func (c *Client) AnalyzeConversation(ctx context.Context, req ConversationRequest) (ConversationInsights, error) {
	var out ConversationInsights
	if err := c.complete(ctx, conversationSystemPrompt, conversationUserPrompt(req), &out); err != nil {
		return ConversationInsights{}, err
	}
	return out, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
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

func (c *Client) complete(ctx context.Context, system, user string, out any) error {
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusPaymentRequired:
		return ErrQuotaExceeded
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ai provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return fmt.Errorf("decode ai response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return ErrEmptyCompletion
	}
	content := stripCodeFences(chat.Choices[0].Message.Content)
	if content == "" {
		return ErrEmptyCompletion
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode ai completion: %w", err)
	}
	return nil
}

// stripCodeFences removes a ```json ... ``` wrapper some models add around
// the JSON they were asked for.
func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
