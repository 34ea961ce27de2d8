package insights

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func completionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSuggestDates(t *testing.T) {
	content := `{"suggestions":[{"title":"Sunset Picnic","description":"d","instructions":"i","why_it_fits":"w","budget":"free","setting":"outdoor","energy":"low","mood":"romantic","conversation_prompts":["What made you smile today?"]}]}`
	srv := completionServer(t, http.StatusOK, content)
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "test-model")
	suggestions, err := c.SuggestDates(context.Background(), DateFilters{Budget: "free"}, "Lisbon")
	if err != nil {
		t.Fatalf("SuggestDates error: %v", err)
	}
	if len(suggestions) != 1 || suggestions[0].Title != "Sunset Picnic" {
		t.Fatalf("unexpected suggestions: %+v", suggestions)
	}
}

func TestAnalyzeTriggers_StripsCodeFences(t *testing.T) {
	content := "```json\n{\"dynamic_insights\":[\"a\"],\"potential_misunderstandings\":[\"b\"],\"growth_areas\":[\"c\"]}\n```"
	srv := completionServer(t, http.StatusOK, content)
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "test-model")
	insights, err := c.AnalyzeTriggers(context.Background(), []TriggerProfile{
		{Label: "Partner A", ConflictStyle: "avoider", StressResponse: "flight"},
		{Label: "Partner B", ConflictStyle: "pursuer", StressResponse: "fight"},
	})
	if err != nil {
		t.Fatalf("AnalyzeTriggers error: %v", err)
	}
	if len(insights.DynamicInsights) != 1 || insights.DynamicInsights[0] != "a" {
		t.Fatalf("unexpected insights: %+v", insights)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, "")
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "test-model")
	if _, err := c.GenerateVisionBoard(context.Background(), VisionRequest{Description: "beach house"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestComplete_QuotaExceeded(t *testing.T) {
	srv := completionServer(t, http.StatusPaymentRequired, "")
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "test-model")
	if _, err := c.AnalyzeConversation(context.Background(), ConversationRequest{Transcript: "hi"}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestComplete_EmptyCompletion(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "")
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "test-model")
	if _, err := c.GenerateVisionBoard(context.Background(), VisionRequest{Description: "x"}); !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}
