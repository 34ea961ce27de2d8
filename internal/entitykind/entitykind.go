package entitykind

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Ordering is the declared position rule for a kind's collection.
type Ordering int

const (
	CreatedAtDesc Ordering = iota
	CreatedAtAsc
	SortKeyAsc
	SortKeyDesc
)

var (
	ErrUnknownKind    = errors.New("unknown entity kind")
	ErrInvalidPayload = errors.New("invalid entity payload")
)

// Payload is the decoded domain-field document of an entity.
type Payload map[string]any

// Definition is the per-entity configuration the shared pipeline needs:
// how to validate a payload, how to order the collection, and how to derive
// the sort key when the ordering is not creation time.
type Definition struct {
	Kind     string
	Ordering Ordering
	Validate func(Payload) error
	SortKey  func(Payload) string
}

var registry = map[string]Definition{}

func register(def Definition) {
	registry[def.Kind] = def
}

// Lookup returns the definition for a kind.
func Lookup(kind string) (Definition, bool) {
	def, ok := registry[strings.TrimSpace(kind)]
	return def, ok
}

// Kinds lists every registered kind.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Decode parses a raw payload document.
func Decode(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Check decodes and validates a raw payload for the given kind, returning the
// derived sort key.
func Check(kind string, raw json.RawMessage) (string, error) {
	def, ok := Lookup(kind)
	if !ok {
		return "", ErrUnknownKind
	}
	p, err := Decode(raw)
	if err != nil {
		return "", err
	}
	if err := def.Validate(p); err != nil {
		return "", err
	}
	if def.SortKey != nil {
		return def.SortKey(p), nil
	}
	return "", nil
}

func stringField(p Payload, field string) string {
	v, _ := p[field].(string)
	return strings.TrimSpace(v)
}

func numberField(p Payload, field string) (float64, bool) {
	v, ok := p[field].(float64)
	return v, ok
}

func requireString(p Payload, field string) error {
	if stringField(p, field) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
	}
	return nil
}

func requireOneOf(p Payload, field string, allowed ...string) error {
	v := stringField(p, field)
	for _, candidate := range allowed {
		if v == candidate {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %s", ErrInvalidPayload, field, strings.Join(allowed, "|"))
}

func requireNonNegative(p Payload, field string) error {
	v, ok := numberField(p, field)
	if !ok || v < 0 {
		return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidPayload, field)
	}
	return nil
}

func init() {
	register(Definition{
		Kind:     "todo",
		Ordering: CreatedAtDesc,
		Validate: func(p Payload) error {
			if err := requireString(p, "text"); err != nil {
				return err
			}
			return requireOneOf(p, "category", "personal", "couple", "relationship", "repair", "shared")
		},
	})

	register(Definition{
		Kind:     "goal",
		Ordering: CreatedAtDesc,
		Validate: func(p Payload) error {
			if err := requireString(p, "title"); err != nil {
				return err
			}
			return requireOneOf(p, "category",
				"communication", "financial", "quality-time", "family",
				"dreams", "intimacy", "growth", "wellness")
		},
	})

	register(Definition{
		Kind:     "budget",
		Ordering: SortKeyDesc,
		Validate: func(p Payload) error {
			month, ok := numberField(p, "month")
			if !ok || month < 1 || month > 12 {
				return fmt.Errorf("%w: month must be 1-12", ErrInvalidPayload)
			}
			year, ok := numberField(p, "year")
			if !ok || year < 2000 || year > 2200 {
				return fmt.Errorf("%w: year is out of range", ErrInvalidPayload)
			}
			if err := requireOneOf(p, "template", "standard", "50-30-20", "zero-based", "envelope"); err != nil {
				return err
			}
			return requireNonNegative(p, "total_income")
		},
		SortKey: func(p Payload) string {
			month, _ := numberField(p, "month")
			year, _ := numberField(p, "year")
			return fmt.Sprintf("%04d-%02d", int(year), int(month))
		},
	})

	register(Definition{
		Kind:     "budget-item",
		Ordering: CreatedAtAsc,
		Validate: func(p Payload) error {
			if err := requireString(p, "name"); err != nil {
				return err
			}
			if err := requireString(p, "category"); err != nil {
				return err
			}
			if err := requireString(p, "budget_id"); err != nil {
				return err
			}
			if err := requireOneOf(p, "type", "income", "expense", "savings"); err != nil {
				return err
			}
			if err := requireNonNegative(p, "planned_amount"); err != nil {
				return err
			}
			return requireNonNegative(p, "actual_amount")
		},
	})

	register(Definition{
		Kind:     "calendar-event",
		Ordering: SortKeyAsc,
		Validate: func(p Payload) error {
			if err := requireString(p, "title"); err != nil {
				return err
			}
			if _, err := time.Parse("2006-01-02", stringField(p, "date")); err != nil {
				return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidPayload)
			}
			if err := requireOneOf(p, "category",
				"date-night", "check-in", "vision-update", "budget", "custom"); err != nil {
				return err
			}
			if stringField(p, "recurring") != "" {
				return requireOneOf(p, "recurring", "none", "weekly", "biweekly", "monthly")
			}
			return nil
		},
		SortKey: func(p Payload) string {
			return stringField(p, "date")
		},
	})

	register(Definition{
		Kind:     "vision-item",
		Ordering: CreatedAtDesc,
		Validate: func(p Payload) error {
			if err := requireOneOf(p, "type", "image", "affirmation", "goal", "text"); err != nil {
				return err
			}
			if err := requireString(p, "content"); err != nil {
				return err
			}
			if err := requireOneOf(p, "timeframe", "3-month", "1-year", "5-year"); err != nil {
				return err
			}
			if stringField(p, "type") == "image" {
				return requireString(p, "image_url")
			}
			return nil
		},
	})

	register(Definition{
		Kind:     "trigger-profile",
		Ordering: CreatedAtDesc,
		Validate: func(p Payload) error {
			if err := requireString(p, "user_id"); err != nil {
				return err
			}
			if err := requireOneOf(p, "conflict_style",
				"avoider", "pursuer", "peacemaker", "analyzer", "expresser"); err != nil {
				return err
			}
			return requireOneOf(p, "stress_response", "fight", "flight", "freeze", "fawn")
		},
	})

	register(Definition{
		Kind:     "love-language-result",
		Ordering: CreatedAtDesc,
		Validate: func(p Payload) error {
			if err := requireString(p, "user_id"); err != nil {
				return err
			}
			scores, ok := p["scores"].(map[string]any)
			if !ok || len(scores) == 0 {
				return fmt.Errorf("%w: scores are required", ErrInvalidPayload)
			}
			for language, raw := range scores {
				score, ok := raw.(float64)
				if !ok || score < 0 {
					return fmt.Errorf("%w: score for %s must be a non-negative number", ErrInvalidPayload, language)
				}
			}
			return nil
		},
	})

	register(Definition{
		Kind:     "checkin",
		Ordering: CreatedAtDesc,
		Validate: func(p Payload) error {
			if err := requireString(p, "user_id"); err != nil {
				return err
			}
			return requireOneOf(p, "mood", "great", "good", "okay", "low", "struggling")
		},
	})
}
