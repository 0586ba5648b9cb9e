package classify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Moderation classifies text with the OpenAI moderation endpoint. The
// clean score is one minus the highest category score.
type Moderation struct {
	client *openai.Client
	model  string
}

// NewModeration creates a moderation classifier using apiKey.
func NewModeration(apiKey string) *Moderation {
	return NewModerationWithClient(openai.NewClient(apiKey))
}

// NewModerationWithClient uses a preconfigured client, e.g. with a custom base URL.
func NewModerationWithClient(client *openai.Client) *Moderation {
	return &Moderation{client: client, model: openai.ModerationOmniLatest}
}

func (m *Moderation) Classify(ctx context.Context, text string) (map[string]float64, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: m.model})
	if err != nil {
		return nil, fmt.Errorf("moderation request: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, ErrEmptyScores
	}

	raw, err := json.Marshal(resp.Results[0].CategoryScores)
	if err != nil {
		return nil, fmt.Errorf("encode category scores: %w", err)
	}
	var scores map[string]float64
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil, fmt.Errorf("decode category scores: %w", err)
	}

	highest := 0.0
	for _, s := range scores {
		if s > highest {
			highest = s
		}
	}
	scores[CleanCategory] = 1 - highest
	return scores, nil
}
