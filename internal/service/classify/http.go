package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPClassifier calls a text-classification inference endpoint that
// accepts {"inputs": text} and answers with label/score lists.
type HTTPClassifier struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPClassifier creates a classifier for endpoint. token is sent as a
// bearer token when non-empty.
func NewHTTPClassifier(endpoint, token string, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClassifier{endpoint: endpoint, token: token, client: client}
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify posts text and folds the response into a score map. Labels are
// lowercased so a "CLEAN" label maps to CleanCategory.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (map[string]float64, error) {
	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	items, err := decodeLabelScores(raw)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(items))
	for _, it := range items {
		scores[strings.ToLower(it.Label)] = it.Score
	}
	return scores, nil
}

// decodeLabelScores accepts both the batched [[...]] and flat [...] shapes.
func decodeLabelScores(raw []byte) ([]labelScore, error) {
	var nested [][]labelScore
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return nil, ErrEmptyScores
		}
		return nested[0], nil
	}
	var flat []labelScore
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	return flat, nil
}
