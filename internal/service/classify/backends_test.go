package classify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestHTTPClassifier(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		wantLabel string
	}{
		{
			name:      "batched response",
			status:    http.StatusOK,
			body:      `[[{"label":"CLEAN","score":0.1},{"label":"insult","score":0.6},{"label":"profanity","score":0.25}]]`,
			wantLabel: "flagged, insult: 0.60, profanity: 0.25",
		},
		{
			name:      "flat response",
			status:    http.StatusOK,
			body:      `[{"label":"clean","score":0.9},{"label":"insult","score":0.1}]`,
			wantLabel: "not flagged, clean: 0.90",
		},
		{name: "server error", status: http.StatusServiceUnavailable, body: `loading`, wantErr: true},
		{name: "garbage", status: http.StatusOK, body: `{"error":"x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPClassifier(srv.URL, "tok", srv.Client())
			scores, err := c.Classify(context.Background(), "text")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Classify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := Label(scores); got != tt.wantLabel {
				t.Errorf("Label() = %q, want %q", got, tt.wantLabel)
			}
		})
	}
}

func TestModeration_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/moderations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":true,"categories":{"harassment":true},"category_scores":{"harassment":0.75,"hate":0.125}}]}`))
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = srv.URL + "/v1"
	m := NewModerationWithClient(openai.NewClientWithConfig(cfg))

	scores, err := m.Classify(context.Background(), "text")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if scores[CleanCategory] != 0.25 {
		t.Errorf("clean = %v, want 0.25", scores[CleanCategory])
	}
	if got := Label(scores); got != "flagged, harassment: 0.75" {
		t.Errorf("Label() = %q", got)
	}
}
