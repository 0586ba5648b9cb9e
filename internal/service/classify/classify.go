// Package classify labels finalized sentences with a content classification.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"realtime-stt-service/internal/observability/logging"
	"realtime-stt-service/internal/observability/metrics"
)

const (
	// CleanCategory is the score key for benign text.
	CleanCategory = "clean"

	cleanThreshold    = 0.4
	categoryThreshold = 0.2
	maxCategories     = 2

	// ErrorLabel replaces the decision when the classifier fails.
	ErrorLabel = "classification error"
)

// ErrEmptyScores is returned by classifiers that produced no categories.
var ErrEmptyScores = errors.New("classifier returned no scores")

// Classifier maps text to category scores in [0,1].
type Classifier interface {
	Classify(ctx context.Context, text string) (map[string]float64, error)
}

// Label applies the decision rule to a score mapping. It is pure: equal
// inputs always give equal outputs.
func Label(scores map[string]float64) string {
	clean := scores[CleanCategory]
	if clean >= cleanThreshold {
		return fmt.Sprintf("not flagged, %s: %.2f", CleanCategory, clean)
	}

	type scored struct {
		name  string
		score float64
	}
	others := make([]scored, 0, len(scores))
	for name, score := range scores {
		if name == CleanCategory {
			continue
		}
		others = append(others, scored{name, score})
	}
	sort.Slice(others, func(i, j int) bool {
		if others[i].score != others[j].score {
			return others[i].score > others[j].score
		}
		return others[i].name < others[j].name
	})
	if len(others) > maxCategories {
		others = others[:maxCategories]
	}

	var b strings.Builder
	b.WriteString("flagged")
	for _, s := range others {
		if s.score > categoryThreshold {
			fmt.Fprintf(&b, ", %s: %.2f", s.name, s.score)
		}
	}
	return b.String()
}

// Annotator calls a Classifier and renders its scores as a label. Safe for
// concurrent use when the classifier is.
type Annotator struct {
	classifier Classifier
	timeout    time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewAnnotator wraps a classifier. A zero timeout leaves the caller's
// context in charge.
func NewAnnotator(c Classifier, timeout time.Duration, m *metrics.Metrics) *Annotator {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Annotator{
		classifier: c,
		timeout:    timeout,
		metrics:    m,
		log:        logging.WithComponent("classifier"),
	}
}

// Annotate classifies text and appends the call duration. Classifier
// failures yield ErrorLabel rather than an error.
func (a *Annotator) Annotate(ctx context.Context, text string) string {
	start := time.Now()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	scores, err := a.classifier.Classify(ctx, text)
	if err == nil && len(scores) == 0 {
		err = ErrEmptyScores
	}
	took := time.Since(start)
	a.metrics.RecordClassification(err, took.Seconds())

	label := ErrorLabel
	if err != nil {
		a.log.Error().Err(err).Int("textLength", len(text)).Msg("Classification failed")
	} else {
		label = Label(scores)
	}
	return fmt.Sprintf("%s, took %.2fs", label, took.Seconds())
}
