package classify

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Lexicon is an offline classifier counting term hits per category.
type Lexicon struct {
	Categories map[string][]string `yaml:"categories"`
}

// ParseLexicon reads a YAML lexicon document.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lx Lexicon
	if err := yaml.Unmarshal(data, &lx); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	if len(lx.Categories) == 0 {
		return nil, fmt.Errorf("parse lexicon: no categories")
	}
	for name, terms := range lx.Categories {
		if name == CleanCategory {
			return nil, fmt.Errorf("parse lexicon: %q is reserved", CleanCategory)
		}
		for i, t := range terms {
			terms[i] = strings.ToLower(strings.TrimSpace(t))
		}
	}
	return &lx, nil
}

// LoadLexicon reads a lexicon file, or the built-in lexicon when path is empty.
func LoadLexicon(path string) (*Lexicon, error) {
	if path == "" {
		return ParseLexicon(defaultLexicon)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return ParseLexicon(data)
}

// Classify scores text by term hits. With H total hits the clean score is
// 1/(1+2H) and the remainder is split across categories by hit share.
func (l *Lexicon) Classify(_ context.Context, text string) (map[string]float64, error) {
	lower := strings.ToLower(text)

	hits := make(map[string]int, len(l.Categories))
	total := 0
	for name, terms := range l.Categories {
		for _, t := range terms {
			if t == "" {
				continue
			}
			hits[name] += strings.Count(lower, t)
		}
		total += hits[name]
	}

	clean := 1 / (1 + 2*float64(total))
	scores := map[string]float64{CleanCategory: clean}
	for name, h := range hits {
		if total == 0 {
			scores[name] = 0
			continue
		}
		scores[name] = (1 - clean) * float64(h) / float64(total)
	}
	return scores, nil
}
