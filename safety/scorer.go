package safety

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/core"
)

// Category is one screening dimension: a named set of indicator terms mapped
// to the risk level a match implies.
type Category struct {
	Name  string
	Level core.RiskLevel
	Terms []string
}

// DefaultCategories is a deliberately small, non-clinical starter taxonomy.
// Deployments replace it with a reviewed term set or swap in a model-backed
// scorer entirely; the engine only depends on the core.Scorer contract.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:  "self_harm",
			Level: core.RiskCritical,
			Terms: []string{"hurt myself", "kill myself", "end my life", "suicide", "self-harm", "self harm"},
		},
		{
			Name:  "harm_to_others",
			Level: core.RiskHigh,
			Terms: []string{"hurt someone", "kill them", "make them pay"},
		},
		{
			Name:  "acute_distress",
			Level: core.RiskModerate,
			Terms: []string{"hopeless", "can't go on", "cant go on", "no way out", "panic attack"},
		},
		{
			Name:  "low_mood",
			Level: core.RiskLow,
			Terms: []string{"worthless", "so alone", "nobody cares"},
		},
	}
}

// KeywordScorerOptions configures a KeywordScorer.
type KeywordScorerOptions struct {
	// Categories screened on every call. Defaults to DefaultCategories.
	Categories []Category
	// MaxParallel bounds the concurrent category checks per scoring call.
	MaxParallel int
}

// KeywordScorer is a deterministic core.Scorer matching lower-cased indicator
// terms per category. Categories are checked with bounded parallelism; the
// highest matched level wins and every matched category is reported.
type KeywordScorer struct {
	categories  []Category
	maxParallel int
}

// NewKeywordScorer constructs a KeywordScorer with optional overrides.
func NewKeywordScorer(optFns ...func(o *KeywordScorerOptions)) *KeywordScorer {
	opts := KeywordScorerOptions{
		Categories:  DefaultCategories(),
		MaxParallel: 4,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	return &KeywordScorer{categories: opts.Categories, maxParallel: opts.MaxParallel}
}

// Score implements core.Scorer.
func (s *KeywordScorer) Score(ctx context.Context, text string, sc core.ScoreContext) (core.SafetyAssessment, error) {
	lowered := strings.ToLower(text)

	var (
		mu      sync.Mutex
		level   = core.RiskNone
		matched []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	for _, cat := range s.categories {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for _, term := range cat.Terms {
				if strings.Contains(lowered, term) {
					mu.Lock()
					matched = append(matched, cat.Name)
					if cat.Level > level {
						level = cat.Level
					}
					mu.Unlock()
					break
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return core.SafetyAssessment{}, err
	}

	sort.Strings(matched)

	return core.SafetyAssessment{
		Level:      level,
		Categories: matched,
		AssessedAt: time.Now().UTC(),
		Source:     sc.Source,
	}, nil
}
