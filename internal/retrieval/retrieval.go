// Package retrieval finds, for a new question, the most relevant past
// decisions and renders them into a token-budgeted markdown context
// block.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kaigi-labs/kaigi/internal/cache"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
	"github.com/kaigi-labs/kaigi/internal/store"
)

// Thresholds holds the tunable knobs for candidate retrieval and
// formatting. Zero values fall back to package defaults.
type Thresholds struct {
	NoiseFloor   float64 // default 0.40
	TierStrong   float64 // default 0.75
	TierModerate float64 // default 0.60
	TokenBudget  int     // default 1500
}

func (t Thresholds) withDefaults() Thresholds {
	if t.NoiseFloor == 0 {
		t.NoiseFloor = 0.40
	}
	if t.TierStrong == 0 {
		t.TierStrong = 0.75
	}
	if t.TierModerate == 0 {
		t.TierModerate = 0.60
	}
	if t.TokenBudget == 0 {
		t.TokenBudget = 1500
	}
	return t
}

// Tier classifies a scored candidate for rendering purposes.
type Tier int

const (
	TierBrief Tier = iota
	TierModerateLevel
	TierStrongLevel
)

// approximate per-item token costs by tier.
const (
	tokensStrong   = 500
	tokensModerate = 200
	tokensBrief    = 50
)

// Scored pairs a DecisionNode with its similarity score relative to a
// question, ordered score desc.
type Scored struct {
	Node  model.DecisionNode
	Score float64
	Tier  Tier
}

// Retriever finds and formats relevant past decisions for a new question.
type Retriever struct {
	store      *store.DB
	backend    similarity.Backend
	cache      *cache.Cache
	thresholds Thresholds
}

// New constructs a Retriever.
func New(db *store.DB, backend similarity.Backend, c *cache.Cache, thresholds Thresholds) *Retriever {
	return &Retriever{store: db, backend: backend, cache: c, thresholds: thresholds.withDefaults()}
}

// Backend exposes the similarity backend for callers outside this
// package that need ad-hoc scoring, such as the query operations in
// internal/graph.
func (r *Retriever) Backend() similarity.Backend { return r.backend }

// adaptiveK picks a candidate count scaled to store size.
func adaptiveK(storeSize int) int {
	switch {
	case storeSize < 100:
		return 5
	case storeSize < 1000:
		return 3
	default:
		return 2
	}
}

// FindRelevantDecisions returns the top adaptive-k candidates above the
// noise floor, ordered by score desc.
func (r *Retriever) FindRelevantDecisions(ctx context.Context, questionNormalized, question string) ([]Scored, error) {
	storeSize, err := r.store.CountDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieval: count decisions: %w", err)
	}
	if storeSize == 0 {
		return nil, nil
	}

	window := storeSize
	if window > 1000 {
		window = 1000
	}
	k := adaptiveK(storeSize)

	candidates, err := r.store.GetRecent(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("retrieval: get recent: %w", err)
	}

	var scored []Scored
	for _, c := range candidates {
		var score float64
		cacheKey := cache.HashKey(questionNormalized, "embedding", c.ID.String())
		if r.cache != nil {
			if v, ok := r.cache.Embedding.Get(cacheKey); ok {
				score = model.ClampUnit(float64(decodeScoreFromVec(v)))
			} else {
				score = model.ClampUnit(r.backend.Score(ctx, question, c.Question))
				r.cache.Embedding.Put(cacheKey, encodeScoreAsVec(score))
			}
		} else {
			score = model.ClampUnit(r.backend.Score(ctx, question, c.Question))
		}

		if score < r.thresholds.NoiseFloor {
			continue
		}
		scored = append(scored, Scored{Node: c, Score: score, Tier: classifyTier(score, r.thresholds)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// decodeScoreFromVec/encodeScoreAsVec let the L2 cache (typed []float32)
// also hold a pre-computed similarity score keyed per (question,
// candidate) pair, avoiding recomputation across retrieval calls within
// the embedding_version's lifetime.
func encodeScoreAsVec(score float64) []float32 { return []float32{float32(score)} }
func decodeScoreFromVec(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	return float64(v[0])
}

func classifyTier(score float64, t Thresholds) Tier {
	switch {
	case score >= t.TierStrong:
		return TierStrongLevel
	case score >= t.TierModerate:
		return TierModerateLevel
	default:
		return TierBrief
	}
}

// TierTokenCost returns the approximate token cost used for budget
// accounting and measurement logging.
func TierTokenCost(tier Tier) int { return tierTokenCost(tier) }

func tierTokenCost(tier Tier) int {
	switch tier {
	case TierStrongLevel:
		return tokensStrong
	case TierModerateLevel:
		return tokensModerate
	default:
		return tokensBrief
	}
}

func tierLabel(tier Tier) string {
	switch tier {
	case TierStrongLevel:
		return "STRONG"
	case TierModerateLevel:
		return "MODERATE"
	default:
		return "BRIEF"
	}
}

// SelectWithinBudget orders scored candidates by (tier desc, score desc)
// and greedily fills until the next item would overflow tokenBudget,
// returning the included subset and the tokens consumed.
func SelectWithinBudget(scored []Scored, thresholds Thresholds) ([]Scored, int) {
	t := thresholds.withDefaults()

	ordered := make([]Scored, len(scored))
	copy(ordered, scored)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Tier != ordered[j].Tier {
			return ordered[i].Tier > ordered[j].Tier // STRONG(2) > MODERATE(1) > BRIEF(0)
		}
		return ordered[i].Score > ordered[j].Score
	})

	var included []Scored
	tokensUsed := 0
	for _, s := range ordered {
		cost := tierTokenCost(s.Tier)
		if tokensUsed+cost > t.TokenBudget {
			break
		}
		included = append(included, s)
		tokensUsed += cost
	}
	return included, tokensUsed
}

// FormatContext renders scored candidates into a single markdown block,
// filling greedily in (tier, score desc) order until the next item would
// overflow tokenBudget. An empty result (zero included items) is
// representable as a header-only block.
func FormatContext(scored []Scored, thresholds Thresholds) string {
	included, _ := SelectWithinBudget(scored, thresholds)

	counts := map[Tier]int{}
	for _, s := range included {
		counts[s.Tier]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Related past decisions (STRONG: %d, MODERATE: %d, BRIEF: %d)\n",
		counts[TierStrongLevel], counts[TierModerateLevel], counts[TierBrief])
	if len(included) == 0 {
		return b.String()
	}

	for _, tier := range []Tier{TierStrongLevel, TierModerateLevel, TierBrief} {
		var inTier []Scored
		for _, s := range included {
			if s.Tier == tier {
				inTier = append(inTier, s)
			}
		}
		if len(inTier) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n", tierLabel(tier))
		for _, s := range inTier {
			renderCandidate(&b, s, tier)
		}
	}
	return b.String()
}

func renderCandidate(b *strings.Builder, s Scored, tier Tier) {
	switch tier {
	case TierStrongLevel:
		fmt.Fprintf(b, "- **%s** (score %.2f, status %s)", s.Node.Question, s.Score, s.Node.ConsensusStatus)
		if s.Node.WinningOption != nil {
			fmt.Fprintf(b, "\n  Winning option: %s", *s.Node.WinningOption)
		}
		b.WriteString("\n")
	case TierModerateLevel:
		fmt.Fprintf(b, "- %s (score %.2f, status %s)\n", s.Node.Question, s.Score, s.Node.ConsensusStatus)
	default:
		fmt.Fprintf(b, "- %s\n", s.Node.Question)
	}
}
