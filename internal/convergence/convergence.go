// Package convergence classifies each round's evolution relative to the
// previous round, with a stability-based impasse signal and
// voting-result precedence.
package convergence

import (
	"context"
	"math"

	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
)

// Thresholds holds the configurable knobs for convergence detection. Zero
// values are replaced with package defaults by NewDetector.
type Thresholds struct {
	SemanticSimilarityThreshold float64 // default 0.85
	DivergenceThreshold         float64 // default 0.40
	MinRoundsBeforeCheck        int     // default 1
	ConsecutiveStableRounds     int     // default 2
}

func (t Thresholds) withDefaults() Thresholds {
	if t.SemanticSimilarityThreshold == 0 {
		t.SemanticSimilarityThreshold = 0.85
	}
	if t.DivergenceThreshold == 0 {
		t.DivergenceThreshold = 0.40
	}
	if t.ConsecutiveStableRounds == 0 {
		t.ConsecutiveStableRounds = 2
	}
	return t
}

// Detector classifies round-to-round evolution and tracks the stability
// history needed for impasse detection across a single deliberation.
type Detector struct {
	backend    similarity.Backend
	thresholds Thresholds

	// stability history: consecutive rounds whose avg_similarity changed
	// by less than 0.05 from the prior round's avg_similarity.
	stableStreak      int
	prevAvgSimilarity *float64
}

// NewDetector constructs a Detector for one deliberation's lifetime.
func NewDetector(backend similarity.Backend, thresholds Thresholds) *Detector {
	return &Detector{backend: backend, thresholds: thresholds.withDefaults()}
}

// CheckAllowed reports whether classification may run for roundNum:
// checking is allowed starting at round min_rounds_before_check + 1.
func (d *Detector) CheckAllowed(roundNum int) bool {
	return roundNum >= d.thresholds.MinRoundsBeforeCheck+1
}

// Classify compares round N's responses against round N-1's responses for
// every participant present in both, and returns the raw semantic
// classification plus per-participant similarity scores. voting, if
// non-nil and its ConsensusClass is not NoVotes, overrides the reported
// Status: voting overrides similarity.
func (d *Detector) Classify(ctx context.Context, prevRound, currRound []model.RoundResponse, roundNum int, voting *model.VotingResult) model.ConvergenceInfo {
	byParticipantPrev := indexByParticipant(prevRound)
	byParticipantCurr := indexByParticipant(currRound)

	// Only the average per-participant similarity is computed; it is
	// carried forward as final_similarity. No minimum similarity is
	// computed or reported.
	perParticipant := make(map[string]float64)
	var sum float64
	for pid, prevResp := range byParticipantPrev {
		currResp, ok := byParticipantCurr[pid]
		if !ok {
			continue
		}
		score := model.ClampUnit(d.backend.Score(ctx, prevResp.ResponseText, currResp.ResponseText))
		perParticipant[pid] = score
		sum += score
	}

	var avgSimilarity float64
	if len(perParticipant) > 0 {
		avgSimilarity = sum / float64(len(perParticipant))
	}

	raw := d.rawStatus(avgSimilarity)
	d.updateStability(avgSimilarity, raw)
	if d.stableStreak >= d.thresholds.ConsecutiveStableRounds && raw != model.StatusConverged {
		raw = model.StatusImpasse
	}

	info := model.ConvergenceInfo{
		FinalSimilarity:          avgSimilarity,
		Status:                   raw,
		PerParticipantSimilarity: perParticipant,
	}
	info.Detected = raw == model.StatusConverged || raw == model.StatusImpasse

	if voting != nil && voting.ConsensusClass != model.ConsensusNoVotes {
		switch voting.ConsensusClass {
		case model.ConsensusUnanimous:
			info.Status = model.StatusUnanimous
		case model.ConsensusMajority:
			info.Status = model.StatusMajority
		case model.ConsensusTie:
			info.Status = model.StatusTie
		}
		if voting.ConsensusClass == model.ConsensusUnanimous || voting.ConsensusClass == model.ConsensusMajority {
			info.Detected = true
		}
	}

	if info.Detected {
		r := roundNum
		info.DetectionRound = &r
	}
	return info
}

// rawStatus applies the three similarity-based thresholds. Boundary
// tests pin: exactly 0.85 is converged, exactly 0.40 is refining.
func (d *Detector) rawStatus(avgSimilarity float64) model.ConvergenceStatus {
	switch {
	case avgSimilarity >= d.thresholds.SemanticSimilarityThreshold:
		return model.StatusConverged
	case avgSimilarity < d.thresholds.DivergenceThreshold:
		return model.StatusDiverging
	default:
		return model.StatusRefining
	}
}

// updateStability extends or resets the consecutive-stable-rounds streak.
// Impasse only applies while the raw status isn't already converged.
func (d *Detector) updateStability(avgSimilarity float64, raw model.ConvergenceStatus) {
	if d.prevAvgSimilarity != nil && raw != model.StatusConverged &&
		math.Abs(avgSimilarity-*d.prevAvgSimilarity) < 0.05 {
		d.stableStreak++
	} else {
		d.stableStreak = 0
	}
	prev := avgSimilarity
	d.prevAvgSimilarity = &prev
}

func indexByParticipant(round []model.RoundResponse) map[string]model.RoundResponse {
	idx := make(map[string]model.RoundResponse, len(round))
	for _, r := range round {
		idx[r.ParticipantID] = r
	}
	return idx
}
