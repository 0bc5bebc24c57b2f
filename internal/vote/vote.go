// Package vote groups semantically similar vote options and classifies
// consensus.
package vote

import (
	"context"
	"sort"
	"strings"

	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
)

// GroupingThreshold is the minimum similarity for two distinct option
// strings to join the same group, tested exactly at the boundary: 0.70
// merges, 0.699999... does not.
const GroupingThreshold = 0.70

// group is one cluster of semantically-equivalent option strings.
type group struct {
	representative string // first-seen member; the canonical name
	firstSeenIdx   int
}

// groupOptions clusters distinct option strings in first-seen order: each
// option joins the first earlier group whose representative scores
// >= GroupingThreshold, else starts a new group. Grouping already-grouped
// canonical names is idempotent — representatives that are not genuinely
// similar never merge on a second pass. Returns both the groups (for
// first-seen ordering) and a representative lookup per option string.
func groupOptions(ctx context.Context, backend similarity.Backend, optionsInOrder []string) ([]*group, map[string]string) {
	var groups []*group
	repForOption := make(map[string]string, len(optionsInOrder))
	for idx, opt := range optionsInOrder {
		var joined *group
		for _, g := range groups {
			if backend.Score(ctx, g.representative, opt) >= GroupingThreshold {
				joined = g
				break
			}
		}
		if joined == nil {
			joined = &group{representative: opt, firstSeenIdx: idx}
			groups = append(groups, joined)
		}
		repForOption[opt] = joined.representative
	}
	return groups, repForOption
}

// Aggregate builds a VotingResult from the full ordered sequence of
// RoundVotes. If a participant casts multiple votes within a single
// round, only the last is counted for that round.
func Aggregate(ctx context.Context, backend similarity.Backend, votesByRound [][]model.RoundVote) model.VotingResult {
	result := model.VotingResult{VotesByRound: votesByRound}

	// Dedup within each round: last vote per participant wins.
	var allVotes []model.RoundVote
	for _, round := range votesByRound {
		lastByParticipant := make(map[string]model.RoundVote)
		order := make([]string, 0, len(round))
		for _, rv := range round {
			if _, seen := lastByParticipant[rv.ParticipantID]; !seen {
				order = append(order, rv.ParticipantID)
			}
			lastByParticipant[rv.ParticipantID] = rv
		}
		for _, pid := range order {
			allVotes = append(allVotes, lastByParticipant[pid])
		}
	}

	if len(allVotes) == 0 {
		result.ConsensusClass = model.ConsensusNoVotes
		result.ConsensusReached = false
		return result
	}

	// First-seen order of distinct option strings across all rounds.
	var optionsInOrder []string
	seenOption := make(map[string]bool)
	for _, rv := range allVotes {
		opt := strings.TrimSpace(rv.Vote.Option)
		if opt == "" {
			continue
		}
		if !seenOption[opt] {
			seenOption[opt] = true
			optionsInOrder = append(optionsInOrder, opt)
		}
	}

	groups, repForOption := groupOptions(ctx, backend, optionsInOrder)

	// Tally counts over the last round in which each participant voted,
	// for consensus classification; tally all votes for the reported
	// final_tally.
	counts := make(map[string]int, len(groups))
	for _, rv := range allVotes {
		opt := strings.TrimSpace(rv.Vote.Option)
		if opt == "" {
			continue
		}
		rep := repForOption[opt]
		counts[rep]++
	}

	entries := make([]model.TallyEntry, 0, len(counts))
	for rep, c := range counts {
		entries = append(entries, model.TallyEntry{Option: rep, Count: c})
	}
	repFirstSeenIdx := make(map[string]int, len(groups))
	for _, g := range groups {
		repFirstSeenIdx[g.representative] = g.firstSeenIdx
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return repFirstSeenIdx[entries[i].Option] < repFirstSeenIdx[entries[j].Option]
	})
	result.FinalTally = entries

	// Consensus classification uses only the last round in which votes
	// were cast: a participant missing from the last round doesn't count
	// against them, but only that round's ballots decide
	// unanimity/majority.
	lastRoundVotes := lastNonEmptyRound(votesByRound)
	lastRoundCounts := make(map[string]int)
	lastRoundVoters := 0
	lastByParticipant := make(map[string]model.RoundVote)
	for _, rv := range lastRoundVotes {
		lastByParticipant[rv.ParticipantID] = rv
	}
	for _, rv := range lastByParticipant {
		opt := strings.TrimSpace(rv.Vote.Option)
		if opt == "" {
			continue
		}
		rep := repForOption[opt]
		lastRoundCounts[rep]++
		lastRoundVoters++
	}

	class, winner := classify(lastRoundCounts, lastRoundVoters)
	result.ConsensusClass = class
	result.ConsensusReached = class == model.ConsensusUnanimous || class == model.ConsensusMajority
	if result.ConsensusReached {
		result.WinningOption = winner
	}
	return result
}

func lastNonEmptyRound(votesByRound [][]model.RoundVote) []model.RoundVote {
	for i := len(votesByRound) - 1; i >= 0; i-- {
		if len(votesByRound[i]) > 0 {
			return votesByRound[i]
		}
	}
	return nil
}

// classify applies the consensus rule over a single round's tally.
func classify(counts map[string]int, totalVoters int) (model.ConsensusClass, *string) {
	if totalVoters == 0 {
		return model.ConsensusNoVotes, nil
	}
	if len(counts) == 1 {
		for opt := range counts {
			o := opt
			return model.ConsensusUnanimous, &o
		}
	}

	type pair struct {
		opt   string
		count int
	}
	var sorted []pair
	for opt, c := range counts {
		sorted = append(sorted, pair{opt, c})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].count > sorted[j].count })

	top := sorted[0]
	strictlyExceedsAll := true
	for _, p := range sorted[1:] {
		if p.count >= top.count {
			strictlyExceedsAll = false
			break
		}
	}
	if strictlyExceedsAll && float64(top.count) > float64(totalVoters)/2.0 {
		o := top.opt
		return model.ConsensusMajority, &o
	}
	return model.ConsensusTie, nil
}
