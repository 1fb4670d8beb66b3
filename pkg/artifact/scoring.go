package artifact

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoEvaluations indicates no branch had any scored evaluation.
var ErrNoEvaluations = errors.New("no scored evaluations for any branch")

// BranchScore is a branch's aggregate score.
type BranchScore struct {
	BranchID string
	Score    float64
	Count    int
}

// ScoreBranch computes the mean score of a branch's evaluations. When metric
// is non-empty, the named sub-metric inside the metrics map is averaged
// instead of the top-level score field. Evaluations missing the requested
// value are skipped.
func ScoreBranch(ctx context.Context, bus Bus, sessionID, branchID, metric string) (BranchScore, error) {
	evals, err := bus.EvaluationsFor(ctx, sessionID, branchID)
	if err != nil {
		return BranchScore{}, fmt.Errorf("failed to score branch %s: %w", branchID, err)
	}

	score := BranchScore{BranchID: branchID}
	var sum float64
	for _, eval := range evals {
		if metric != "" {
			value, ok := eval.Header.Metrics[metric]
			if !ok {
				continue
			}
			sum += value
			score.Count++
			continue
		}
		if eval.Header.Score == nil {
			continue
		}
		sum += *eval.Header.Score
		score.Count++
	}

	if score.Count > 0 {
		score.Score = sum / float64(score.Count)
	}
	return score, nil
}

// BestBranch picks the branch with the highest mean score among those with
// at least one scored evaluation. Returns ErrNoEvaluations when none
// qualify.
func BestBranch(ctx context.Context, bus Bus, sessionID string, branches []string, metric string) (BranchScore, error) {
	var best BranchScore
	found := false

	for _, branchID := range branches {
		score, err := ScoreBranch(ctx, bus, sessionID, branchID, metric)
		if err != nil {
			return BranchScore{}, err
		}
		if score.Count == 0 {
			continue
		}
		if !found || score.Score > best.Score {
			best = score
			found = true
		}
	}

	if !found {
		return BranchScore{}, fmt.Errorf("session %s: %w", sessionID, ErrNoEvaluations)
	}
	return best, nil
}
