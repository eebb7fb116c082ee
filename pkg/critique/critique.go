// Package critique implements the bounded produce/judge loop shared by the
// plan review and the per-chunk review. A producer drafts or revises an
// artifact, a judge renders a verdict, and the loop alternates until the
// judge approves or the round cap is exhausted. Cap exhaustion is a normal
// resolution with its own outcome, never an error: long-form generation must
// always move forward, so a deadlocked review resolves to auto-approval.
package critique

import (
	"context"
	"fmt"

	"longform/pkg/logx"
)

// Outcome says how a review loop resolved.
type Outcome string

const (
	// OutcomeApproved means the judge accepted the artifact within the cap.
	OutcomeApproved Outcome = "approved"

	// OutcomeAutoApprovedAtCap means the round cap was exhausted without an
	// approval, or the judge's approval was forced by the cap. The artifact
	// is accepted as-is.
	OutcomeAutoApprovedAtCap Outcome = "auto_approved_at_cap"
)

// Verdict is one judge decision.
//
// A judge that cannot reach a well-formed decision returns a nil *Verdict
// (with a nil error): the loop treats that as a revision request with empty
// feedback and logs it. Absent or malformed verdicts never approve.
type Verdict struct {
	// Approved accepts the artifact and ends the loop.
	Approved bool

	// AtCap marks an approval that was forced by the round cap (the judge's
	// revision request was refused). The loop reports such approvals as
	// OutcomeAutoApprovedAtCap.
	AtCap bool

	// Feedback carries revision notes to the next produce round. Empty
	// feedback is valid; the producer revises against its own context.
	Feedback string
}

// ProduceFunc drafts or revises the artifact for one round. round is
// 1-based; feedback is the previous verdict's notes ("" on the first round
// unless the loop was seeded with initial feedback).
type ProduceFunc func(ctx context.Context, round int, feedback string) error

// JudgeFunc reviews the artifact for one round. A nil verdict with a nil
// error means the judge produced no usable decision.
type JudgeFunc func(ctx context.Context, round int) (*Verdict, error)

// LoopConfig defines one review loop.
//
//nolint:govet // fieldalignment: field order optimized for readability
type LoopConfig struct {
	// Name labels log lines ("plan", "chunk 3").
	Name string

	// MaxRounds caps judge rounds. Must be positive.
	MaxRounds int

	// StartRound is the number of rounds already spent, for loops resumed
	// from a snapshot. The loop runs at most MaxRounds-StartRound further
	// rounds; a loop resumed at or past the cap resolves immediately.
	StartRound int

	// SkipProduce resumes the loop at the judge step: the artifact of the
	// in-flight round already exists and must not be produced again.
	SkipProduce bool

	// InitialFeedback seeds the first produce round, e.g. the notes from a
	// rejected checkpoint decision.
	InitialFeedback string

	// Produce drafts or revises the artifact. Optional: when nil the judge
	// revises the artifact itself and the loop only re-enters the judge.
	Produce ProduceFunc

	// Judge reviews the artifact. Required.
	Judge JudgeFunc

	// Logger for round-level events. Optional.
	Logger *logx.Logger
}

// Resolution is the result of a completed review loop.
type Resolution struct {
	// Outcome is OutcomeApproved or OutcomeAutoApprovedAtCap.
	Outcome Outcome

	// Rounds is the total judge rounds spent, including StartRound.
	Rounds int
}

// AutoApproved reports whether the resolution was forced by the round cap.
func (r *Resolution) AutoApproved() bool {
	return r.Outcome == OutcomeAutoApprovedAtCap
}

func (cfg *LoopConfig) validate() error {
	if cfg.MaxRounds < 1 {
		return fmt.Errorf("critique: MaxRounds must be positive, got %d", cfg.MaxRounds)
	}
	if cfg.StartRound < 0 {
		return fmt.Errorf("critique: StartRound must not be negative, got %d", cfg.StartRound)
	}
	if cfg.Judge == nil {
		return fmt.Errorf("critique: Judge is required")
	}
	return nil
}

// RunLoop alternates produce and judge rounds until the judge approves or
// MaxRounds judge rounds have been spent. Errors from produce or judge stop
// the loop immediately and are returned as-is, so callers can distinguish
// pause/cancel sentinels from fatal failures.
func RunLoop(ctx context.Context, cfg *LoopConfig) (*Resolution, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger("critique")
	}

	feedback := cfg.InitialFeedback
	skipProduce := cfg.SkipProduce
	round := cfg.StartRound

	for round < cfg.MaxRounds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		round++

		if skipProduce {
			skipProduce = false
			logger.Info("🔄 Review loop %s: resuming round %d/%d at the judge step", cfg.Name, round, cfg.MaxRounds)
		} else if cfg.Produce != nil {
			logger.Info("🔄 Review loop %s: produce round %d/%d", cfg.Name, round, cfg.MaxRounds)
			if err := cfg.Produce(ctx, round, feedback); err != nil {
				return nil, err
			}
		}

		verdict, err := cfg.Judge(ctx, round)
		if err != nil {
			return nil, err
		}
		if verdict == nil {
			logger.Warn("⚠️  Review loop %s: no usable verdict in round %d, treating as revision with empty feedback",
				cfg.Name, round)
			feedback = ""
			continue
		}

		if verdict.Approved {
			outcome := OutcomeApproved
			if verdict.AtCap {
				outcome = OutcomeAutoApprovedAtCap
			}
			logger.Info("✅ Review loop %s: %s after %d round(s)", cfg.Name, outcome, round)
			return &Resolution{Outcome: outcome, Rounds: round}, nil
		}

		feedback = verdict.Feedback
		logger.Info("🔄 Review loop %s: revision requested in round %d/%d", cfg.Name, round, cfg.MaxRounds)
	}

	logger.Warn("⚠️  Review loop %s: round cap (%d) exhausted, auto-approving", cfg.Name, cfg.MaxRounds)
	return &Resolution{Outcome: OutcomeAutoApprovedAtCap, Rounds: round}, nil
}
