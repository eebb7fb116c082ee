// Package approval implements the human checkpoint gate. When a checkpoint
// is enabled the pipeline suspends on a persisted approval request and waits
// for exactly one decision; the request survives restarts, so a resumed
// pipeline re-enters the same wait without creating a duplicate. Decisions
// arrive out of band through the manager API, which resolves the persisted
// record; the gate only creates requests and polls for their resolution.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"longform/pkg/logx"
	"longform/pkg/persistence"
)

// DefaultPollInterval is how often a suspended gate re-reads its request.
const DefaultPollInterval = 5 * time.Second

// ErrInterrupted reports that a gate wait stopped at a suspension point
// before a decision arrived: the run context was canceled or a pause was
// requested. The pending request is untouched and the wait can be resumed.
var ErrInterrupted = errors.New("approval wait interrupted")

// Store is the persistence surface the gate needs. The sqlite operations
// layer satisfies it directly.
type Store interface {
	InsertApproval(approval *persistence.ApprovalRecord) error
	GetApprovalByID(approvalID string) (*persistence.ApprovalRecord, error)
}

var _ Store = (*persistence.DatabaseOperations)(nil)

// Decision is the resolved outcome of one approval request.
type Decision struct {
	// Approved is the human's verdict.
	Approved bool

	// Notes carries the reviewer's comments. For rejections the notes feed
	// the next critique round; empty notes are a valid bare rejection and
	// re-enter the loop with empty feedback.
	Notes string

	// DecidedAt is when the decision was recorded.
	DecidedAt time.Time
}

// Gate suspends a pipeline on persisted approval requests.
//
//nolint:govet // fieldalignment: field order optimized for readability
type Gate struct {
	store  Store
	logger *logx.Logger

	// Poll is the wait loop's re-read interval. Zero uses the default.
	Poll time.Duration

	// Interrupt is consulted between polls. A true return suspends the wait
	// with ErrInterrupted; the manager wires the project pause flag here.
	Interrupt func() bool
}

// NewGate creates a gate over the given approval store.
func NewGate(store Store, logger *logx.Logger) *Gate {
	if logger == nil {
		logger = logx.NewLogger("approval")
	}
	return &Gate{store: store, logger: logger}
}

// Request creates a pending approval request for the checkpoint and returns
// it. The store's partial unique index guarantees at most one pending request
// per project; a second concurrent request fails.
func (g *Gate) Request(projectID, checkpoint, summary string) (*persistence.ApprovalRecord, error) {
	rec := &persistence.ApprovalRecord{
		ID:         persistence.GenerateApprovalID(),
		ProjectID:  projectID,
		Checkpoint: checkpoint,
		Summary:    summary,
		Status:     persistence.ApprovalStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.store.InsertApproval(rec); err != nil {
		return nil, fmt.Errorf("failed to create %s approval request: %w", checkpoint, err)
	}
	g.logger.Info("📦 Approval requested: checkpoint=%s project=%s id=%s", checkpoint, projectID, rec.ID)
	return rec, nil
}

// Await blocks until the request is decided, polling the store. It returns
// ErrInterrupted (wrapped) when the context is canceled or the Interrupt
// check fires; the request stays pending and a later Await picks it up.
func (g *Gate) Await(ctx context.Context, approvalID string) (*Decision, error) {
	poll := g.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		rec, err := g.store.GetApprovalByID(approvalID)
		if err != nil {
			return nil, fmt.Errorf("failed to read approval %s: %w", approvalID, err)
		}
		if rec.Status != persistence.ApprovalStatusPending {
			return decisionFrom(rec)
		}

		if g.Interrupt != nil && g.Interrupt() {
			g.logger.Info("⚠️  Approval wait interrupted: pause requested while %s is pending", approvalID)
			return nil, fmt.Errorf("%w: pause requested", ErrInterrupted)
		}

		select {
		case <-ctx.Done():
			g.logger.Info("⚠️  Approval wait interrupted: %v while %s is pending", ctx.Err(), approvalID)
			return nil, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		case <-ticker.C:
		}
	}
}

// decisionFrom converts a resolved record into a Decision.
func decisionFrom(rec *persistence.ApprovalRecord) (*Decision, error) {
	d := &Decision{Notes: rec.Notes}
	switch rec.Status {
	case persistence.ApprovalStatusApproved:
		d.Approved = true
	case persistence.ApprovalStatusRejected:
		d.Approved = false
	default:
		return nil, fmt.Errorf("approval %s has unexpected status %q", rec.ID, rec.Status)
	}
	if rec.DecidedAt != nil {
		d.DecidedAt = *rec.DecidedAt
	}
	return d, nil
}
