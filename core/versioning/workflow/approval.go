package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polver/polver/core/infra/logging"
	"github.com/polver/polver/core/versioning/store"
)

// approvalTTL bounds how long a pending approval stays actionable.
// Past the deadline the request is terminal and a fresh one is needed.
const approvalTTL = 72 * time.Hour

// RequestApproval opens a pending approval for promoting a source
// branch commit into a gated target branch. The approval is pinned to
// that commit (the branch head when sourceVersion is empty): promoting
// a different commit later needs a fresh approval.
func (e *PromotionEngine) RequestApproval(ctx context.Context, policyID, sourceBranch, targetBranch, sourceVersion, requestedBy string) (*store.PendingApproval, error) {
	if !e.branches.ValidTransition(sourceBranch, targetBranch) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidPromotionPath, sourceBranch, targetBranch)
	}
	cfg := e.branches.ConfigFor(targetBranch)
	if !cfg.RequiresApproval {
		return nil, fmt.Errorf("branch %s does not require approval", targetBranch)
	}

	commit, err := e.resolveSource(ctx, PromoteRequest{
		PolicyID:      policyID,
		SourceBranch:  sourceBranch,
		SourceVersion: sourceVersion,
	})
	if err != nil {
		return nil, err
	}

	approval := &store.PendingApproval{
		ApprovalID:        uuid.NewString(),
		PolicyID:          policyID,
		SourceBranch:      sourceBranch,
		TargetBranch:      targetBranch,
		CommitID:          commit.CommitID,
		Version:           commit.Version,
		RequiredApprovals: cfg.MinApprovers,
		Status:            store.ApprovalPending,
		RequestedBy:       requestedBy,
		ExpiresAt:         time.Now().UTC().Add(approvalTTL),
	}
	if err := e.store.PutApproval(ctx, approval); err != nil {
		return nil, err
	}
	logging.Info("approval", "approval requested",
		"policy", policyID, "approval", approval.ApprovalID,
		"source", sourceBranch, "target", targetBranch, "commit", commit.CommitID)
	return approval, nil
}

// Approve records one reviewer's sign-off. When the required count is
// reached the approval flips to approved. Requesters cannot approve
// their own promotions and each reviewer counts once.
func (e *PromotionEngine) Approve(ctx context.Context, approvalID, approver string) (*store.PendingApproval, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver required")
	}
	return e.store.UpdateApproval(ctx, approvalID, func(a *store.PendingApproval) error {
		if approver == a.RequestedBy {
			return fmt.Errorf("requester %s cannot approve their own promotion", approver)
		}
		if a.HasApprover(approver) {
			return fmt.Errorf("%s already approved %s", approver, approvalID)
		}
		a.Approvers = append(a.Approvers, approver)
		if len(a.Approvers) >= a.RequiredApprovals {
			a.Status = store.ApprovalApproved
		}
		return nil
	})
}

// Reject closes the approval; the promotion cannot proceed on it.
func (e *PromotionEngine) Reject(ctx context.Context, approvalID, reviewer, reason string) (*store.PendingApproval, error) {
	return e.store.UpdateApproval(ctx, approvalID, func(a *store.PendingApproval) error {
		a.Status = store.ApprovalRejected
		a.RejectedBy = reviewer
		a.Reason = reason
		return nil
	})
}

// CancelApproval withdraws a pending approval request.
func (e *PromotionEngine) CancelApproval(ctx context.Context, approvalID, reason string) (*store.PendingApproval, error) {
	return e.store.UpdateApproval(ctx, approvalID, func(a *store.PendingApproval) error {
		a.Status = store.ApprovalCanceled
		a.Reason = reason
		return nil
	})
}
