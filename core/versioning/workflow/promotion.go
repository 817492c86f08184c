package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polver/polver/core/infra/logging"
	"github.com/polver/polver/core/infra/metrics"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/branch"
	"github.com/polver/polver/core/versioning/diff"
	"github.com/polver/polver/core/versioning/merge"
	"github.com/polver/polver/core/versioning/semver"
	"github.com/polver/polver/core/versioning/store"
)

// PromotionEngine moves policy versions through the branch lattice.
type PromotionEngine struct {
	store     store.Store
	branches  *branch.Manager
	validator Validator
	metrics   metrics.Metrics
}

func NewPromotionEngine(st store.Store, branches *branch.Manager, validator Validator, m metrics.Metrics) *PromotionEngine {
	if validator == nil {
		validator = NoopValidator{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &PromotionEngine{store: st, branches: branches, validator: validator, metrics: m}
}

// PromoteRequest describes one promotion attempt.
type PromoteRequest struct {
	PolicyID     string
	SourceBranch string
	TargetBranch string
	// SourceVersion promotes an exact version from the source branch
	// instead of its head.
	SourceVersion string
	InitiatedBy   string
	Message       string
	// Strategy settles merge conflicts when the target diverged. Empty
	// behaves like manual: any conflict not covered by Resolutions
	// surfaces as a ConflictError.
	Strategy merge.Strategy
	// Resolutions are manual picks consulted before the strategy.
	Resolutions map[string]*value.Value
	// ApprovalID names the satisfied approval covering this promotion
	// when the target branch is gated.
	ApprovalID string
	// SkipValidation bypasses the validation gate. The bypass is
	// recorded on the promotion record and counted in metrics.
	SkipValidation bool
}

// PromoteResult reports a completed promotion.
type PromoteResult struct {
	Commit     *store.PolicyCommit
	Record     *store.PromotionRecord
	Merge      *merge.Result
	Validation *ValidationResult
}

// Promote merges the source branch head into the target branch as a new
// commit with renumbered version, enforcing the lattice, approval,
// conflict and validation gates in that order.
func (e *PromotionEngine) Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	if req.PolicyID == "" || req.SourceBranch == "" || req.TargetBranch == "" {
		return nil, fmt.Errorf("policy id, source branch and target branch required")
	}
	if !e.branches.ValidTransition(req.SourceBranch, req.TargetBranch) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidPromotionPath, req.SourceBranch, req.TargetBranch)
	}

	sourceCommit, err := e.resolveSource(ctx, req)
	if err != nil {
		return nil, err
	}

	cfg := e.branches.ConfigFor(req.TargetBranch)
	var approval *store.PendingApproval
	if cfg.RequiresApproval {
		approval, err = e.checkApproval(ctx, req, cfg, sourceCommit)
		if err != nil {
			return nil, err
		}
	}

	holder := req.InitiatedBy
	if holder == "" {
		holder = "promotion"
	}
	lock, err := e.branches.AcquireLock(ctx, req.PolicyID, req.TargetBranch, holder)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.branches.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			logging.Warn("promotion", "release branch lock failed", "resource", lock.Resource, "error", err)
		}
	}()

	result, err := e.promoteLocked(ctx, req, cfg, sourceCommit, approval)
	status := string(store.PromotionCompleted)
	if err != nil {
		status = string(store.PromotionFailed)
	}
	e.metrics.IncPromotions(req.TargetBranch, status)
	return result, err
}

// resolveSource picks the commit being promoted: the source branch head
// by default, or the commit carrying req.SourceVersion on that branch.
func (e *PromotionEngine) resolveSource(ctx context.Context, req PromoteRequest) (*store.PolicyCommit, error) {
	if req.SourceVersion != "" {
		commit, err := e.store.FindByVersion(ctx, req.PolicyID, req.SourceVersion)
		if err != nil {
			return nil, err
		}
		if commit.Branch != req.SourceBranch {
			return nil, fmt.Errorf("version %s is on branch %s, not %s: %w",
				req.SourceVersion, commit.Branch, req.SourceBranch, store.ErrVersionNotFound)
		}
		return commit, nil
	}
	head, err := e.store.GetHead(ctx, req.PolicyID, req.SourceBranch)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("source branch %s of %s: %w", req.SourceBranch, req.PolicyID, store.ErrPolicyNotFound)
	}
	return e.store.GetCommit(ctx, head.CommitID)
}

func (e *PromotionEngine) promoteLocked(ctx context.Context, req PromoteRequest, cfg branch.Config, sourceCommit *store.PolicyCommit, approval *store.PendingApproval) (*PromoteResult, error) {
	targetHead, err := e.store.GetHead(ctx, req.PolicyID, req.TargetBranch)
	if err != nil {
		return nil, err
	}

	record := &store.PromotionRecord{
		PromotionID:       uuid.NewString(),
		PolicyID:          req.PolicyID,
		SourceBranch:      req.SourceBranch,
		TargetBranch:      req.TargetBranch,
		SourceCommitID:    sourceCommit.CommitID,
		SourceVersion:     sourceCommit.Version,
		Strategy:          string(req.Strategy),
		SkippedValidation: req.SkipValidation,
		InitiatedBy:       req.InitiatedBy,
	}
	if approval != nil {
		record.Approvers = append([]string(nil), approval.Approvers...)
	}

	content, mergeResult, err := e.resolveContent(ctx, req, sourceCommit, targetHead)
	if err != nil {
		e.recordFailure(ctx, record, err)
		return nil, err
	}

	var validation *ValidationResult
	if req.SkipValidation {
		e.metrics.IncValidationSkipped("promotion")
		logging.Warn("promotion", "validation skipped",
			"policy", req.PolicyID, "target", req.TargetBranch, "initiator", req.InitiatedBy)
	} else {
		validation, err = gate(ctx, e.validator, "promotion", req.PolicyID, content, req.TargetBranch)
		if err != nil {
			e.recordFailure(ctx, record, err)
			return nil, err
		}
	}

	version, err := e.nextVersion(ctx, req.PolicyID, req.TargetBranch, sourceCommit.Version)
	if err != nil {
		return nil, err
	}

	parentID := ""
	expectedHead := ""
	var parentContent *value.Value
	if targetHead != nil {
		parentID = targetHead.CommitID
		expectedHead = targetHead.CommitID
		parentCommit, err := e.store.GetCommit(ctx, targetHead.CommitID)
		if err != nil {
			return nil, err
		}
		parentContent = parentCommit.Content
	}

	hash := content.Hash()
	commit := &store.PolicyCommit{
		CommitID:            store.ComputeCommitID(req.PolicyID, version, hash, parentID),
		PolicyID:            req.PolicyID,
		Version:             version,
		Branch:              req.TargetBranch,
		ParentCommitID:      parentID,
		MergeParentCommitID: sourceCommit.CommitID,
		Content:             content,
		ContentHash:         hash,
		Message:             req.Message,
		Author:              req.InitiatedBy,
	}
	if parentContent != nil {
		commit.Diff = diff.Diff(parentContent, content)
	}

	if err := e.store.AppendCommitAndMoveHead(ctx, commit, expectedHead); err != nil {
		e.recordFailure(ctx, record, err)
		return nil, err
	}
	e.metrics.IncCommitsCreated(req.TargetBranch)

	record.ResultCommitID = commit.CommitID
	record.ResultVersion = &commit.Version
	record.Status = store.PromotionCompleted
	if err := e.store.RecordPromotion(ctx, record); err != nil {
		logging.Warn("promotion", "record promotion failed", "policy", req.PolicyID, "error", err)
	}

	logging.Info("promotion", "promoted",
		"policy", req.PolicyID,
		"source", req.SourceBranch,
		"target", req.TargetBranch,
		"version", commit.Version.String(),
		"commit", commit.CommitID)

	return &PromoteResult{Commit: commit, Record: record, Merge: mergeResult, Validation: validation}, nil
}

// resolveContent decides what document lands on the target branch:
// a plain copy when the target is empty or strictly behind, otherwise a
// three-way merge against the common ancestor.
func (e *PromotionEngine) resolveContent(ctx context.Context, req PromoteRequest, sourceCommit *store.PolicyCommit, targetHead *store.BranchHead) (*value.Value, *merge.Result, error) {
	if targetHead == nil {
		return sourceCommit.Content.Clone(), nil, nil
	}

	ancestorID, err := merge.FindCommonAncestor(ctx, commitGraph{e.store}, sourceCommit.CommitID, targetHead.CommitID)
	if err != nil {
		return nil, nil, err
	}
	if ancestorID == "" {
		return nil, nil, fmt.Errorf("%s and %s: %w", req.SourceBranch, req.TargetBranch, merge.ErrUnrelatedHistories)
	}
	if ancestorID == targetHead.CommitID {
		// target has not moved since the histories diverged
		return sourceCommit.Content.Clone(), nil, nil
	}

	ancestor, err := e.store.GetCommit(ctx, ancestorID)
	if err != nil {
		return nil, nil, err
	}
	targetCommit, err := e.store.GetCommit(ctx, targetHead.CommitID)
	if err != nil {
		return nil, nil, err
	}

	// Promotion only resolves conflicts the caller asked it to resolve:
	// without an explicit strategy every unresolved conflict surfaces.
	strategy := req.Strategy
	if strategy == "" {
		strategy = merge.StrategyManual
	}
	mergeResult, err := merge.Merge(ancestor.Content, sourceCommit.Content, targetCommit.Content, merge.Options{
		Strategy:    strategy,
		Resolutions: req.Resolutions,
	})
	var conflictErr *merge.ConflictError
	if errors.As(err, &conflictErr) {
		conflictErr.CommonAncestor = ancestorID
		for _, conflict := range conflictErr.Conflicts {
			e.metrics.IncConflictsDetected(string(conflict.Kind))
		}
		return nil, nil, conflictErr
	}
	if err != nil {
		return nil, nil, err
	}
	return mergeResult.Merged, mergeResult, nil
}

// nextVersion renumbers the promoted version for its destination:
// intermediate branches get a fresh release-candidate prerelease, the
// terminal branch gets the bare release version.
func (e *PromotionEngine) nextVersion(ctx context.Context, policyID, targetBranch string, source semver.Version) (semver.Version, error) {
	if e.branches.IsPromotionSource(targetBranch) {
		n, err := e.store.NextPrereleaseNumber(ctx, policyID)
		if err != nil {
			return semver.Version{}, err
		}
		return source.Core().WithPrerelease(fmt.Sprintf("rc.%d", n)), nil
	}
	return source.Core(), nil
}

func (e *PromotionEngine) checkApproval(ctx context.Context, req PromoteRequest, cfg branch.Config, sourceCommit *store.PolicyCommit) (*store.PendingApproval, error) {
	if req.ApprovalID == "" {
		return nil, fmt.Errorf("%w: target branch %s is gated", ErrApprovalRequired, req.TargetBranch)
	}
	approval, err := e.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	switch {
	case approval.PolicyID != req.PolicyID ||
		approval.SourceBranch != req.SourceBranch ||
		approval.TargetBranch != req.TargetBranch:
		return nil, fmt.Errorf("%w: approval %s covers a different promotion", ErrApprovalRequired, approval.ApprovalID)
	case approval.CommitID != sourceCommit.CommitID:
		return nil, fmt.Errorf("%w: approval %s covers commit %s but the promoted commit is %s",
			ErrApprovalRequired, approval.ApprovalID, approval.CommitID, sourceCommit.CommitID)
	case approval.Expired(time.Now()):
		return nil, fmt.Errorf("%w: approval %s expired at %s",
			ErrApprovalRequired, approval.ApprovalID, approval.ExpiresAt.Format(time.RFC3339))
	case approval.Status != store.ApprovalApproved:
		return nil, fmt.Errorf("%w: approval %s is %s", ErrApprovalRequired, approval.ApprovalID, approval.Status)
	case len(approval.Approvers) < cfg.MinApprovers:
		return nil, fmt.Errorf("%w: approval %s has %d of %d required approvers",
			ErrApprovalRequired, approval.ApprovalID, len(approval.Approvers), cfg.MinApprovers)
	}
	return approval, nil
}

func (e *PromotionEngine) recordFailure(ctx context.Context, record *store.PromotionRecord, cause error) {
	record.Status = store.PromotionFailed
	record.Error = cause.Error()
	if err := e.store.RecordPromotion(ctx, record); err != nil {
		logging.Warn("promotion", "record failed promotion", "policy", record.PolicyID, "error", err)
	}
}

// commitGraph adapts the store to the ancestor walk.
type commitGraph struct {
	store store.Store
}

func (g commitGraph) Parents(ctx context.Context, commitID string) (string, string, error) {
	return g.store.Parents(ctx, commitID)
}
