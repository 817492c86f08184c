package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/polver/polver/core/infra/logging"
	"github.com/polver/polver/core/infra/metrics"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/branch"
	"github.com/polver/polver/core/versioning/diff"
	"github.com/polver/polver/core/versioning/semver"
	"github.com/polver/polver/core/versioning/store"
)

// RollbackEngine restores a branch to the content of an earlier version
// by appending a new forward commit. History is never rewritten.
type RollbackEngine struct {
	store     store.Store
	branches  *branch.Manager
	validator Validator
	metrics   metrics.Metrics
}

func NewRollbackEngine(st store.Store, branches *branch.Manager, validator Validator, m metrics.Metrics) *RollbackEngine {
	if validator == nil {
		validator = NoopValidator{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &RollbackEngine{store: st, branches: branches, validator: validator, metrics: m}
}

// RollbackRequest describes one rollback.
type RollbackRequest struct {
	PolicyID      string
	Branch        string
	TargetVersion string
	InitiatedBy   string
	Message       string
	// DryRun computes the outcome without taking locks or writing
	// anything. The restored content is still validated.
	DryRun bool
	// SkipValidation bypasses the validation gate. The bypass is
	// recorded on the rollback record and counted in metrics.
	SkipValidation bool
}

// RollbackResult reports what a rollback did, or with DryRun would do.
type RollbackResult struct {
	// Commit is the new branch head; nil on a dry run.
	Commit *store.PolicyCommit
	// Target is the historical commit whose content was restored.
	Target *store.PolicyCommit
	// Diff is the change set from the pre-rollback head to the restored
	// content.
	Diff   *diff.Result
	Record *store.RollbackRecord
	// Version the branch ends up at (projected on a dry run).
	Version    semver.Version
	Validation *ValidationResult
}

// Rollback points the branch back at the content of targetVersion.
func (e *RollbackEngine) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	if req.PolicyID == "" || req.Branch == "" || req.TargetVersion == "" {
		return nil, fmt.Errorf("policy id, branch and target version required")
	}

	target, err := e.store.FindByVersion(ctx, req.PolicyID, req.TargetVersion)
	if err != nil {
		return nil, err
	}

	if req.DryRun {
		return e.plan(ctx, req, target)
	}

	holder := req.InitiatedBy
	if holder == "" {
		holder = "rollback"
	}
	lock, err := e.branches.AcquireLock(ctx, req.PolicyID, req.Branch, holder)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.branches.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			logging.Warn("rollback", "release branch lock failed", "resource", lock.Resource, "error", err)
		}
	}()

	result, err := e.rollbackLocked(ctx, req, target)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	e.metrics.IncRollbacks(req.Branch, status)
	return result, err
}

// plan computes the dry-run view: the diff the rollback would apply and
// the version the branch would land on.
func (e *RollbackEngine) plan(ctx context.Context, req RollbackRequest, target *store.PolicyCommit) (*RollbackResult, error) {
	head, headCommit, err := e.currentHead(ctx, req)
	if err != nil {
		return nil, err
	}
	if head.CommitID == target.CommitID {
		return nil, fmt.Errorf("%w: %s is at %s", ErrAlreadyAtVersion, req.Branch, target.Version)
	}
	validation, err := e.validate(ctx, req, target.Content)
	if err != nil {
		return nil, err
	}
	return &RollbackResult{
		Target:     target,
		Diff:       diff.Diff(headCommit.Content, target.Content),
		Version:    head.Version.Core().Increment(semver.PartPatch),
		Validation: validation,
	}, nil
}

// validate runs the restored content through the validation gate, or
// records the bypass when the caller skipped it.
func (e *RollbackEngine) validate(ctx context.Context, req RollbackRequest, content *value.Value) (*ValidationResult, error) {
	if req.SkipValidation {
		e.metrics.IncValidationSkipped("rollback")
		logging.Warn("rollback", "validation skipped",
			"policy", req.PolicyID, "branch", req.Branch, "initiator", req.InitiatedBy)
		return nil, nil
	}
	return gate(ctx, e.validator, "rollback", req.PolicyID, content, req.Branch)
}

func (e *RollbackEngine) rollbackLocked(ctx context.Context, req RollbackRequest, target *store.PolicyCommit) (*RollbackResult, error) {
	head, headCommit, err := e.currentHead(ctx, req)
	if err != nil {
		return nil, err
	}
	if head.CommitID == target.CommitID {
		return nil, fmt.Errorf("%w: %s is at %s", ErrAlreadyAtVersion, req.Branch, target.Version)
	}

	validation, err := e.validate(ctx, req, target.Content)
	if err != nil {
		return nil, err
	}

	version := head.Version.Core().Increment(semver.PartPatch)
	content := target.Content.Clone()
	hash := content.Hash()
	message := req.Message
	if message == "" {
		message = fmt.Sprintf("rollback to %s", target.Version)
	}

	commit := &store.PolicyCommit{
		CommitID:       store.ComputeCommitID(req.PolicyID, version, hash, head.CommitID),
		PolicyID:       req.PolicyID,
		Version:        version,
		Branch:         req.Branch,
		ParentCommitID: head.CommitID,
		Content:        content,
		ContentHash:    hash,
		Diff:           diff.Diff(headCommit.Content, content),
		Message:        message,
		Author:         req.InitiatedBy,
		Metadata: map[string]string{
			"rollbackOf":      head.CommitID,
			"restoredCommit":  target.CommitID,
			"restoredVersion": target.Version.String(),
		},
	}

	if err := e.store.AppendCommitAndMoveHead(ctx, commit, head.CommitID); err != nil {
		return nil, err
	}
	e.metrics.IncCommitsCreated(req.Branch)

	record := &store.RollbackRecord{
		RollbackID:        uuid.NewString(),
		PolicyID:          req.PolicyID,
		Branch:            req.Branch,
		FromCommitID:      head.CommitID,
		ToCommitID:        target.CommitID,
		ResultCommitID:    commit.CommitID,
		TargetVersion:     target.Version,
		SkippedValidation: req.SkipValidation,
		InitiatedBy:       req.InitiatedBy,
	}
	if err := e.store.RecordRollback(ctx, record); err != nil {
		logging.Warn("rollback", "record rollback failed", "policy", req.PolicyID, "error", err)
	}

	logging.Info("rollback", "rolled back",
		"policy", req.PolicyID,
		"branch", req.Branch,
		"restored", target.Version.String(),
		"version", version.String(),
		"commit", commit.CommitID)

	return &RollbackResult{
		Commit:     commit,
		Target:     target,
		Diff:       commit.Diff,
		Record:     record,
		Version:    version,
		Validation: validation,
	}, nil
}

func (e *RollbackEngine) currentHead(ctx context.Context, req RollbackRequest) (*store.BranchHead, *store.PolicyCommit, error) {
	head, err := e.store.GetHead(ctx, req.PolicyID, req.Branch)
	if err != nil {
		return nil, nil, err
	}
	if head == nil {
		return nil, nil, fmt.Errorf("branch %s of %s: %w", req.Branch, req.PolicyID, store.ErrPolicyNotFound)
	}
	headCommit, err := e.store.GetCommit(ctx, head.CommitID)
	if err != nil {
		return nil, nil, err
	}
	return head, headCommit, nil
}
