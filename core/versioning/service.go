// Package versioning is the facade over the policy version-control
// engine: commit history, structural diffs, branch promotion and
// rollback, with audit events published on the message bus.
package versioning

import (
	"context"
	"fmt"
	"time"

	"github.com/polver/polver/core/infra/logging"
	"github.com/polver/polver/core/infra/metrics"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/branch"
	"github.com/polver/polver/core/versioning/diff"
	"github.com/polver/polver/core/versioning/semver"
	"github.com/polver/polver/core/versioning/store"
	"github.com/polver/polver/core/versioning/workflow"
)

// Service wires the store, branch manager, workflow engines, validator
// and audit sink behind one API.
type Service struct {
	store      store.Store
	branches   *branch.Manager
	promotions *workflow.PromotionEngine
	rollbacks  *workflow.RollbackEngine
	validator  workflow.Validator
	audit      *AuditSink
	metrics    metrics.Metrics
}

// NewService builds the engine stack on st. validator, audit and m may
// be nil; nil disables the respective concern.
func NewService(st store.Store, branches *branch.Manager, validator workflow.Validator, audit *AuditSink, m metrics.Metrics) *Service {
	if validator == nil {
		validator = workflow.NoopValidator{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Service{
		store:      st,
		branches:   branches,
		promotions: workflow.NewPromotionEngine(st, branches, validator, m),
		rollbacks:  workflow.NewRollbackEngine(st, branches, validator, m),
		validator:  validator,
		audit:      audit,
		metrics:    m,
	}
}

// CreateVersionRequest describes one new commit on a branch.
type CreateVersionRequest struct {
	PolicyID string
	// Branch defaults to draft.
	Branch string
	// Version pins the new version explicitly; it must be greater than
	// the current branch head. Empty means bump the head version.
	Version string
	// Bump selects which part to increment when Version is empty;
	// defaults to patch. The first commit of a policy starts at 1.0.0.
	Bump     semver.Part
	Content  *value.Value
	Message  string
	Author   string
	Metadata map[string]string
	// SkipValidation bypasses the validation gate; the bypass is
	// audited.
	SkipValidation bool
}

// CreateVersion appends a commit to the branch and advances its head.
// A concurrent writer on the same branch loses with
// store.ErrConcurrentModification and should re-read and retry.
func (s *Service) CreateVersion(ctx context.Context, req CreateVersionRequest) (*store.PolicyCommit, error) {
	if req.PolicyID == "" || req.Content == nil {
		return nil, fmt.Errorf("policy id and content required")
	}
	branchName := req.Branch
	if branchName == "" {
		branchName = branch.Draft
	}

	head, err := s.store.GetHead(ctx, req.PolicyID, branchName)
	if err != nil {
		return nil, err
	}

	version, err := s.nextVersion(req, head)
	if err != nil {
		return nil, err
	}

	if req.SkipValidation {
		s.metrics.IncValidationSkipped("create")
		s.audit.Emit(SubjectValidationSkipped, AuditEvent{
			PolicyID: req.PolicyID,
			Branch:   branchName,
			Version:  version.String(),
			Actor:    req.Author,
			Details:  map[string]string{"operation": "create"},
		})
	} else {
		result, err := s.validator.Validate(ctx, req.PolicyID, req.Content, branchName)
		if err != nil {
			return nil, fmt.Errorf("run create validation: %w", err)
		}
		if !result.Valid {
			return nil, &workflow.ValidationError{Stage: "create", Errors: result.Errors, Warnings: result.Warnings}
		}
	}

	content := req.Content.Clone()
	commit := &store.PolicyCommit{
		PolicyID:    req.PolicyID,
		Version:     version,
		Branch:      branchName,
		Content:     content,
		ContentHash: content.Hash(),
		Message:     req.Message,
		Author:      req.Author,
		Metadata:    req.Metadata,
	}

	expectedHead := ""
	if head != nil {
		expectedHead = head.CommitID
		commit.ParentCommitID = head.CommitID
		parent, err := s.store.GetCommit(ctx, head.CommitID)
		if err != nil {
			return nil, err
		}
		commit.Diff = s.diff(parent.Content, content)
	}
	commit.CommitID = store.ComputeCommitID(req.PolicyID, version, commit.ContentHash, commit.ParentCommitID)

	if err := s.store.AppendCommitAndMoveHead(ctx, commit, expectedHead); err != nil {
		return nil, err
	}
	s.metrics.IncCommitsCreated(branchName)
	logging.Info("versioning", "version created",
		"policy", req.PolicyID, "branch", branchName, "version", version.String(), "commit", commit.CommitID)

	s.audit.Emit(SubjectVersionCreated, AuditEvent{
		PolicyID: req.PolicyID,
		Branch:   branchName,
		CommitID: commit.CommitID,
		Version:  version.String(),
		Actor:    req.Author,
	})
	s.audit.NotifyReload(req.PolicyID, branchName, commit.CommitID)
	return commit, nil
}

func (s *Service) nextVersion(req CreateVersionRequest, head *store.BranchHead) (semver.Version, error) {
	if req.Version != "" {
		version, err := semver.Parse(req.Version)
		if err != nil {
			return semver.Version{}, fmt.Errorf("version %q: %w", req.Version, err)
		}
		if head != nil && semver.Compare(version, head.Version) <= 0 {
			return semver.Version{}, fmt.Errorf("version %s does not advance past head %s", version, head.Version)
		}
		return version, nil
	}
	if head == nil {
		return semver.Version{Major: 1}, nil
	}
	bump := req.Bump
	if bump == "" {
		bump = semver.PartPatch
	}
	return head.Version.Core().Increment(bump), nil
}

// ListVersions lists a policy's commits, filtered and paged by opts.
func (s *Service) ListVersions(ctx context.Context, policyID string, opts store.ListOptions) ([]*store.PolicyCommit, error) {
	return s.store.ListCommits(ctx, policyID, opts)
}

// GetVersion resolves a commit by exact version string.
func (s *Service) GetVersion(ctx context.Context, policyID, version string) (*store.PolicyCommit, error) {
	return s.store.FindByVersion(ctx, policyID, version)
}

// GetVersionDiff returns the change set between two versions of a
// policy, classified by impact.
func (s *Service) GetVersionDiff(ctx context.Context, policyID, fromVersion, toVersion string) (*diff.Result, error) {
	from, err := s.store.FindByVersion(ctx, policyID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("from version %s: %w", fromVersion, err)
	}
	to, err := s.store.FindByVersion(ctx, policyID, toVersion)
	if err != nil {
		return nil, fmt.Errorf("to version %s: %w", toVersion, err)
	}
	return s.diff(from.Content, to.Content), nil
}

// BranchComparison is the drift between two branch heads.
type BranchComparison struct {
	Source *store.PolicyCommit `json:"source"`
	Target *store.PolicyCommit `json:"target,omitempty"`
	Diff   *diff.Result        `json:"diff"`
}

// CompareBranches diffs the target branch head against the source
// branch head. A missing target compares against an empty document.
func (s *Service) CompareBranches(ctx context.Context, policyID, sourceBranch, targetBranch string) (*BranchComparison, error) {
	source, err := s.headCommit(ctx, policyID, sourceBranch)
	if err != nil {
		return nil, err
	}
	cmp := &BranchComparison{Source: source}

	targetHead, err := s.store.GetHead(ctx, policyID, targetBranch)
	if err != nil {
		return nil, err
	}
	if targetHead == nil {
		cmp.Diff = s.diff(value.Null(), source.Content)
		return cmp, nil
	}
	target, err := s.store.GetCommit(ctx, targetHead.CommitID)
	if err != nil {
		return nil, err
	}
	cmp.Target = target
	cmp.Diff = s.diff(target.Content, source.Content)
	return cmp, nil
}

// PromoteVersion promotes the source branch head into the target branch
// and publishes the audit trail.
func (s *Service) PromoteVersion(ctx context.Context, req workflow.PromoteRequest) (*workflow.PromoteResult, error) {
	res, err := s.promotions.Promote(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.SkipValidation {
		s.audit.Emit(SubjectValidationSkipped, AuditEvent{
			PolicyID: req.PolicyID,
			Branch:   req.TargetBranch,
			CommitID: res.Commit.CommitID,
			Actor:    req.InitiatedBy,
			Details:  map[string]string{"operation": "promotion"},
		})
	}
	s.audit.Emit(SubjectVersionPromoted, AuditEvent{
		PolicyID: req.PolicyID,
		Branch:   req.TargetBranch,
		CommitID: res.Commit.CommitID,
		Version:  res.Commit.Version.String(),
		Actor:    req.InitiatedBy,
		Details: map[string]string{
			"sourceBranch": req.SourceBranch,
			"promotionId":  res.Record.PromotionID,
		},
	})
	s.audit.NotifyReload(req.PolicyID, req.TargetBranch, res.Commit.CommitID)
	return res, nil
}

// RollbackToVersion restores a historical version as a new forward
// commit and publishes the audit trail. Dry runs emit nothing.
func (s *Service) RollbackToVersion(ctx context.Context, req workflow.RollbackRequest) (*workflow.RollbackResult, error) {
	res, err := s.rollbacks.Rollback(ctx, req)
	if err != nil || req.DryRun {
		return res, err
	}
	if req.SkipValidation {
		s.audit.Emit(SubjectValidationSkipped, AuditEvent{
			PolicyID: req.PolicyID,
			Branch:   req.Branch,
			CommitID: res.Commit.CommitID,
			Actor:    req.InitiatedBy,
			Details:  map[string]string{"operation": "rollback"},
		})
	}
	s.audit.Emit(SubjectVersionRolledBack, AuditEvent{
		PolicyID: req.PolicyID,
		Branch:   req.Branch,
		CommitID: res.Commit.CommitID,
		Version:  res.Commit.Version.String(),
		Actor:    req.InitiatedBy,
		Details:  map[string]string{"restoredVersion": req.TargetVersion},
	})
	s.audit.NotifyReload(req.PolicyID, req.Branch, res.Commit.CommitID)
	return res, nil
}

// ListBranches returns branch infos including configured empty branches.
func (s *Service) ListBranches(ctx context.Context, policyID string) ([]branch.Info, error) {
	return s.branches.List(ctx, policyID)
}

// CreateTag pins a name to the commit at the given version. Tags are
// immutable; reusing a name fails with store.ErrTagExists.
func (s *Service) CreateTag(ctx context.Context, policyID, name, version, annotation, createdBy string) (*store.VersionTag, error) {
	if name == "" {
		return nil, fmt.Errorf("tag name required")
	}
	commit, err := s.store.FindByVersion(ctx, policyID, version)
	if err != nil {
		return nil, err
	}
	tag := &store.VersionTag{
		PolicyID:   policyID,
		Name:       name,
		CommitID:   commit.CommitID,
		Version:    commit.Version,
		Annotation: annotation,
		CreatedBy:  createdBy,
	}
	if err := s.store.PutTag(ctx, tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// GetTag resolves a tag by name.
func (s *Service) GetTag(ctx context.Context, policyID, name string) (*store.VersionTag, error) {
	return s.store.GetTag(ctx, policyID, name)
}

// ListTags lists a policy's tags.
func (s *Service) ListTags(ctx context.Context, policyID string) ([]*store.VersionTag, error) {
	return s.store.ListTags(ctx, policyID)
}

// RequestApproval opens an approval for promoting the source branch
// head, or an explicit version on it, into the target branch.
func (s *Service) RequestApproval(ctx context.Context, policyID, sourceBranch, targetBranch, sourceVersion, requestedBy string) (*store.PendingApproval, error) {
	return s.promotions.RequestApproval(ctx, policyID, sourceBranch, targetBranch, sourceVersion, requestedBy)
}

// Approve records one reviewer sign-off.
func (s *Service) Approve(ctx context.Context, approvalID, approver string) (*store.PendingApproval, error) {
	return s.promotions.Approve(ctx, approvalID, approver)
}

// RejectApproval closes an approval as rejected.
func (s *Service) RejectApproval(ctx context.Context, approvalID, reviewer, reason string) (*store.PendingApproval, error) {
	return s.promotions.Reject(ctx, approvalID, reviewer, reason)
}

// CancelApproval withdraws a pending approval.
func (s *Service) CancelApproval(ctx context.Context, approvalID, reason string) (*store.PendingApproval, error) {
	return s.promotions.CancelApproval(ctx, approvalID, reason)
}

// ListApprovals lists a policy's approvals, optionally by status.
func (s *Service) ListApprovals(ctx context.Context, policyID string, status store.ApprovalStatus) ([]*store.PendingApproval, error) {
	return s.store.ListApprovals(ctx, policyID, status)
}

// PromotionHistory lists a policy's promotion attempts, newest first.
func (s *Service) PromotionHistory(ctx context.Context, policyID string, limit int) ([]*store.PromotionRecord, error) {
	return s.store.ListPromotions(ctx, policyID, limit)
}

// RollbackHistory lists a policy's rollbacks, newest first.
func (s *Service) RollbackHistory(ctx context.Context, policyID string, limit int) ([]*store.RollbackRecord, error) {
	return s.store.ListRollbacks(ctx, policyID, limit)
}

func (s *Service) headCommit(ctx context.Context, policyID, branchName string) (*store.PolicyCommit, error) {
	head, err := s.store.GetHead(ctx, policyID, branchName)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("branch %s of %s: %w", branchName, policyID, store.ErrPolicyNotFound)
	}
	return s.store.GetCommit(ctx, head.CommitID)
}

func (s *Service) diff(base, target *value.Value) *diff.Result {
	start := time.Now()
	result := diff.Diff(base, target)
	s.metrics.ObserveDiffDuration(time.Since(start).Seconds())
	return result
}
