package store

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateCommit means a commit with the same ID already exists.
	ErrDuplicateCommit = errors.New("commit already exists")
	// ErrCommitNotFound means no commit has the requested ID.
	ErrCommitNotFound = errors.New("commit not found")
	// ErrPolicyNotFound means the policy has no commits at all.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrVersionNotFound means the policy has no commit at the requested
	// version.
	ErrVersionNotFound = errors.New("version not found")
	// ErrConcurrentModification means the branch head moved between read
	// and write; the caller should re-read and retry.
	ErrConcurrentModification = errors.New("branch head changed concurrently")
	// ErrTagExists means the tag name is already taken for the policy.
	ErrTagExists = errors.New("tag already exists")
	// ErrTagNotFound means no tag has the requested name.
	ErrTagNotFound = errors.New("tag not found")
	// ErrApprovalNotFound means no approval has the requested ID.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrApprovalClosed means the approval already reached a terminal
	// status.
	ErrApprovalClosed = errors.New("approval already closed")
)

// ListOptions filters and pages commit listings.
type ListOptions struct {
	// Branch restricts results to commits created on one branch.
	Branch string
	// ByVersion orders ascending by semantic version instead of newest
	// first by creation time.
	ByVersion bool
	// IncludeDeleted keeps soft-deleted commits in the listing.
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store is the persistence surface the versioning engine builds on.
type Store interface {
	// CreateCommit inserts a commit and its indexes without touching any
	// branch head.
	CreateCommit(ctx context.Context, commit *PolicyCommit) error
	// AppendCommitAndMoveHead atomically inserts a commit and advances
	// the branch head, but only while the head still equals
	// expectedPriorHead (empty for a new branch).
	AppendCommitAndMoveHead(ctx context.Context, commit *PolicyCommit, expectedPriorHead string) error
	GetCommit(ctx context.Context, commitID string) (*PolicyCommit, error)
	ListCommits(ctx context.Context, policyID string, opts ListOptions) ([]*PolicyCommit, error)
	// FindByVersion resolves a commit by exact version, skipping
	// soft-deleted commits. When the same version exists on several
	// branches the newest commit wins.
	FindByVersion(ctx context.Context, policyID string, version string) (*PolicyCommit, error)
	SoftDeleteCommit(ctx context.Context, commitID, deletedBy string) error
	// Parents exposes ancestry links for merge-base walks.
	Parents(ctx context.Context, commitID string) (parent, mergeParent string, err error)

	GetHead(ctx context.Context, policyID, branch string) (*BranchHead, error)
	ListBranchNames(ctx context.Context, policyID string) ([]string, error)

	PutTag(ctx context.Context, tag *VersionTag) error
	GetTag(ctx context.Context, policyID, name string) (*VersionTag, error)
	ListTags(ctx context.Context, policyID string) ([]*VersionTag, error)

	RecordPromotion(ctx context.Context, rec *PromotionRecord) error
	ListPromotions(ctx context.Context, policyID string, limit int) ([]*PromotionRecord, error)
	RecordRollback(ctx context.Context, rec *RollbackRecord) error
	ListRollbacks(ctx context.Context, policyID string, limit int) ([]*RollbackRecord, error)

	PutApproval(ctx context.Context, approval *PendingApproval) error
	GetApproval(ctx context.Context, approvalID string) (*PendingApproval, error)
	// UpdateApproval applies update under optimistic concurrency control
	// and returns the stored result.
	UpdateApproval(ctx context.Context, approvalID string, update func(*PendingApproval) error) (*PendingApproval, error)
	ListApprovals(ctx context.Context, policyID string, status ApprovalStatus) ([]*PendingApproval, error)

	// NextPrereleaseNumber hands out monotonically increasing numbers for
	// release-candidate version suffixes.
	NextPrereleaseNumber(ctx context.Context, policyID string) (int64, error)
}
