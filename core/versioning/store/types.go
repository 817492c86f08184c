// Package store persists policy commit history, branch heads, tags and
// workflow records in Redis.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/diff"
	"github.com/polver/polver/core/versioning/semver"
)

// PolicyCommit is one immutable snapshot of a policy document. Deleted
// commits stay in history for ancestry walks but are hidden from
// listings.
type PolicyCommit struct {
	CommitID            string            `json:"commitId"`
	PolicyID            string            `json:"policyId"`
	Version             semver.Version    `json:"version"`
	Branch              string            `json:"branch"`
	ParentCommitID      string            `json:"parentCommitId,omitempty"`
	MergeParentCommitID string            `json:"mergeParentCommitId,omitempty"`
	Content             *value.Value      `json:"content"`
	ContentHash         string            `json:"contentHash"`
	Diff                *diff.Result      `json:"diff,omitempty"`
	Message             string            `json:"message,omitempty"`
	Author              string            `json:"author,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	Deleted             bool              `json:"deleted,omitempty"`
	DeletedBy           string            `json:"deletedBy,omitempty"`
	DeletedAt           *time.Time        `json:"deletedAt,omitempty"`
}

// BranchHead points a branch at its current commit.
type BranchHead struct {
	PolicyID  string         `json:"policyId"`
	Branch    string         `json:"branch"`
	CommitID  string         `json:"commitId"`
	Version   semver.Version `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
}

// VersionTag is an immutable named pointer to a commit.
type VersionTag struct {
	PolicyID   string         `json:"policyId"`
	Name       string         `json:"name"`
	CommitID   string         `json:"commitId"`
	Version    semver.Version `json:"version"`
	Annotation string         `json:"annotation,omitempty"`
	CreatedBy  string         `json:"createdBy,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// PromotionStatus is the terminal outcome of a promotion attempt.
type PromotionStatus string

const (
	PromotionCompleted PromotionStatus = "completed"
	PromotionFailed    PromotionStatus = "failed"
)

// PromotionRecord is the audit trail entry for one promotion attempt.
type PromotionRecord struct {
	PromotionID       string          `json:"promotionId"`
	PolicyID          string          `json:"policyId"`
	SourceBranch      string          `json:"sourceBranch"`
	TargetBranch      string          `json:"targetBranch"`
	SourceCommitID    string          `json:"sourceCommitId"`
	ResultCommitID    string          `json:"resultCommitId,omitempty"`
	SourceVersion     semver.Version  `json:"sourceVersion"`
	ResultVersion     *semver.Version `json:"resultVersion,omitempty"`
	Status            PromotionStatus `json:"status"`
	Strategy          string          `json:"strategy,omitempty"`
	SkippedValidation bool            `json:"skippedValidation,omitempty"`
	Approvers         []string        `json:"approvers,omitempty"`
	InitiatedBy       string          `json:"initiatedBy,omitempty"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// RollbackRecord is the audit trail entry for one rollback.
type RollbackRecord struct {
	RollbackID        string         `json:"rollbackId"`
	PolicyID          string         `json:"policyId"`
	Branch            string         `json:"branch"`
	FromCommitID      string         `json:"fromCommitId"`
	ToCommitID        string         `json:"toCommitId"`
	ResultCommitID    string         `json:"resultCommitId,omitempty"`
	TargetVersion     semver.Version `json:"targetVersion"`
	DryRun            bool           `json:"dryRun,omitempty"`
	SkippedValidation bool           `json:"skippedValidation,omitempty"`
	InitiatedBy       string         `json:"initiatedBy,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// ApprovalStatus tracks a pending approval's lifecycle.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalCanceled ApprovalStatus = "canceled"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalCanceled || s == ApprovalExpired
}

// PendingApproval gates a promotion until enough reviewers sign off.
type PendingApproval struct {
	ApprovalID        string         `json:"approvalId"`
	PolicyID          string         `json:"policyId"`
	SourceBranch      string         `json:"sourceBranch"`
	TargetBranch      string         `json:"targetBranch"`
	CommitID          string         `json:"commitId"`
	Version           semver.Version `json:"version"`
	RequiredApprovals int            `json:"requiredApprovals"`
	Approvers         []string       `json:"approvers,omitempty"`
	Status            ApprovalStatus `json:"status"`
	RejectedBy        string         `json:"rejectedBy,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	RequestedBy       string         `json:"requestedBy,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	ExpiresAt         time.Time      `json:"expiresAt,omitempty"`
}

// Expired reports whether the approval's deadline has passed. A zero
// ExpiresAt never expires.
func (a *PendingApproval) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// HasApprover reports whether the named reviewer already approved.
func (a *PendingApproval) HasApprover(name string) bool {
	for _, existing := range a.Approvers {
		if existing == name {
			return true
		}
	}
	return false
}

// ComputeCommitID derives the content-addressed commit identifier from
// the fields that make a commit unique within its lineage.
func ComputeCommitID(policyID string, version semver.Version, contentHash, parentCommitID string) string {
	payload := strings.Join([]string{policyID, version.String(), contentHash, parentCommitID}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:32]
}
