package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polver/polver/core/versioning/semver"
)

const (
	commitKeyPrefix     = "pv:commit:"
	commitsKeyPrefix    = "pv:commits:"
	versionIdxKeyPrefix = "pv:commits:version:"
	headKeyPrefix       = "pv:head:"
	branchesKeyPrefix   = "pv:branches:"
	tagKeyPrefix        = "pv:tag:"
	tagsKeyPrefix       = "pv:tags:"
	promotionsKeyPrefix = "pv:promotions:"
	rollbacksKeyPrefix  = "pv:rollbacks:"
	approvalKeyPrefix   = "pv:approval:"
	approvalsKeyPrefix  = "pv:approvals:"
	rcCounterKeyPrefix  = "pv:rc:"
)

func commitKey(commitID string) string       { return commitKeyPrefix + commitID }
func commitsKey(policyID string) string      { return commitsKeyPrefix + policyID }
func versionIdxKey(policyID string) string   { return versionIdxKeyPrefix + policyID }
func headKey(policyID, branch string) string { return headKeyPrefix + policyID + ":" + branch }
func branchesKey(policyID string) string     { return branchesKeyPrefix + policyID }
func tagKey(policyID, name string) string    { return tagKeyPrefix + policyID + ":" + name }
func tagsKey(policyID string) string         { return tagsKeyPrefix + policyID }
func promotionsKey(policyID string) string   { return promotionsKeyPrefix + policyID }
func rollbacksKey(policyID string) string    { return rollbacksKeyPrefix + policyID }
func approvalKey(approvalID string) string   { return approvalKeyPrefix + approvalID }
func approvalsKey(policyID string) string    { return approvalsKeyPrefix + policyID }
func rcCounterKey(policyID string) string    { return rcCounterKeyPrefix + policyID }

func versionMember(v semver.Version, commitID string) string {
	return v.SortKey() + "|" + commitID
}

func memberCommitID(member string) string {
	if idx := strings.LastIndexByte(member, '|'); idx >= 0 {
		return member[idx+1:]
	}
	return member
}

// RedisStore implements Store on a Redis keyspace.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) CreateCommit(ctx context.Context, commit *PolicyCommit) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	cKey := commitKey(commit.CommitID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, cKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateCommit
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, cKey, payload, 0)
		s.indexCommit(ctx, pipe, commit)
		_, err = pipe.Exec(ctx)
		return err
	}, cKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConcurrentModification
	}
	if err != nil && !errors.Is(err, ErrDuplicateCommit) {
		return fmt.Errorf("store commit: %w", err)
	}
	return err
}

func (s *RedisStore) AppendCommitAndMoveHead(ctx context.Context, commit *PolicyCommit, expectedPriorHead string) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	if commit.Branch == "" {
		return fmt.Errorf("commit branch required")
	}
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	hKey := headKey(commit.PolicyID, commit.Branch)
	cKey := commitKey(commit.CommitID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		currentHead := ""
		raw, err := tx.Get(ctx, hKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var head BranchHead
			if err := json.Unmarshal([]byte(raw), &head); err != nil {
				return fmt.Errorf("decode head: %w", err)
			}
			currentHead = head.CommitID
		}
		if currentHead != expectedPriorHead {
			return ErrConcurrentModification
		}

		exists, err := tx.Exists(ctx, cKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateCommit
		}

		newHead, err := json.Marshal(BranchHead{
			PolicyID:  commit.PolicyID,
			Branch:    commit.Branch,
			CommitID:  commit.CommitID,
			Version:   commit.Version,
			UpdatedAt: commit.CreatedAt,
			UpdatedBy: commit.Author,
		})
		if err != nil {
			return fmt.Errorf("encode head: %w", err)
		}

		pipe := tx.TxPipeline()
		pipe.Set(ctx, cKey, payload, 0)
		pipe.Set(ctx, hKey, newHead, 0)
		s.indexCommit(ctx, pipe, commit)
		_, err = pipe.Exec(ctx)
		return err
	}, hKey, cKey)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConcurrentModification
	}
	return err
}

func (s *RedisStore) indexCommit(ctx context.Context, pipe redis.Pipeliner, commit *PolicyCommit) {
	pipe.ZAdd(ctx, commitsKey(commit.PolicyID), redis.Z{
		Score:  float64(commit.CreatedAt.UnixMilli()),
		Member: commit.CommitID,
	})
	pipe.ZAdd(ctx, versionIdxKey(commit.PolicyID), redis.Z{
		Score:  0,
		Member: versionMember(commit.Version, commit.CommitID),
	})
	if commit.Branch != "" {
		pipe.SAdd(ctx, branchesKey(commit.PolicyID), commit.Branch)
	}
}

func (s *RedisStore) GetCommit(ctx context.Context, commitID string) (*PolicyCommit, error) {
	raw, err := s.client.Get(ctx, commitKey(commitID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCommitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", commitID, err)
	}
	var commit PolicyCommit
	if err := json.Unmarshal([]byte(raw), &commit); err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", commitID, err)
	}
	return &commit, nil
}

func (s *RedisStore) ListCommits(ctx context.Context, policyID string, opts ListOptions) ([]*PolicyCommit, error) {
	var ids []string
	var err error
	if opts.ByVersion {
		members, lexErr := s.client.ZRangeByLex(ctx, versionIdxKey(policyID), &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
		if lexErr != nil {
			return nil, fmt.Errorf("list commits by version: %w", lexErr)
		}
		for _, m := range members {
			ids = append(ids, memberCommitID(m))
		}
	} else {
		ids, err = s.client.ZRevRange(ctx, commitsKey(policyID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list commits: %w", err)
		}
	}
	if len(ids) == 0 {
		return nil, ErrPolicyNotFound
	}

	commits := make([]*PolicyCommit, 0, len(ids))
	for _, id := range ids {
		commit, err := s.GetCommit(ctx, id)
		if errors.Is(err, ErrCommitNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if commit.Deleted && !opts.IncludeDeleted {
			continue
		}
		if opts.Branch != "" && commit.Branch != opts.Branch {
			continue
		}
		commits = append(commits, commit)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(commits) {
			return nil, nil
		}
		commits = commits[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(commits) {
		commits = commits[:opts.Limit]
	}
	return commits, nil
}

func (s *RedisStore) FindByVersion(ctx context.Context, policyID string, version string) (*PolicyCommit, error) {
	v, err := semver.Parse(version)
	if err != nil {
		return nil, fmt.Errorf("find by version: %w", err)
	}

	total, err := s.client.ZCard(ctx, versionIdxKey(policyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("find by version: %w", err)
	}
	if total == 0 {
		return nil, ErrPolicyNotFound
	}

	prefix := v.SortKey() + "|"
	members, err := s.client.ZRangeByLex(ctx, versionIdxKey(policyID), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("find by version: %w", err)
	}

	var newest *PolicyCommit
	for _, m := range members {
		commit, err := s.GetCommit(ctx, memberCommitID(m))
		if errors.Is(err, ErrCommitNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if commit.Deleted {
			continue
		}
		if newest == nil || commit.CreatedAt.After(newest.CreatedAt) {
			newest = commit
		}
	}
	if newest == nil {
		return nil, ErrVersionNotFound
	}
	return newest, nil
}

func (s *RedisStore) SoftDeleteCommit(ctx context.Context, commitID, deletedBy string) error {
	cKey := commitKey(commitID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, cKey).Result()
		if errors.Is(err, redis.Nil) {
			return ErrCommitNotFound
		}
		if err != nil {
			return err
		}
		var commit PolicyCommit
		if err := json.Unmarshal([]byte(raw), &commit); err != nil {
			return fmt.Errorf("decode commit %s: %w", commitID, err)
		}
		if commit.Deleted {
			return nil
		}
		now := time.Now().UTC()
		commit.Deleted = true
		commit.DeletedBy = deletedBy
		commit.DeletedAt = &now

		payload, err := json.Marshal(&commit)
		if err != nil {
			return fmt.Errorf("encode commit: %w", err)
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, cKey, payload, 0)
		_, err = pipe.Exec(ctx)
		return err
	}, cKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConcurrentModification
	}
	return err
}

func (s *RedisStore) Parents(ctx context.Context, commitID string) (string, string, error) {
	commit, err := s.GetCommit(ctx, commitID)
	if err != nil {
		return "", "", err
	}
	return commit.ParentCommitID, commit.MergeParentCommitID, nil
}

func (s *RedisStore) GetHead(ctx context.Context, policyID, branch string) (*BranchHead, error) {
	raw, err := s.client.Get(ctx, headKey(policyID, branch)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load head %s/%s: %w", policyID, branch, err)
	}
	var head BranchHead
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return nil, fmt.Errorf("decode head %s/%s: %w", policyID, branch, err)
	}
	return &head, nil
}

func (s *RedisStore) ListBranchNames(ctx context.Context, policyID string) ([]string, error) {
	names, err := s.client.SMembers(ctx, branchesKey(policyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) PutTag(ctx context.Context, tag *VersionTag) error {
	if tag.PolicyID == "" || tag.Name == "" || tag.CommitID == "" {
		return fmt.Errorf("tag requires policyId, name and commitId")
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(tag)
	if err != nil {
		return fmt.Errorf("encode tag: %w", err)
	}
	ok, err := s.client.SetNX(ctx, tagKey(tag.PolicyID, tag.Name), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store tag: %w", err)
	}
	if !ok {
		return ErrTagExists
	}
	if err := s.client.ZAdd(ctx, tagsKey(tag.PolicyID), redis.Z{
		Score:  float64(tag.CreatedAt.UnixMilli()),
		Member: tag.Name,
	}).Err(); err != nil {
		return fmt.Errorf("index tag: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTag(ctx context.Context, policyID, name string) (*VersionTag, error) {
	raw, err := s.client.Get(ctx, tagKey(policyID, name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tag %s/%s: %w", policyID, name, err)
	}
	var tag VersionTag
	if err := json.Unmarshal([]byte(raw), &tag); err != nil {
		return nil, fmt.Errorf("decode tag %s/%s: %w", policyID, name, err)
	}
	return &tag, nil
}

func (s *RedisStore) ListTags(ctx context.Context, policyID string) ([]*VersionTag, error) {
	names, err := s.client.ZRange(ctx, tagsKey(policyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	tags := make([]*VersionTag, 0, len(names))
	for _, name := range names {
		tag, err := s.GetTag(ctx, policyID, name)
		if errors.Is(err, ErrTagNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func (s *RedisStore) RecordPromotion(ctx context.Context, rec *PromotionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.appendRecord(ctx, promotionsKey(rec.PolicyID), rec)
}

func (s *RedisStore) ListPromotions(ctx context.Context, policyID string, limit int) ([]*PromotionRecord, error) {
	raws, err := s.listRecords(ctx, promotionsKey(policyID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*PromotionRecord, 0, len(raws))
	for _, raw := range raws {
		var rec PromotionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode promotion record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *RedisStore) RecordRollback(ctx context.Context, rec *RollbackRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.appendRecord(ctx, rollbacksKey(rec.PolicyID), rec)
}

func (s *RedisStore) ListRollbacks(ctx context.Context, policyID string, limit int) ([]*RollbackRecord, error) {
	raws, err := s.listRecords(ctx, rollbacksKey(policyID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*RollbackRecord, 0, len(raws))
	for _, raw := range raws {
		var rec RollbackRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode rollback record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *RedisStore) appendRecord(ctx context.Context, key string, rec any) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// listRecords returns the newest records first, at most limit of them.
func (s *RedisStore) listRecords(ctx context.Context, key string, limit int) ([]string, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raws, err := s.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for i, j := 0, len(raws)-1; i < j; i, j = i+1, j-1 {
		raws[i], raws[j] = raws[j], raws[i]
	}
	return raws, nil
}

func (s *RedisStore) PutApproval(ctx context.Context, approval *PendingApproval) error {
	if approval.ApprovalID == "" || approval.PolicyID == "" {
		return fmt.Errorf("approval requires approvalId and policyId")
	}
	now := time.Now().UTC()
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = now
	}
	approval.UpdatedAt = now
	if approval.Status == "" {
		approval.Status = ApprovalPending
	}
	payload, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, approvalKey(approval.ApprovalID), payload, 0)
	pipe.ZAdd(ctx, approvalsKey(approval.PolicyID), redis.Z{
		Score:  float64(approval.CreatedAt.UnixMilli()),
		Member: approval.ApprovalID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store approval: %w", err)
	}
	return nil
}

func (s *RedisStore) GetApproval(ctx context.Context, approvalID string) (*PendingApproval, error) {
	raw, err := s.client.Get(ctx, approvalKey(approvalID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load approval %s: %w", approvalID, err)
	}
	var approval PendingApproval
	if err := json.Unmarshal([]byte(raw), &approval); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", approvalID, err)
	}
	return &approval, nil
}

func (s *RedisStore) UpdateApproval(ctx context.Context, approvalID string, update func(*PendingApproval) error) (*PendingApproval, error) {
	aKey := approvalKey(approvalID)
	var result *PendingApproval
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, aKey).Result()
		if errors.Is(err, redis.Nil) {
			return ErrApprovalNotFound
		}
		if err != nil {
			return err
		}
		var approval PendingApproval
		if err := json.Unmarshal([]byte(raw), &approval); err != nil {
			return fmt.Errorf("decode approval %s: %w", approvalID, err)
		}
		if approval.Status.Terminal() {
			return ErrApprovalClosed
		}
		if approval.Expired(time.Now()) {
			approval.Status = ApprovalExpired
			approval.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&approval)
			if err != nil {
				return fmt.Errorf("encode approval: %w", err)
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, aKey, payload, 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			return ErrApprovalClosed
		}
		if err := update(&approval); err != nil {
			return err
		}
		approval.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&approval)
		if err != nil {
			return fmt.Errorf("encode approval: %w", err)
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, aKey, payload, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = &approval
		return nil
	}, aKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConcurrentModification
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) ListApprovals(ctx context.Context, policyID string, status ApprovalStatus) ([]*PendingApproval, error) {
	ids, err := s.client.ZRange(ctx, approvalsKey(policyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out := make([]*PendingApproval, 0, len(ids))
	for _, id := range ids {
		approval, err := s.GetApproval(ctx, id)
		if errors.Is(err, ErrApprovalNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && approval.Status != status {
			continue
		}
		out = append(out, approval)
	}
	return out, nil
}

func (s *RedisStore) NextPrereleaseNumber(ctx context.Context, policyID string) (int64, error) {
	n, err := s.client.Incr(ctx, rcCounterKey(policyID)).Result()
	if err != nil {
		return 0, fmt.Errorf("next prerelease number: %w", err)
	}
	return n, nil
}

func validateCommit(commit *PolicyCommit) error {
	switch {
	case commit == nil:
		return fmt.Errorf("commit required")
	case commit.CommitID == "":
		return fmt.Errorf("commit id required")
	case commit.PolicyID == "":
		return fmt.Errorf("policy id required")
	case commit.Content == nil:
		return fmt.Errorf("commit content required")
	case commit.ContentHash == "":
		return fmt.Errorf("content hash required")
	default:
		return nil
	}
}
