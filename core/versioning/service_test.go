package versioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/polver/polver/core/infra/locks"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/branch"
	"github.com/polver/polver/core/versioning/semver"
	"github.com/polver/polver/core/versioning/store"
	"github.com/polver/polver/core/versioning/workflow"
)

func newTestService(t *testing.T, validator workflow.Validator, bus Publisher) (*Service, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewRedisStore(client)
	branches := branch.NewManager(st, locks.NewRedisStore(client), nil, time.Second)
	var audit *AuditSink
	if bus != nil {
		audit = NewAuditSink(bus)
	}
	return NewService(st, branches, validator, audit, nil), st
}

func doc(t *testing.T, raw string) *value.Value {
	t.Helper()
	v, err := value.FromJSON([]byte(raw))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	return v
}

func TestCreateVersionFirstCommit(t *testing.T) {
	svc, st := newTestService(t, nil, nil)
	ctx := context.Background()

	commit, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1",
		Content:  doc(t, `{"rules":[{"id":"r1","effect":"allow"}]}`),
		Author:   "alice",
		Message:  "initial",
	})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if commit.Version.String() != "1.0.0" {
		t.Fatalf("first version = %s, want 1.0.0", commit.Version)
	}
	if commit.Branch != branch.Draft {
		t.Fatalf("default branch = %s, want draft", commit.Branch)
	}
	if commit.ParentCommitID != "" || commit.Diff != nil {
		t.Fatalf("first commit must have no parent or diff")
	}

	head, err := st.GetHead(ctx, "pol-1", branch.Draft)
	if err != nil || head == nil || head.CommitID != commit.CommitID {
		t.Fatalf("head = %+v, err %v", head, err)
	}
}

func TestCreateVersionBumpsAndDiffs(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	first, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1",
		Content:  doc(t, `{"rules":[{"id":"r1","effect":"allow"}]}`),
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	second, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1",
		Content:  doc(t, `{"rules":[{"id":"r1","effect":"deny"}]}`),
		Bump:     semver.PartMinor,
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Version.String() != "1.1.0" {
		t.Fatalf("bumped version = %s, want 1.1.0", second.Version)
	}
	if second.ParentCommitID != first.CommitID {
		t.Fatalf("parent link broken")
	}
	if second.Diff == nil || second.Diff.Empty() {
		t.Fatalf("commit diff missing")
	}

	// Explicit versions must advance past the head.
	if _, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1",
		Content:  doc(t, `{}`),
		Version:  "1.0.5",
	}); err == nil {
		t.Fatalf("regressing explicit version accepted")
	}
	third, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1",
		Content:  doc(t, `{"rules":[]}`),
		Version:  "2.0.0",
	})
	if err != nil {
		t.Fatalf("explicit version: %v", err)
	}
	if third.Version.String() != "2.0.0" {
		t.Fatalf("explicit version = %s", third.Version)
	}
}

// racingStore sneaks a competing commit in ahead of the first append so
// the caller's CAS fails the way a concurrent writer would make it.
type racingStore struct {
	store.Store
	once sync.Once
}

func (r *racingStore) AppendCommitAndMoveHead(ctx context.Context, commit *store.PolicyCommit, expectedPriorHead string) error {
	var raceErr error
	r.once.Do(func() {
		content, _ := value.FromJSON([]byte(`{"winner":true}`))
		rival := &store.PolicyCommit{
			PolicyID:       commit.PolicyID,
			Version:        commit.Version.Increment(semver.PartMajor),
			Branch:         commit.Branch,
			ParentCommitID: expectedPriorHead,
			Content:        content,
			ContentHash:    content.Hash(),
		}
		rival.CommitID = store.ComputeCommitID(rival.PolicyID, rival.Version, rival.ContentHash, rival.ParentCommitID)
		raceErr = r.Store.AppendCommitAndMoveHead(ctx, rival, expectedPriorHead)
	})
	if raceErr != nil {
		return raceErr
	}
	return r.Store.AppendCommitAndMoveHead(ctx, commit, expectedPriorHead)
}

func TestCreateVersionLosesRace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := &racingStore{Store: store.NewRedisStore(client)}
	branches := branch.NewManager(st, locks.NewRedisStore(client), nil, time.Second)
	svc := NewService(st, branches, nil, nil, nil)

	_, err := svc.CreateVersion(context.Background(), CreateVersionRequest{
		PolicyID: "pol-1",
		Content:  doc(t, `{"loser":true}`),
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("race error = %v, want ErrConcurrentModification", err)
	}

	commits, err := st.ListCommits(context.Background(), "pol-1", store.ListOptions{})
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("exactly one writer should win, have %d commits", len(commits))
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(context.Context, string, *value.Value, string) (*workflow.ValidationResult, error) {
	return &workflow.ValidationResult{Valid: false, Errors: []string{"/rules: required"}}, nil
}

func TestCreateVersionValidationGate(t *testing.T) {
	svc, _ := newTestService(t, rejectAllValidator{}, nil)
	ctx := context.Background()

	_, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1",
		Content:  doc(t, `{"name":"x"}`),
	})
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) || ve.Stage != "create" {
		t.Fatalf("expected create ValidationError, got %v", err)
	}

	commit, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID:       "pol-1",
		Content:        doc(t, `{"name":"x"}`),
		SkipValidation: true,
	})
	if err != nil {
		t.Fatalf("skip validation: %v", err)
	}
	if commit == nil {
		t.Fatalf("skip validation returned no commit")
	}
}

func TestGetVersionDiff(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	if _, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1", Content: doc(t, `{"limit":5}`),
	}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1", Content: doc(t, `{"limit":10}`), Version: "1.1.0",
	}); err != nil {
		t.Fatalf("second: %v", err)
	}

	d, err := svc.GetVersionDiff(ctx, "pol-1", "1.0.0", "1.1.0")
	if err != nil {
		t.Fatalf("GetVersionDiff: %v", err)
	}
	if len(d.Changes) != 1 || d.Changes[0].Path != "limit" {
		t.Fatalf("diff changes: %+v", d.Changes)
	}

	if _, err := svc.GetVersionDiff(ctx, "pol-1", "1.0.0", "9.9.9"); !errors.Is(err, store.ErrVersionNotFound) {
		t.Fatalf("missing version error = %v", err)
	}
}

func TestCompareBranches(t *testing.T) {
	svc, st := newTestService(t, nil, nil)
	ctx := context.Background()

	draft, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1", Content: doc(t, `{"a":1}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cmp, err := svc.CompareBranches(ctx, "pol-1", branch.Draft, branch.Staging)
	if err != nil {
		t.Fatalf("CompareBranches: %v", err)
	}
	if cmp.Target != nil || cmp.Diff.Empty() {
		t.Fatalf("empty target comparison: %+v", cmp)
	}

	staged := *draft
	staged.Branch = branch.Staging
	staged.ParentCommitID = ""
	staged.CommitID = store.ComputeCommitID("pol-1", staged.Version, staged.ContentHash, "")
	if err := st.AppendCommitAndMoveHead(ctx, &staged, ""); err != nil {
		t.Fatalf("seed staging: %v", err)
	}

	cmp, err = svc.CompareBranches(ctx, "pol-1", branch.Draft, branch.Staging)
	if err != nil {
		t.Fatalf("CompareBranches: %v", err)
	}
	if cmp.Target == nil || !cmp.Diff.Empty() {
		t.Fatalf("identical heads should compare clean: %+v", cmp)
	}
}

func TestTags(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	commit, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1", Content: doc(t, `{"a":1}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tag, err := svc.CreateTag(ctx, "pol-1", "baseline", "1.0.0", "first audit", "alice")
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if tag.CommitID != commit.CommitID {
		t.Fatalf("tag points at %s, want %s", tag.CommitID, commit.CommitID)
	}
	if _, err := svc.CreateTag(ctx, "pol-1", "baseline", "1.0.0", "", ""); !errors.Is(err, store.ErrTagExists) {
		t.Fatalf("duplicate tag error = %v", err)
	}

	got, err := svc.GetTag(ctx, "pol-1", "baseline")
	if err != nil || got.Version.String() != "1.0.0" {
		t.Fatalf("GetTag = %+v, err %v", got, err)
	}
	tags, err := svc.ListTags(ctx, "pol-1")
	if err != nil || len(tags) != 1 {
		t.Fatalf("ListTags = %d, err %v", len(tags), err)
	}
}

// captureBus records published subjects in place of a live connection.
type captureBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *captureBus) Publish(subject string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *captureBus) seen(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

func TestAuditEventsPublished(t *testing.T) {
	bus := &captureBus{}
	svc, _ := newTestService(t, nil, bus)
	ctx := context.Background()

	if _, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1", Content: doc(t, `{"a":1}`),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !bus.seen(SubjectVersionCreated) {
		t.Fatalf("version.created not published: %v", bus.subjects)
	}
	if !bus.seen(SubjectPolicyReload) {
		t.Fatalf("reload notice not published: %v", bus.subjects)
	}

	if _, err := svc.CreateVersion(ctx, CreateVersionRequest{
		PolicyID: "pol-1", Content: doc(t, `{"a":2}`), SkipValidation: true,
	}); err != nil {
		t.Fatalf("create with skip: %v", err)
	}
	if !bus.seen(SubjectValidationSkipped) {
		t.Fatalf("validation_skipped not published: %v", bus.subjects)
	}
}
