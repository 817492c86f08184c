package branch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/polver/polver/core/infra/locks"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/semver"
	"github.com/polver/polver/core/versioning/store"
)

func newTestManager(t *testing.T, configs map[string]Config) (*Manager, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewRedisStore(client)
	return NewManager(st, locks.NewRedisStore(client), configs, time.Second), st
}

func seedCommit(t *testing.T, st store.Store, policyID, branch, version string) *store.PolicyCommit {
	t.Helper()
	content, err := value.FromJSON([]byte(`{"rules":[]}`))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	v := semver.MustParse(version)
	commit := &store.PolicyCommit{
		CommitID:    store.ComputeCommitID(policyID, v, content.Hash(), ""),
		PolicyID:    policyID,
		Version:     v,
		Branch:      branch,
		Content:     content,
		ContentHash: content.Hash(),
	}
	if err := st.AppendCommitAndMoveHead(context.Background(), commit, ""); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	return commit
}

func TestDefaultLattice(t *testing.T) {
	m, _ := newTestManager(t, nil)

	if !m.ValidTransition(Draft, Staging) {
		t.Fatalf("draft -> staging must be allowed")
	}
	if !m.ValidTransition(Staging, Production) {
		t.Fatalf("staging -> production must be allowed")
	}
	if m.ValidTransition(Draft, Production) {
		t.Fatalf("draft -> production must be rejected")
	}
	if m.ValidTransition(Production, Staging) {
		t.Fatalf("demotion must be rejected")
	}

	prod := m.ConfigFor(Production)
	if !prod.RequiresApproval || prod.MinApprovers != 2 {
		t.Fatalf("production policy: %+v", prod)
	}
	if m.ConfigFor("feature-x").RequiresApproval {
		t.Fatalf("unconfigured branches must be permissive")
	}
}

func TestParseConfigs(t *testing.T) {
	data := []byte(`
branches:
  - name: dev
  - name: live
    requires_approval: true
    min_approvers: 3
    allowed_source_branches: [dev]
    validation_rules: [strict-policy]
`)
	configs, err := ParseConfigs(data)
	if err != nil {
		t.Fatalf("ParseConfigs: %v", err)
	}
	live := configs["live"]
	if !live.RequiresApproval || live.MinApprovers != 3 {
		t.Fatalf("live config: %+v", live)
	}
	if !live.AcceptsFrom("dev") || live.AcceptsFrom("other") {
		t.Fatalf("allowed sources: %+v", live.AllowedSourceBranches)
	}
	if len(live.ValidationRules) != 1 || live.ValidationRules[0] != "strict-policy" {
		t.Fatalf("validation rules: %+v", live.ValidationRules)
	}
}

func TestParseConfigsRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown source": "branches:\n  - name: live\n    allowed_source_branches: [ghost]\n",
		"missing name":   "branches:\n  - requires_approval: true\n",
		"extra field":    "branches:\n  - name: dev\n    color: blue\n",
		"empty list":     "branches: []\n",
	}
	for label, doc := range cases {
		if _, err := ParseConfigs([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", label)
		}
	}
}

func TestParseConfigsEmptyFallsBackToDefaults(t *testing.T) {
	configs, err := ParseConfigs(nil)
	if err != nil {
		t.Fatalf("ParseConfigs: %v", err)
	}
	if _, ok := configs[Production]; !ok {
		t.Fatalf("defaults missing production: %v", configs)
	}
}

func TestListMergesConfiguredAndActualBranches(t *testing.T) {
	m, st := newTestManager(t, nil)
	seedCommit(t, st, "pol-1", "feature-x", "0.1.0")

	infos, err := m.List(context.Background(), "pol-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byName := map[string]Info{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	if _, ok := byName["feature-x"]; !ok {
		t.Fatalf("branch with commits missing: %v", infos)
	}
	if byName["feature-x"].Head == nil {
		t.Fatalf("feature-x should carry its head")
	}
	if _, ok := byName[Production]; !ok {
		t.Fatalf("configured empty branch missing: %v", infos)
	}
	if byName[Production].Head != nil {
		t.Fatalf("empty production branch should have nil head")
	}
}

func TestBranchLockExclusion(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	token, err := m.AcquireLock(ctx, "pol-1", Production, "promoter-a")
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := m.AcquireLock(ctx, "pol-1", Production, "promoter-b"); !errors.Is(err, locks.ErrLockHeld) {
		t.Fatalf("second holder error = %v, want ErrLockHeld", err)
	}
	// Another branch of the same policy is an independent lock.
	if _, err := m.AcquireLock(ctx, "pol-1", Staging, "promoter-b"); err != nil {
		t.Fatalf("sibling branch lock: %v", err)
	}

	if err := m.ReleaseLock(ctx, token); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if _, err := m.AcquireLock(ctx, "pol-1", Production, "promoter-b"); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
}

func skipEval(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eval") && strings.Contains(msg, "unknown")
}
