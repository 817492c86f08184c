package locks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestAcquireReleaseCycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := store.Acquire(ctx, "branch:pol-1:draft", "promoter-a", 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	if lock == nil || lock.Token == "" {
		t.Fatalf("expected lock with token")
	}

	if _, err := store.Acquire(ctx, "branch:pol-1:draft", "promoter-b", 2*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	ok, err := store.Release(ctx, "branch:pol-1:draft", lock.Token)
	if err != nil || !ok {
		t.Fatalf("expected release ok, err=%v ok=%v", err, ok)
	}

	if _, err := store.Acquire(ctx, "branch:pol-1:draft", "promoter-b", 2*time.Second); err != nil {
		t.Fatalf("expected acquire after release: %v", err)
	}
}

func TestReleaseWrongToken(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := store.Acquire(ctx, "branch:pol-2:staging", "promoter-a", 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := store.Release(ctx, "branch:pol-2:staging", "bogus-token"); err != nil || ok {
		t.Fatalf("expected release refused, err=%v ok=%v", err, ok)
	}
	if held, err := store.Get(ctx, "branch:pol-2:staging"); err != nil || held == nil || held.Token != lock.Token {
		t.Fatalf("expected lock intact after bad release")
	}
}

func TestReacquireSameHolderRefreshes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Acquire(ctx, "branch:pol-3:production", "promoter-a", 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	second, err := store.Acquire(ctx, "branch:pol-3:production", "promoter-a", 2*time.Second)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if second.Token == first.Token {
		t.Fatalf("expected fresh token on re-acquire")
	}
}

func TestRenew(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := store.Acquire(ctx, "branch:pol-4:draft", "promoter-a", 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	renewed, err := store.Renew(ctx, "branch:pol-4:draft", lock.Token, 5*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.Holder != "promoter-a" {
		t.Fatalf("unexpected holder: %s", renewed.Holder)
	}
	if _, err := store.Renew(ctx, "branch:pol-4:draft", "bogus", 5*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld for bad token, got %v", err)
	}
}

func TestTTLExpiryFreesLock(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "branch:pol-5:draft", "promoter-a", time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := store.Acquire(ctx, "branch:pol-5:draft", "promoter-b", time.Second); err != nil {
		t.Fatalf("expected acquire after expiry: %v", err)
	}
}

func skipEval(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eval") && strings.Contains(msg, "unknown")
}
