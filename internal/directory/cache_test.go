package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/policy"
)

type stubSearcher struct {
	users     []models.User
	err       error
	calls     int
	lastLimit int
}

func (s *stubSearcher) SearchUsers(_ context.Context, _ policy.Caller, _ string, limit int) ([]models.User, error) {
	s.calls++
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.users, nil
}

func TestCachingSearcherSearch(t *testing.T) {
	base := &stubSearcher{users: []models.User{{ID: "u1", Handle: "alice", Email: "alice@example.com", PasswordHash: "secret"}}}
	cache := NewCachingSearcher(base, 10, time.Minute)
	ctx := context.Background()

	profiles, err := cache.Search(ctx, policy.User("bob"), "al", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(profiles) != 1 || profiles[0].Handle != "alice" {
		t.Fatalf("unexpected profiles: %+v", profiles)
	}
	if base.calls != 1 {
		t.Fatalf("expected base called once got %d", base.calls)
	}

	if _, err := cache.Search(ctx, policy.User("carol"), "al", 10); err != nil {
		t.Fatalf("search: %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected cached result got %d calls", base.calls)
	}

	if _, err := cache.Search(ctx, policy.User("carol"), "al", 5); err != nil {
		t.Fatalf("search: %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected a different limit to miss got %d calls", base.calls)
	}

	cache.Purge()
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache after purge got %d", cache.Len())
	}
}

func TestCachingSearcherErrorsAreNotCached(t *testing.T) {
	boom := errors.New("boom")
	base := &stubSearcher{err: boom}
	cache := NewCachingSearcher(base, 10, time.Minute)

	if _, err := cache.Search(context.Background(), policy.User("bob"), "al", 10); !errors.Is(err, boom) {
		t.Fatalf("expected boom got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected nothing cached got %d", cache.Len())
	}

	var missing *CachingSearcher
	if _, err := missing.Search(context.Background(), policy.User("bob"), "al", 10); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable got %v", err)
	}
}

func TestCachingSearcherClampsLimit(t *testing.T) {
	base := &stubSearcher{}
	cache := NewCachingSearcher(base, 0, 0)

	if _, err := cache.Search(context.Background(), policy.User("bob"), "al", 0); err != nil {
		t.Fatalf("search: %v", err)
	}
	if base.lastLimit != DefaultLimit {
		t.Fatalf("expected default limit got %d", base.lastLimit)
	}
	if _, err := cache.Search(context.Background(), policy.User("bob"), "al", 500); err != nil {
		t.Fatalf("search: %v", err)
	}
	if base.lastLimit != MaxLimit {
		t.Fatalf("expected max limit got %d", base.lastLimit)
	}
}
