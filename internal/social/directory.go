package social

import (
	"context"

	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/validation"
)

// SearchUsers returns the profiles whose handle starts with query. Cached
// answers still count against the search quota.
func (s *Service) SearchUsers(ctx context.Context, uid, query string, limit int) ([]models.Profile, error) {
	c, err := caller(uid)
	if err != nil {
		return nil, err
	}
	q := validation.SearchQuery(query)
	if !q.OK() {
		return nil, q.Err()
	}
	p := s.policies.DirectorySearch
	if err := s.admit(uid, p); err != nil {
		return nil, err
	}
	profiles, err := call(ctx, s, "users.search", func(ctx context.Context) ([]models.Profile, error) {
		return s.search.Search(ctx, c, q.Value, limit)
	})
	if err != nil {
		return nil, err
	}
	s.record(uid, p)
	return profiles, nil
}
