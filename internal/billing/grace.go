package billing

import (
	"context"

	"github.com/rs/zerolog/log"
)

// SweepGrace persists the downgrade of every past_due subscription whose
// grace period has run out and returns the affected identities.
func (s *Service) SweepGrace(ctx context.Context) ([]string, error) {
	if s.grace <= 0 {
		return nil, nil
	}
	ids, err := s.store.ExpireLapsedGrace(ctx, s.now().Add(-s.grace))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.cache.Invalidate(ctx, id)
	}
	if len(ids) > 0 {
		log.Info().Int("count", len(ids)).Msg("grace period expired for past_due subscriptions")
	}
	return ids, nil
}
