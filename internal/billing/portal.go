package billing

import (
	"context"
	"fmt"

	"github.com/PortNumber53/tarot-reading/backend/internal/identity"
)

// PortalURL returns a hosted billing management page for the caller.
func (s *Service) PortalURL(ctx context.Context, identityID, returnURL string) (string, error) {
	if identityID == "" {
		return "", identity.ErrUnauthenticated
	}
	if err := s.checkRedirect(returnURL); err != nil {
		return "", fmt.Errorf("return_url: %w", err)
	}

	sub, err := s.store.GetSubscription(ctx, identityID)
	if err != nil {
		return "", err
	}
	if sub.StripeCustomerID == "" {
		return "", ErrNoBillingRelationship
	}

	u, err := s.processor.CreatePortalSession(ctx, sub.StripeCustomerID, returnURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProcessor, err)
	}
	return u, nil
}
