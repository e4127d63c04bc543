package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/tarot-reading/backend/internal/identity"
	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

func (h *harness) seedAttempt(sessionID, identityID string, pt models.ProductType) {
	h.store.attempts[sessionID] = models.PurchaseAttempt{
		IdentityID:      identityID,
		StripeSessionID: sessionID,
		ProductType:     pt,
		Status:          models.AttemptPending,
	}
}

func (h *harness) seedSubscription(identityID, handle string, tier models.Tier, status models.SubscriptionStatus) {
	h.store.subs[identityID] = models.Subscription{
		IdentityID:           identityID,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: ptr(handle),
		StripePriceID:        "price_" + string(tier),
		Tier:                 tier,
		Status:               status,
	}
}

func TestScenarioFreshPremiumPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	who := identity.Identity{ID: "user-1", Email: "seer@example.com"}

	res, err := h.svc.StartCheckout(ctx, who, CheckoutRequest{
		Product:     "premium",
		ProductType: models.ProductSubscription,
		SuccessURL:  "https://tarot.example.com/billing/success",
		CancelURL:   "https://tarot.example.com/billing/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.Equal(t, "user-1", h.processor.lastCheckout.Metadata["identity_id"])
	assert.Equal(t, "subscription", h.processor.lastCheckout.Metadata["product_type"])
	assert.Equal(t, stripe.ModeSubscription, h.processor.lastCheckout.Mode)

	h.processor.subscriptions["sub_1"] = processorSubscription("sub_1", "active", "price_premium", map[string]string{"identity_id": "user-1"})
	out, err := h.svc.HandleEvent(ctx, event(t, "evt_1", stripe.EventCheckoutSessionCompleted,
		checkoutObject(res.SessionID, "user-1", models.ProductSubscription, "sub_1")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Outcome)

	sub := h.store.subscription("user-1")
	assert.Equal(t, models.TierPremium, sub.Tier)
	assert.Equal(t, models.StatusActive, sub.Status)
	require.NotNil(t, sub.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *sub.StripeSubscriptionID)
	assert.Equal(t, models.AttemptCompleted, h.store.attempts[res.SessionID].Status)
	require.Len(t, h.store.jobs, 1)
	assert.Equal(t, models.JobEntitlementChanged, h.store.jobs[0].JobType)
	assert.Contains(t, h.cache.invalidated, "user-1")

	ent := h.svc.CheckAccess(ctx, "user-1", false)
	assert.Equal(t, models.TierPremium, ent.Tier)
	assert.True(t, ent.Features.SaveReadings)
	assert.True(t, ent.Features.PremiumSpread)
	require.NotNil(t, ent.CancelAtPeriodEnd)
	assert.False(t, *ent.CancelAtPeriodEnd)
}

func TestCreditGrantIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAttempt("cs_credit", "user-1", models.ProductCredit)
	obj := checkoutObject("cs_credit", "user-1", models.ProductCredit, "")

	for i := 0; i < 5; i++ {
		_, err := h.svc.HandleEvent(ctx, event(t, "evt_credit", stripe.EventCheckoutSessionCompleted, obj))
		require.NoError(t, err)
	}
	// The processor may also resend the same session under a new event id.
	out, err := h.svc.HandleEvent(ctx, event(t, "evt_credit_retry", stripe.EventCheckoutSessionCompleted, obj))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Outcome)

	l := h.store.ledger("user-1")
	assert.Equal(t, int64(1), l.CreditsRemaining)
	assert.Equal(t, int64(1), l.TotalPurchased)
	assert.Equal(t, int64(0), l.TotalUsed)
	assert.Len(t, h.store.jobs, 1)
}

func TestCheckoutBeforeAttemptCommitFailsClosed(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.HandleEvent(context.Background(), event(t, "evt_early", stripe.EventCheckoutSessionCompleted,
		checkoutObject("cs_missing", "user-1", models.ProductCredit, "")))
	require.ErrorIs(t, err, ErrAttemptNotFound)
	assert.False(t, h.store.events["evt_early"])

	// Once the attempt exists, the redelivery grants the credit.
	h.seedAttempt("cs_missing", "user-1", models.ProductCredit)
	_, err = h.svc.HandleEvent(context.Background(), event(t, "evt_early", stripe.EventCheckoutSessionCompleted,
		checkoutObject("cs_missing", "user-1", models.ProductCredit, "")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.store.ledger("user-1").CreditsRemaining)
}

func TestCheckoutWithMismatchedIdentityIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seedAttempt("cs_1", "user-1", models.ProductCredit)

	out, err := h.svc.HandleEvent(context.Background(), event(t, "evt_1", stripe.EventCheckoutSessionCompleted,
		checkoutObject("cs_1", "intruder", models.ProductCredit, "")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	assert.Equal(t, int64(0), h.store.ledger("user-1").CreditsRemaining)
	assert.Equal(t, int64(0), h.store.ledger("intruder").CreditsRemaining)
}

func TestUnpaidCheckoutWaitsForAsyncPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAttempt("cs_1", "user-1", models.ProductCredit)
	obj := checkoutObject("cs_1", "user-1", models.ProductCredit, "")
	obj["payment_status"] = "unpaid"

	out, err := h.svc.HandleEvent(ctx, event(t, "evt_1", stripe.EventCheckoutSessionCompleted, obj))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	assert.Equal(t, models.AttemptPending, h.store.attempts["cs_1"].Status)

	obj["payment_status"] = "paid"
	out, err = h.svc.HandleEvent(ctx, event(t, "evt_2", stripe.EventCheckoutAsyncPaymentOK, obj))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Outcome)
	assert.Equal(t, int64(1), h.store.ledger("user-1").CreditsRemaining)
}

func TestFailedCheckoutMarksAttemptFailed(t *testing.T) {
	for _, typ := range []string{stripe.EventCheckoutSessionExpired, stripe.EventCheckoutAsyncPaymentFail} {
		t.Run(typ, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.seedAttempt("cs_1", "user-1", models.ProductCredit)
			obj := checkoutObject("cs_1", "user-1", models.ProductCredit, "")
			obj["payment_status"] = "unpaid"

			out, err := h.svc.HandleEvent(ctx, event(t, "evt_fail", typ, obj))
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, out.Outcome)
			assert.Equal(t, models.AttemptFailed, h.store.attempts["cs_1"].Status)
			assert.Zero(t, h.store.ledger("user-1").CreditsRemaining)
			assert.Empty(t, h.store.jobs)

			// A stray completion afterwards grants nothing.
			obj["payment_status"] = "paid"
			out, err = h.svc.HandleEvent(ctx, event(t, "evt_late", stripe.EventCheckoutAsyncPaymentOK, obj))
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, out.Outcome)
			assert.Zero(t, h.store.ledger("user-1").CreditsRemaining)
		})
	}
}

func TestFailedCheckoutLeavesCompletedAttemptAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAttempt("cs_1", "user-1", models.ProductCredit)
	obj := checkoutObject("cs_1", "user-1", models.ProductCredit, "")

	_, err := h.svc.HandleEvent(ctx, event(t, "evt_done", stripe.EventCheckoutSessionCompleted, obj))
	require.NoError(t, err)

	out, err := h.svc.HandleEvent(ctx, event(t, "evt_expired", stripe.EventCheckoutSessionExpired, obj))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	assert.Equal(t, models.AttemptCompleted, h.store.attempts["cs_1"].Status)
	assert.Equal(t, int64(1), h.store.ledger("user-1").CreditsRemaining)
}

func TestExpiredSessionWithoutAttemptIsIgnored(t *testing.T) {
	h := newHarness(t)

	out, err := h.svc.HandleEvent(context.Background(), event(t, "evt_x", stripe.EventCheckoutSessionExpired,
		checkoutObject("cs_foreign", "", models.ProductCredit, "")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
}

func TestScenarioFailedPaymentThenRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubscription("user-1", "sub_1", models.TierSubscriber, models.StatusActive)

	_, err := h.svc.HandleEvent(ctx, event(t, "evt_fail", stripe.EventInvoicePaymentFailed, map[string]any{
		"id": "in_1", "object": "invoice", "subscription": "sub_1",
	}))
	require.NoError(t, err)

	sub := h.store.subscription("user-1")
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.Equal(t, models.TierSubscriber, sub.Tier)
	require.NotNil(t, sub.PastDueSince)

	ent := h.svc.CheckAccess(ctx, "user-1", true)
	assert.Equal(t, models.TierSubscriber, ent.Tier)
	require.NotNil(t, ent.GraceEndsAt)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *ent.GraceEndsAt)

	recovered := processorSubscription("sub_1", "active", "price_subscriber", nil)
	_, err = h.svc.HandleEvent(ctx, event(t, "evt_ok", stripe.EventSubscriptionUpdated, subscriptionObject(recovered)))
	require.NoError(t, err)

	sub = h.store.subscription("user-1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.TierSubscriber, sub.Tier)
	assert.Nil(t, sub.PastDueSince)
}

func TestPastDueUpdateAfterGraceSweepStaysExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubscription("user-1", "sub_1", models.TierPremium, models.StatusPastDue)
	lapsed := h.store.subs["user-1"]
	lapsed.PastDueSince = ptr(testNow.Add(-15 * 24 * time.Hour))
	h.store.subs["user-1"] = lapsed

	ids, err := h.svc.SweepGrace(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"user-1"}, ids)

	stillPastDue := processorSubscription("sub_1", "past_due", "price_premium", nil)
	_, err = h.svc.HandleEvent(ctx, event(t, "evt_retry", stripe.EventSubscriptionUpdated, subscriptionObject(stillPastDue)))
	require.NoError(t, err)

	sub := h.store.subscription("user-1")
	assert.Equal(t, models.StatusExpired, sub.Status)
	assert.Equal(t, models.TierFree, sub.Tier)
	assert.Nil(t, sub.PastDueSince)

	ent := h.svc.CheckAccess(ctx, "user-1", true)
	assert.Equal(t, models.TierFree, ent.Tier)
	assert.False(t, ent.Features.SaveReadings)
	assert.Nil(t, ent.GraceEndsAt)

	paid := processorSubscription("sub_1", "active", "price_premium", nil)
	_, err = h.svc.HandleEvent(ctx, event(t, "evt_paid", stripe.EventSubscriptionUpdated, subscriptionObject(paid)))
	require.NoError(t, err)

	sub = h.store.subscription("user-1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.TierPremium, sub.Tier)
}

func TestInvoiceFailureOnNewerParentShape(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription("user-1", "sub_1", models.TierPremium, models.StatusActive)

	_, err := h.svc.HandleEvent(context.Background(), event(t, "evt_fail", stripe.EventInvoicePaymentFailed, map[string]any{
		"id": "in_1",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_1"},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPastDue, h.store.subscription("user-1").Status)
}

func TestSubscriptionDeletedIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubscription("user-1", "sub_1", models.TierPremium, models.StatusActive)

	_, err := h.svc.HandleEvent(ctx, event(t, "evt_del", stripe.EventSubscriptionDeleted,
		subscriptionObject(processorSubscription("sub_1", "canceled", "price_premium", nil))))
	require.NoError(t, err)

	sub := h.store.subscription("user-1")
	assert.Equal(t, models.TierFree, sub.Tier)
	assert.Equal(t, models.StatusCancelled, sub.Status)
	assert.Nil(t, sub.StripeSubscriptionID)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)

	// A late update for the same handle must not revive it.
	out, err := h.svc.HandleEvent(ctx, event(t, "evt_late", stripe.EventSubscriptionUpdated,
		subscriptionObject(processorSubscription("sub_1", "active", "price_premium", map[string]string{"identity_id": "user-1"}))))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	assert.Equal(t, models.TierFree, h.store.subscription("user-1").Tier)

	out, err = h.svc.HandleEvent(ctx, event(t, "evt_late_fail", stripe.EventInvoicePaymentFailed,
		map[string]any{"id": "in_2", "subscription": "sub_1"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	assert.Equal(t, models.StatusCancelled, h.store.subscription("user-1").Status)
}

func TestDeleteBeforeCheckoutCompletionTombstonesHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedAttempt("cs_1", "user-1", models.ProductSubscription)

	_, err := h.svc.HandleEvent(ctx, event(t, "evt_del", stripe.EventSubscriptionDeleted,
		subscriptionObject(processorSubscription("sub_1", "canceled", "price_premium", map[string]string{"identity_id": "user-1"}))))
	require.NoError(t, err)

	// The processor still reports the subscription active in this race.
	h.processor.subscriptions["sub_1"] = processorSubscription("sub_1", "active", "price_premium", nil)
	_, err = h.svc.HandleEvent(ctx, event(t, "evt_done", stripe.EventCheckoutSessionCompleted,
		checkoutObject("cs_1", "user-1", models.ProductSubscription, "sub_1")))
	require.NoError(t, err)

	assert.Equal(t, models.AttemptCompleted, h.store.attempts["cs_1"].Status)
	assert.Equal(t, models.TierFree, h.store.subscription("user-1").Tier)
}

func TestUpdateForUnlinkedSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.HandleEvent(ctx, event(t, "evt_ours", stripe.EventSubscriptionUpdated,
		subscriptionObject(processorSubscription("sub_new", "active", "price_premium", map[string]string{"identity_id": "user-1"}))))
	require.ErrorIs(t, err, ErrNotLinked)
	assert.False(t, h.store.events["evt_ours"])

	out, err := h.svc.HandleEvent(ctx, event(t, "evt_foreign", stripe.EventSubscriptionUpdated,
		subscriptionObject(processorSubscription("sub_other", "active", "price_premium", nil))))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
}

func TestUnknownPriceFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription("user-1", "sub_1", models.TierSubscriber, models.StatusActive)

	_, err := h.svc.HandleEvent(context.Background(), event(t, "evt_1", stripe.EventSubscriptionUpdated,
		subscriptionObject(processorSubscription("sub_1", "active", "price_mystery", nil))))
	require.ErrorIs(t, err, ErrUnknownPrice)
	assert.Equal(t, "price_subscriber", h.store.subscription("user-1").StripePriceID)
	assert.False(t, h.store.events["evt_1"])
}

func TestPriceTierTagWinsOverCatalog(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription("user-1", "sub_1", models.TierSubscriber, models.StatusActive)
	sub := processorSubscription("sub_1", "active", "price_subscriber", nil)
	sub.Items.Data[0].Price.Metadata = map[string]string{"tier": "Premium"}

	_, err := h.svc.HandleEvent(context.Background(), event(t, "evt_1", stripe.EventSubscriptionUpdated, subscriptionObject(sub)))
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, h.store.subscription("user-1").Tier)
}

func TestUpdateToIncompleteDropsTier(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription("user-1", "sub_1", models.TierPremium, models.StatusActive)

	_, err := h.svc.HandleEvent(context.Background(), event(t, "evt_1", stripe.EventSubscriptionUpdated,
		subscriptionObject(processorSubscription("sub_1", "incomplete_expired", "price_mystery", nil))))
	require.NoError(t, err)

	sub := h.store.subscription("user-1")
	assert.Equal(t, models.StatusExpired, sub.Status)
	assert.Equal(t, models.TierFree, sub.Tier)
}

func TestFailedWriteRollsBackWholeEvent(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription("user-1", "sub_1", models.TierPremium, models.StatusActive)
	h.store.enqueueErr = errors.New("jobs table unavailable")

	_, err := h.svc.HandleEvent(context.Background(), event(t, "evt_del", stripe.EventSubscriptionDeleted,
		subscriptionObject(processorSubscription("sub_1", "canceled", "price_premium", nil))))
	require.Error(t, err)

	sub := h.store.subscription("user-1")
	assert.Equal(t, models.TierPremium, sub.Tier)
	assert.Empty(t, h.store.ended)
	assert.False(t, h.store.events["evt_del"])
}

func TestUnknownEventIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	out, err := h.svc.HandleEvent(context.Background(), event(t, "evt_1", "customer.created", map[string]any{"id": "cus_9"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	assert.Empty(t, h.store.events)
}

func TestMalformedPayloadIsInvalid(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.HandleEvent(context.Background(), stripe.Event{
		ID: "evt_1", Type: stripe.EventSubscriptionUpdated, Raw: []byte(`{"id": 42}`),
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTierInvariantHoldsForEveryEventSequence(t *testing.T) {
	statuses := []string{"active", "trialing", "past_due", "unpaid", "canceled", "incomplete", "paused"}
	for _, first := range statuses {
		for _, second := range statuses {
			h := newHarness(t)
			h.seedSubscription("user-1", "sub_1", models.TierPremium, models.StatusActive)
			ctx := context.Background()

			for i, st := range []string{first, second} {
				_, err := h.svc.HandleEvent(ctx, event(t, "evt_"+first+second+string(rune('a'+i)), stripe.EventSubscriptionUpdated,
					subscriptionObject(processorSubscription("sub_1", st, "price_premium", nil))))
				require.NoError(t, err)
			}
			_, err := h.svc.HandleEvent(ctx, event(t, "evt_del_"+first+second, stripe.EventSubscriptionDeleted,
				subscriptionObject(processorSubscription("sub_1", "canceled", "price_premium", nil))))
			require.NoError(t, err)

			sub := h.store.subscription("user-1")
			assert.Equal(t, models.TierFree, sub.Tier, "%s then %s", first, second)
			assert.Equal(t, models.StatusCancelled, sub.Status, "%s then %s", first, second)
		}
	}
}
