package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/store"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

// fakeStore is an in-memory Store. Reconcile holds the lock for the whole
// callback and restores a snapshot on error, like a serializable transaction.
type fakeStore struct {
	mu       sync.Mutex
	subs     map[string]models.Subscription
	ledgers  map[string]models.CreditLedger
	entries  map[string]bool
	attempts map[string]models.PurchaseAttempt
	ended    map[string]string
	events   map[string]bool
	jobs     []models.Job

	readErr    error
	enqueueErr error
	// afterRead runs once GetSubscription has taken its snapshot.
	afterRead func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:     map[string]models.Subscription{},
		ledgers:  map[string]models.CreditLedger{},
		entries:  map[string]bool{},
		attempts: map[string]models.PurchaseAttempt{},
		ended:    map[string]string{},
		events:   map[string]bool{},
	}
}

func entryKey(identityID string, reason models.CreditEntryReason, reference string) string {
	return identityID + "|" + string(reason) + "|" + reference
}

func (f *fakeStore) subscription(id string) models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		return sub
	}
	return models.DefaultSubscription(id)
}

func (f *fakeStore) ledger(id string) models.CreditLedger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ledgers[id]
}

func (f *fakeStore) GetSubscription(_ context.Context, identityID string) (models.Subscription, error) {
	if f.readErr != nil {
		return models.Subscription{}, f.readErr
	}
	sub := f.subscription(identityID)
	if f.afterRead != nil {
		f.afterRead()
	}
	return sub, nil
}

func (f *fakeStore) AttachCustomer(_ context.Context, identityID, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[identityID]
	if !ok {
		sub = models.DefaultSubscription(identityID)
	}
	if sub.StripeCustomerID == "" {
		sub.StripeCustomerID = customerID
	}
	f.subs[identityID] = sub
	return sub.StripeCustomerID, nil
}

func (f *fakeStore) GetCreditLedger(_ context.Context, identityID string) (models.CreditLedger, error) {
	if f.readErr != nil {
		return models.CreditLedger{}, f.readErr
	}
	l := f.ledger(identityID)
	l.IdentityID = identityID
	return l, nil
}

func (f *fakeStore) SpendCredit(_ context.Context, identityID, reference string) (store.SpendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entryKey(identityID, models.CreditReasonSpend, reference)
	l := f.ledgers[identityID]
	if f.entries[key] {
		return store.SpendResult{Remaining: l.CreditsRemaining, Replayed: true}, nil
	}
	if l.CreditsRemaining <= 0 {
		return store.SpendResult{}, store.ErrNoCredit
	}
	l.CreditsRemaining--
	l.TotalUsed++
	f.ledgers[identityID] = l
	f.entries[key] = true
	return store.SpendResult{Remaining: l.CreditsRemaining}, nil
}

func (f *fakeStore) CreatePurchaseAttempt(_ context.Context, a *models.PurchaseAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.attempts[a.StripeSessionID]; dup {
		return fmt.Errorf("duplicate session %s", a.StripeSessionID)
	}
	f.attempts[a.StripeSessionID] = *a
	return nil
}

func (f *fakeStore) GetPurchaseAttempt(_ context.Context, sessionID string) (models.PurchaseAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[sessionID]
	if !ok {
		return models.PurchaseAttempt{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) Reconcile(_ context.Context, eventID, _ string, fn func(store.ReconcileTx) error) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events[eventID] {
		return false, nil
	}

	subs, ledgers, entries := maps.Clone(f.subs), maps.Clone(f.ledgers), maps.Clone(f.entries)
	attempts, ended, jobs := maps.Clone(f.attempts), maps.Clone(f.ended), append([]models.Job(nil), f.jobs...)

	if err := fn(&fakeTx{f: f}); err != nil {
		f.subs, f.ledgers, f.entries = subs, ledgers, entries
		f.attempts, f.ended, f.jobs = attempts, ended, jobs
		return false, err
	}
	f.events[eventID] = true
	return true, nil
}

func (f *fakeStore) ExpireLapsedGrace(_ context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, sub := range f.subs {
		if sub.Status == models.StatusPastDue && sub.PastDueSince != nil && sub.PastDueSince.Before(cutoff) {
			sub.Status, sub.Tier, sub.PastDueSince = models.StatusExpired, models.TierFree, nil
			f.subs[id] = sub
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeTx runs under the lock taken by fakeStore.Reconcile.
type fakeTx struct {
	f *fakeStore
}

func (t *fakeTx) LockPurchaseAttempt(_ context.Context, sessionID string) (models.PurchaseAttempt, error) {
	a, ok := t.f.attempts[sessionID]
	if !ok {
		return models.PurchaseAttempt{}, store.ErrNotFound
	}
	return a, nil
}

func (t *fakeTx) CompletePurchaseAttempt(_ context.Context, sessionID string) error {
	a, ok := t.f.attempts[sessionID]
	if !ok || a.Status != models.AttemptPending {
		return fmt.Errorf("attempt %s is not pending", sessionID)
	}
	a.Status = models.AttemptCompleted
	t.f.attempts[sessionID] = a
	return nil
}

func (t *fakeTx) FailPurchaseAttempt(_ context.Context, sessionID string) error {
	a, ok := t.f.attempts[sessionID]
	if !ok || a.Status != models.AttemptPending {
		return fmt.Errorf("attempt %s is not pending", sessionID)
	}
	a.Status = models.AttemptFailed
	t.f.attempts[sessionID] = a
	return nil
}

func (t *fakeTx) LockSubscription(_ context.Context, identityID string) (models.Subscription, error) {
	if sub, ok := t.f.subs[identityID]; ok {
		return sub, nil
	}
	return models.DefaultSubscription(identityID), nil
}

func (t *fakeTx) LockSubscriptionByHandle(_ context.Context, subscriptionID string) (models.Subscription, error) {
	for _, sub := range t.f.subs {
		if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID == subscriptionID {
			return sub, nil
		}
	}
	return models.Subscription{}, store.ErrNotFound
}

func (t *fakeTx) SaveSubscription(_ context.Context, sub models.Subscription) error {
	if sub.Tier != models.TierFree && (!sub.Status.GrantsAccess() || !sub.HasSubscription()) {
		return fmt.Errorf("check constraint: tier %s with status %s", sub.Tier, sub.Status)
	}
	t.f.subs[sub.IdentityID] = sub
	return nil
}

func (t *fakeTx) IsSubscriptionEnded(_ context.Context, subscriptionID string) (bool, error) {
	_, ok := t.f.ended[subscriptionID]
	return ok, nil
}

func (t *fakeTx) MarkSubscriptionEnded(_ context.Context, subscriptionID, identityID string) error {
	if _, ok := t.f.ended[subscriptionID]; !ok {
		t.f.ended[subscriptionID] = identityID
	}
	return nil
}

func (t *fakeTx) GrantCredits(_ context.Context, identityID string, n int64, reference string) (models.CreditLedger, error) {
	key := entryKey(identityID, models.CreditReasonPurchase, reference)
	l := t.f.ledgers[identityID]
	l.IdentityID = identityID
	if t.f.entries[key] {
		return l, nil
	}
	l.CreditsRemaining += n
	l.TotalPurchased += n
	t.f.ledgers[identityID] = l
	t.f.entries[key] = true
	return l, nil
}

func (t *fakeTx) Enqueue(_ context.Context, job *models.Job) error {
	if t.f.enqueueErr != nil {
		return t.f.enqueueErr
	}
	if err := job.Validate(); err != nil {
		return err
	}
	t.f.jobs = append(t.f.jobs, *job)
	return nil
}

type fakeCatalog struct {
	plans map[string]models.PlanWithCurrentVersion
}

func newFakeCatalog() *fakeCatalog {
	c := &fakeCatalog{plans: map[string]models.PlanWithCurrentVersion{}}
	c.add("subscriber", models.ProductSubscription, models.TierSubscriber, "price_subscriber", 499)
	c.add("premium", models.ProductSubscription, models.TierPremium, "price_premium", 999)
	c.add("premium-spread", models.ProductCredit, models.TierFree, "price_spread", 199)
	c.add("free", models.ProductSubscription, models.TierFree, "price_free", 0)
	return c
}

func (c *fakeCatalog) add(slug string, pt models.ProductType, tier models.Tier, priceID string, cents int64) {
	c.plans[slug] = models.PlanWithCurrentVersion{
		Plan:    models.MembershipPlan{Slug: slug, Name: slug, ProductType: pt, Tier: tier, IsActive: true},
		Version: models.PlanVersion{StripePriceID: priceID, PriceCents: cents, Currency: "usd", Status: models.PlanVersionActive},
	}
}

func (c *fakeCatalog) ListPlans(context.Context) ([]models.PlanWithCurrentVersion, error) {
	var out []models.PlanWithCurrentVersion
	for _, p := range c.plans {
		out = append(out, p)
	}
	return out, nil
}

func (c *fakeCatalog) GetPlanBySlug(_ context.Context, slug string) (*models.PlanWithCurrentVersion, error) {
	p, ok := c.plans[slug]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	return &p, nil
}

func (c *fakeCatalog) GetPlanByStripePriceID(_ context.Context, priceID string) (*models.PlanWithCurrentVersion, error) {
	for _, p := range c.plans {
		if p.Version.StripePriceID == priceID {
			return &p, nil
		}
	}
	return nil, store.ErrPlanVersionNotFound
}

type fakeProcessor struct {
	mu            sync.Mutex
	customers     map[string]string
	created       int
	sessions      int
	subscriptions map[string]stripe.Subscription
	checkoutErr   error
	lastCheckout  stripe.CheckoutParams
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{customers: map[string]string{}, subscriptions: map[string]stripe.Subscription{}}
}

func (p *fakeProcessor) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.customers[email], nil
}

func (p *fakeProcessor) CreateCustomer(_ context.Context, email, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	id := fmt.Sprintf("cus_%d", p.created)
	p.customers[email] = id
	return id, nil
}

func (p *fakeProcessor) CreateCheckoutSession(_ context.Context, params stripe.CheckoutParams) (*stripe.CheckoutSessionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	p.sessions++
	p.lastCheckout = params
	id := fmt.Sprintf("cs_test_%d", p.sessions)
	return &stripe.CheckoutSessionResult{ID: id, URL: "https://checkout.stripe.test/" + id, Currency: "usd"}, nil
}

func (p *fakeProcessor) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	return "https://billing.stripe.test/" + customerID, nil
}

func (p *fakeProcessor) GetSubscription(_ context.Context, subscriptionID string) (*stripe.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", subscriptionID)
	}
	return &sub, nil
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]models.Entitlement
	generations map[string]int64
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]models.Entitlement{}, generations: map[string]int64{}}
}

func (c *fakeCache) Get(_ context.Context, id string) (models.Entitlement, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, c.generations[id], ok
}

func (c *fakeCache) Set(_ context.Context, id string, generation int64, e models.Entitlement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generations[id] {
		return
	}
	c.entries[id] = e
}

func (c *fakeCache) Invalidate(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[id]++
	delete(c.entries, id)
	c.invalidated = append(c.invalidated, id)
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc       *Service
	store     *fakeStore
	catalog   *fakeCatalog
	processor *fakeProcessor
	cache     *fakeCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(),
		catalog:   newFakeCatalog(),
		processor: newFakeProcessor(),
		cache:     newFakeCache(),
	}
	h.svc = NewService(h.store, h.catalog, h.processor, Options{
		GracePeriod: 14 * 24 * time.Hour,
		Cache:       h.cache,
		Now:         func() time.Time { return testNow },
	})
	return h
}

// event builds a verified envelope around obj.
func event(t *testing.T, id, typ string, obj any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return stripe.Event{ID: id, Type: typ, Raw: raw}
}

func processorSubscription(id, status, priceID string, metadata map[string]string) stripe.Subscription {
	sub := stripe.Subscription{
		ID:                 id,
		Customer:           "cus_1",
		Status:             status,
		CurrentPeriodStart: testNow.Add(-24 * time.Hour).Unix(),
		CurrentPeriodEnd:   testNow.Add(29 * 24 * time.Hour).Unix(),
		Metadata:           metadata,
	}
	sub.Items.Data = []stripe.SubscriptionItem{{Price: stripe.Price{ID: priceID}}}
	return sub
}

func subscriptionObject(sub stripe.Subscription) map[string]any {
	items := make([]map[string]any, 0, len(sub.Items.Data))
	for _, it := range sub.Items.Data {
		items = append(items, map[string]any{"price": map[string]any{"id": it.Price.ID, "metadata": it.Price.Metadata}})
	}
	return map[string]any{
		"id":                   sub.ID,
		"object":               "subscription",
		"customer":             string(sub.Customer),
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"current_period_start": sub.CurrentPeriodStart,
		"current_period_end":   sub.CurrentPeriodEnd,
		"metadata":             sub.Metadata,
		"items":                map[string]any{"data": items},
	}
}

func checkoutObject(sessionID, identityID string, pt models.ProductType, subscriptionID string) map[string]any {
	obj := map[string]any{
		"id":                  sessionID,
		"object":              "checkout.session",
		"customer":            "cus_1",
		"client_reference_id": identityID,
		"payment_status":      "paid",
		"amount_total":        999,
		"currency":            "usd",
		"metadata":            map[string]string{"identity_id": identityID, "product_type": string(pt)},
	}
	if subscriptionID != "" {
		obj["mode"] = "subscription"
		obj["subscription"] = subscriptionID
	} else {
		obj["mode"] = "payment"
	}
	return obj
}

func ptr[T any](v T) *T { return &v }
