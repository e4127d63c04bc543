// Package stripe adapts the Stripe SDK to the operations the billing service
// needs and decodes webhook payloads into minimal local types.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

const defaultTimeout = 10 * time.Second

// Client issues Stripe API calls with a per-call timeout.
type Client struct {
	customers     customer.Client
	checkouts     checkoutsession.Client
	portals       portalsession.Client
	subscriptions subscription.Client
	timeout       time.Duration
}

// NewClient creates a Stripe client bound to secretKey. It does not touch
// the SDK's global key.
func NewClient(secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backend := stripelib.GetBackend(stripelib.APIBackend)
	return &Client{
		customers:     customer.Client{B: backend, Key: secretKey},
		checkouts:     checkoutsession.Client{B: backend, Key: secretKey},
		portals:       portalsession.Client{B: backend, Key: secretKey},
		subscriptions: subscription.Client{B: backend, Key: secretKey},
		timeout:       timeout,
	}
}

// CheckoutMode mirrors Stripe's checkout session mode.
type CheckoutMode string

const (
	ModeSubscription CheckoutMode = "subscription"
	ModePayment      CheckoutMode = "payment"
)

// CheckoutParams describes a hosted checkout session to create.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	Mode       CheckoutMode
	SuccessURL string
	CancelURL  string
	// Metadata is attached to the session and, for subscriptions, to the subscription.
	Metadata map[string]string
	// ClientReferenceID is echoed back on checkout.session.completed.
	ClientReferenceID string
	// IdempotencyKey makes a retried create return the same session.
	IdempotencyKey string
}

// CheckoutSessionResult is the subset of a created session the caller needs.
type CheckoutSessionResult struct {
	ID          string
	URL         string
	AmountTotal int64
	Currency    string
}

// FindCustomerByEmail returns the first customer with the given email, or "" when none exists.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripelib.CustomerListParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	it := c.customers.List(params)
	for it.Next() {
		if cust := it.Customer(); cust != nil && !cust.Deleted {
			return cust.ID, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("list customers: %w", err)
	}
	return "", nil
}

// CreateCustomer creates a customer tagged with the identity. idempotencyKey
// makes concurrent creations for the same identity return one customer.
func (c *Client) CreateCustomer(ctx context.Context, email, identityID, idempotencyKey string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripelib.CustomerParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.AddMetadata("identity_id", identityID)
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	cust, err := c.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a hosted checkout session for one price.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSessionResult, error) {
	if p.PriceID == "" {
		return nil, errors.New("create checkout session: price id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(p.Mode)),
		Customer:   stripelib.String(p.CustomerID),
		SuccessURL: stripelib.String(p.SuccessURL),
		CancelURL:  stripelib.String(p.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{Price: stripelib.String(p.PriceID), Quantity: stripelib.Int64(1)},
		},
		Metadata: p.Metadata,
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripelib.String(p.ClientReferenceID)
	}
	if p.Mode == ModeSubscription {
		params.SubscriptionData = &stripelib.CheckoutSessionSubscriptionDataParams{Metadata: p.Metadata}
	} else {
		params.PaymentIntentData = &stripelib.CheckoutSessionPaymentIntentDataParams{Metadata: p.Metadata}
	}

	sess, err := c.checkouts.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if strings.TrimSpace(sess.ID) == "" || strings.TrimSpace(sess.URL) == "" {
		return nil, errors.New("create checkout session: missing session id or url in response")
	}
	return &CheckoutSessionResult{
		ID:          sess.ID,
		URL:         sess.URL,
		AmountTotal: sess.AmountTotal,
		Currency:    string(sess.Currency),
	}, nil
}

// CreatePortalSession returns a hosted billing portal URL for a customer.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx

	sess, err := c.portals.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// GetSubscription fetches a subscription and decodes it with the same
// types used for webhook payloads.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub.LastResponse == nil || len(sub.LastResponse.RawJSON) == 0 {
		return nil, errors.New("get subscription: empty response")
	}

	var out Subscription
	if err := json.Unmarshal(sub.LastResponse.RawJSON, &out); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &out, nil
}
