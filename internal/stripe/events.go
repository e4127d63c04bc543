package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// Event types the reconciler acts on.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventCheckoutAsyncPaymentOK   = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFail = "checkout.session.async_payment_failed"
	EventCheckoutSessionExpired   = "checkout.session.expired"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

// Event is a verified webhook envelope.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// VerifyEvent checks the Stripe-Signature header against the raw payload
// before anything is parsed.
func VerifyEvent(payload []byte, sigHeader, secret string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var raw json.RawMessage
	if evt.Data != nil {
		raw = evt.Data.Raw
	}
	return Event{ID: evt.ID, Type: string(evt.Type), Raw: raw}, nil
}

// ExpandableID decodes a Stripe reference that is either an id string or an expanded object.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

// CheckoutSession is a minimal representation of a checkout.session object.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          ExpandableID      `json:"customer"`
	Subscription      ExpandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// Price is the part of a Stripe price used for tier classification.
type Price struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// SubscriptionItem carries its own period bounds on newer API versions.
type SubscriptionItem struct {
	Price              Price `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// Subscription is a minimal representation of a subscription object.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           ExpandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// PrimaryPrice returns the first item's price, or false for an empty subscription.
func (s Subscription) PrimaryPrice() (Price, bool) {
	if len(s.Items.Data) == 0 {
		return Price{}, false
	}
	return s.Items.Data[0].Price, true
}

// PeriodBounds prefers subscription-level bounds and falls back to the first item.
func (s Subscription) PeriodBounds() (start, end *time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if startUnix == 0 && endUnix == 0 && len(s.Items.Data) > 0 {
		startUnix, endUnix = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixPtr(startUnix), unixPtr(endUnix)
}

// Invoice is a minimal representation of an invoice object.
type Invoice struct {
	ID           string       `json:"id"`
	Customer     ExpandableID `json:"customer"`
	Subscription ExpandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID reads the subscription from either invoice shape.
func (i Invoice) SubscriptionID() string {
	if id := i.Parent.SubscriptionDetails.Subscription; id != "" {
		return string(id)
	}
	return string(i.Subscription)
}

func unixPtr(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
