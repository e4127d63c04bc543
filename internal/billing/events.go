package billing

import (
	"encoding/json"
	"fmt"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

// Event is one decoded processor notification. The concrete types below are
// the only implementations.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type envelope struct {
	ID   string
	Type string
}

func (e envelope) EventID() string   { return e.ID }
func (e envelope) EventType() string { return e.Type }
func (envelope) isEvent()            {}

// CheckoutCompleted is a finished hosted checkout, for either product type.
type CheckoutCompleted struct {
	envelope
	SessionID      string
	CustomerID     string
	SubscriptionID string
	// IdentityID and ProductType come from the metadata we attached at checkout.
	IdentityID  string
	ProductType models.ProductType
	Paid        bool
}

// CheckoutFailed is a hosted checkout that will never complete: the session
// expired or its delayed payment failed.
type CheckoutFailed struct {
	envelope
	SessionID string
}

// SubscriptionUpdated carries the full subscription object.
type SubscriptionUpdated struct {
	envelope
	Subscription stripe.Subscription
}

// SubscriptionDeleted ends a subscription for good.
type SubscriptionDeleted struct {
	envelope
	SubscriptionID string
	IdentityID     string
}

// InvoicePaymentFailed starts or continues a grace period.
type InvoicePaymentFailed struct {
	envelope
	InvoiceID      string
	SubscriptionID string
}

// Unknown is any event type the reconciler does not act on.
type Unknown struct {
	envelope
}

// DecodeEvent turns a verified envelope into its variant. A payload that
// cannot be decoded is reported as ErrInvalidRequest.
func DecodeEvent(evt stripe.Event) (Event, error) {
	env := envelope{ID: evt.ID, Type: evt.Type}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", ErrInvalidRequest)
	}

	switch evt.Type {
	case stripe.EventCheckoutSessionCompleted, stripe.EventCheckoutAsyncPaymentOK:
		var cs stripe.CheckoutSession
		if err := decodeObject(evt, &cs); err != nil {
			return nil, err
		}
		if cs.ID == "" {
			return nil, fmt.Errorf("%w: checkout session has no id", ErrInvalidRequest)
		}
		identityID := cs.Metadata["identity_id"]
		if identityID == "" {
			identityID = cs.ClientReferenceID
		}
		return CheckoutCompleted{
			envelope:       env,
			SessionID:      cs.ID,
			CustomerID:     string(cs.Customer),
			SubscriptionID: string(cs.Subscription),
			IdentityID:     identityID,
			ProductType:    models.ProductType(cs.Metadata["product_type"]),
			// "no_payment_required" covers fully discounted checkouts.
			Paid: cs.PaymentStatus != "unpaid",
		}, nil

	case stripe.EventCheckoutSessionExpired, stripe.EventCheckoutAsyncPaymentFail:
		var cs stripe.CheckoutSession
		if err := decodeObject(evt, &cs); err != nil {
			return nil, err
		}
		if cs.ID == "" {
			return nil, fmt.Errorf("%w: checkout session has no id", ErrInvalidRequest)
		}
		return CheckoutFailed{envelope: env, SessionID: cs.ID}, nil

	case stripe.EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := decodeObject(evt, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription has no id", ErrInvalidRequest)
		}
		return SubscriptionUpdated{envelope: env, Subscription: sub}, nil

	case stripe.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(evt, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription has no id", ErrInvalidRequest)
		}
		return SubscriptionDeleted{envelope: env, SubscriptionID: sub.ID, IdentityID: sub.Metadata["identity_id"]}, nil

	case stripe.EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := decodeObject(evt, &inv); err != nil {
			return nil, err
		}
		return InvoicePaymentFailed{envelope: env, InvoiceID: inv.ID, SubscriptionID: inv.SubscriptionID()}, nil
	}

	return Unknown{envelope: env}, nil
}

func decodeObject(evt stripe.Event, dst any) error {
	if len(evt.Raw) == 0 {
		return fmt.Errorf("%w: %s event has no data", ErrInvalidRequest, evt.Type)
	}
	if err := json.Unmarshal(evt.Raw, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidRequest, evt.Type, err)
	}
	return nil
}
