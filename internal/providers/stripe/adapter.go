package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/example/clinic-messaging/internal/messenger"
)

const (
	SignatureHeader = "Stripe-Signature"
	Tolerance       = 300 * time.Second
)

type Credentials struct {
	SecretKey string `json:"secret_key"`
}

// Adapter verifies and normalizes Stripe events. The signing secret is the
// endpoint's whsec_ value stored as the account webhook secret.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Type() messenger.Type { return messenger.Stripe }

func (a *Adapter) VerifyWebhook(raw []byte, headers http.Header, secret string) bool {
	header := headers.Get(SignatureHeader)
	if secret == "" || header == "" {
		return false
	}
	_, err := webhook.ConstructEventWithOptions(raw, header, secret, webhook.ConstructEventOptions{
		Tolerance:                Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	return err == nil
}

func (a *Adapter) ParsePayment(account messenger.Account, raw []byte) (messenger.PaymentResult, error) {
	var event stripego.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return messenger.PaymentResult{}, fmt.Errorf("stripe: decode event: %w", err)
	}
	result := messenger.PaymentResult{
		Provider:   messenger.Stripe,
		EventID:    event.ID,
		Status:     messenger.PaymentIgnored,
		ClinicID:   account.ClinicID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		RawData:    json.RawMessage(raw),
	}
	if event.Data == nil {
		return result, nil
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return messenger.PaymentResult{}, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		result.PaymentID = pi.ID
		result.OrderID = pi.Metadata["order_id"]
		result.Amount = pi.Amount
		result.Currency = string(pi.Currency)
		result.Status = messenger.PaymentPaid
		if event.Type == "payment_intent.payment_failed" {
			result.Status = messenger.PaymentFailed
		}
	case "checkout.session.completed":
		var cs stripego.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return messenger.PaymentResult{}, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		if cs.PaymentStatus != stripego.CheckoutSessionPaymentStatusPaid {
			return result, nil
		}
		result.PaymentID = cs.ID
		if cs.PaymentIntent != nil {
			result.PaymentID = cs.PaymentIntent.ID
		}
		result.OrderID = cs.Metadata["order_id"]
		if result.OrderID == "" {
			result.OrderID = cs.ClientReferenceID
		}
		result.Amount = cs.AmountTotal
		result.Currency = string(cs.Currency)
		result.Status = messenger.PaymentPaid
	case "charge.refunded":
		var ch stripego.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return messenger.PaymentResult{}, fmt.Errorf("stripe: decode charge: %w", err)
		}
		result.PaymentID = ch.ID
		if ch.PaymentIntent != nil {
			result.PaymentID = ch.PaymentIntent.ID
		}
		result.OrderID = ch.Metadata["order_id"]
		result.Amount = ch.AmountRefunded
		result.Currency = string(ch.Currency)
		result.Status = messenger.PaymentRefunded
	}
	return result, nil
}
