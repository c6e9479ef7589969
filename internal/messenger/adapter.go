package messenger

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnsupported     = errors.New("capability not supported by provider")
)

// Provider is the part of the contract every adapter shares.
type Provider interface {
	Type() Type
	// VerifyWebhook checks the signature over the exact request bytes.
	// A false result is a rejection, never an error.
	VerifyWebhook(raw []byte, headers http.Header, secret string) bool
}

// ChatAdapter is implemented by messaging providers.
type ChatAdapter interface {
	Provider
	// ParseWebhook returns no messages and no error for well-formed events
	// that are not user messages.
	ParseWebhook(account Account, raw []byte) ([]StandardMessage, error)
	SendMessage(ctx context.Context, account Account, recipientID, content string, attachments []Attachment) (string, error)
	// SendTypingIndicator is a no-op for providers without the capability.
	SendTypingIndicator(ctx context.Context, account Account, recipientID string) error
	GetUserProfile(ctx context.Context, account Account, userID string) (UserProfile, error)
}

// PaymentAdapter is implemented by payment providers.
type PaymentAdapter interface {
	Provider
	ParsePayment(account Account, raw []byte) (PaymentResult, error)
}

// SecretSource lets an adapter fall back to a credential field when the
// account has no dedicated webhook secret.
type SecretSource interface {
	WebhookSecret(account Account) string
}

// WebhookResponder supplies a provider-specific 200 body.
type WebhookResponder interface {
	WebhookAck() []byte
}

// ResolveSecret picks the secret used to verify a webhook for account.
func ResolveSecret(p Provider, account Account) string {
	if account.WebhookSecret != "" {
		return account.WebhookSecret
	}
	if src, ok := p.(SecretSource); ok {
		return src.WebhookSecret(account)
	}
	return ""
}
