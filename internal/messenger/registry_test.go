package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

type stubChat struct{ t Type }

func (s stubChat) Type() Type                                     { return s.t }
func (s stubChat) VerifyWebhook([]byte, http.Header, string) bool { return true }
func (s stubChat) ParseWebhook(Account, []byte) ([]StandardMessage, error) {
	return nil, nil
}
func (s stubChat) SendMessage(context.Context, Account, string, string, []Attachment) (string, error) {
	return "id", nil
}
func (s stubChat) SendTypingIndicator(context.Context, Account, string) error { return nil }
func (s stubChat) GetUserProfile(context.Context, Account, string) (UserProfile, error) {
	return UserProfile{}, nil
}

type stubPayment struct{}

func (stubPayment) Type() Type                                     { return Stripe }
func (stubPayment) VerifyWebhook([]byte, http.Header, string) bool { return false }
func (stubPayment) ParsePayment(Account, []byte) (PaymentResult, error) {
	return PaymentResult{Status: PaymentIgnored}, nil
}
func (stubPayment) WebhookSecret(Account) string { return "from-credentials" }

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(stubChat{t: Telegram}, stubPayment{})

	if _, err := r.Chat(Telegram); err != nil {
		t.Fatalf("chat lookup: %v", err)
	}
	if _, err := r.Payment(Stripe); err != nil {
		t.Fatalf("payment lookup: %v", err)
	}
	if _, err := r.Chat(Stripe); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := r.Get(LINE); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if got := r.Types(); len(got) != 2 || got[0] != Stripe || got[1] != Telegram {
		t.Fatalf("types=%v", got)
	}
}

func TestResolveSecret(t *testing.T) {
	if got := ResolveSecret(stubPayment{}, Account{WebhookSecret: "stored"}); got != "stored" {
		t.Fatalf("expected stored secret, got %q", got)
	}
	if got := ResolveSecret(stubPayment{}, Account{}); got != "from-credentials" {
		t.Fatalf("expected credential fallback, got %q", got)
	}
	if got := ResolveSecret(stubChat{t: Telegram}, Account{}); got != "" {
		t.Fatalf("expected empty secret, got %q", got)
	}
}

func TestDecodeCredentials(t *testing.T) {
	type creds struct {
		BotToken string `json:"bot_token"`
	}
	got, err := DecodeCredentials[creds](Account{ID: "a1", Credentials: json.RawMessage(`{"bot_token":"t"}`)})
	if err != nil || got.BotToken != "t" {
		t.Fatalf("decode: %+v %v", got, err)
	}
	if _, err := DecodeCredentials[creds](Account{ID: "a2"}); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}

func TestPaymentResultTerminal(t *testing.T) {
	if (PaymentResult{Status: PaymentIgnored}).Terminal() {
		t.Fatalf("ignored must not be terminal")
	}
	if !(PaymentResult{Status: PaymentPaid}).Terminal() {
		t.Fatalf("paid must be terminal")
	}
}
