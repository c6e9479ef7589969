package webhook

import (
	"net/http"

	"github.com/example/clinic-messaging/internal/messenger"
)

// SubscriptionVerifier answers a provider's GET subscription handshake.
type SubscriptionVerifier interface {
	VerifySubscription(account messenger.Account, mode, token, challenge string) (string, bool)
}

// verify resolves the secret for account and runs the provider scheme over
// the untouched request bytes. A missing secret is a rejection.
func verify(p messenger.Provider, account messenger.Account, raw []byte, headers http.Header) bool {
	secret := messenger.ResolveSecret(p, account)
	if secret == "" {
		return false
	}
	return p.VerifyWebhook(raw, headers, secret)
}

// accountAllows reports whether account may receive events for provider.
func accountAllows(account messenger.Account, provider messenger.Type) bool {
	return account.IsActive && account.MessengerType == provider
}
