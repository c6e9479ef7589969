package kingorder

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/clinic-messaging/internal/messenger"
)

const SignatureHeader = "X-KingOrder-Signature"

type Credentials struct {
	MerchantID string `json:"merchant_id"`
	SecretKey  string `json:"secret_key"`
}

type notification struct {
	EventID    string `json:"event_id"`
	MerchantID string `json:"merchant_id"`
	PaymentID  string `json:"payment_id"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	PaidAt     string `json:"paid_at"`
}

type Adapter struct {
	now func() time.Time
}

func New() *Adapter { return &Adapter{now: time.Now} }

func (a *Adapter) Type() messenger.Type { return messenger.KingOrder }

// VerifyWebhook checks hex(HMAC-SHA256(secret_key, body)).
func (a *Adapter) VerifyWebhook(raw []byte, headers http.Header, secret string) bool {
	signature := headers.Get(SignatureHeader)
	if secret == "" || signature == "" {
		return false
	}
	given, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hmac.Equal(given, mac.Sum(nil))
}

func (a *Adapter) WebhookSecret(account messenger.Account) string {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return ""
	}
	return creds.SecretKey
}

func (a *Adapter) ParsePayment(account messenger.Account, raw []byte) (messenger.PaymentResult, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return messenger.PaymentResult{}, fmt.Errorf("kingorder: decode notification: %w", err)
	}
	occurred := a.now().UTC()
	if n.PaidAt != "" {
		if ts, err := time.Parse(time.RFC3339, n.PaidAt); err == nil {
			occurred = ts.UTC()
		}
	}
	return messenger.PaymentResult{
		Provider:   messenger.KingOrder,
		EventID:    n.EventID,
		PaymentID:  n.PaymentID,
		OrderID:    n.OrderID,
		Status:     mapStatus(n.Status),
		Amount:     n.Amount,
		Currency:   n.Currency,
		ClinicID:   account.ClinicID,
		OccurredAt: occurred,
		RawData:    json.RawMessage(raw),
	}, nil
}

func mapStatus(s string) messenger.PaymentStatus {
	switch strings.ToUpper(s) {
	case "PAID", "COMPLETED", "SUCCESS":
		return messenger.PaymentPaid
	case "FAILED", "DECLINED", "CANCELLED":
		return messenger.PaymentFailed
	case "REFUNDED":
		return messenger.PaymentRefunded
	default:
		return messenger.PaymentIgnored
	}
}
