package messenger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a provider. Chat and payment providers share the namespace.
type Type string

const (
	Telegram  Type = "telegram"
	LINE      Type = "line"
	Kakao     Type = "kakao"
	Meta      Type = "meta"
	Stripe    Type = "stripe"
	KingOrder Type = "kingorder"
	Alipay    Type = "alipay"
)

type ContentType string

const (
	ContentText    ContentType = "text"
	ContentImage   ContentType = "image"
	ContentFile    ContentType = "file"
	ContentSticker ContentType = "sticker"
)

// Attachment references provider-hosted media. Exactly one of FileID or URL is set.
type Attachment struct {
	Type   ContentType `json:"type"`
	FileID string      `json:"file_id,omitempty"`
	URL    string      `json:"url,omitempty"`
	Name   string      `json:"name,omitempty"`
}

// StandardMessage is one inbound chat event after normalization.
type StandardMessage struct {
	MessengerType      Type            `json:"messenger_type"`
	MessengerMessageID string          `json:"messenger_message_id"`
	MessengerUserID    string          `json:"messenger_user_id"`
	AccountID          string          `json:"account_id"`
	ClinicID           string          `json:"clinic_id"`
	Content            string          `json:"content"`
	ContentType        ContentType     `json:"content_type"`
	Attachments        []Attachment    `json:"attachments,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	RawData            json.RawMessage `json:"raw_data,omitempty"`
}

// Account is a provider account owned by settings management.
type Account struct {
	ID            string          `json:"id"`
	ClinicID      string          `json:"clinic_id"`
	MessengerType Type            `json:"messenger_type"`
	Credentials   json.RawMessage `json:"credentials"`
	WebhookSecret string          `json:"-"`
	IsActive      bool            `json:"is_active"`
	IsConnected   bool            `json:"is_connected"`
}

// DecodeCredentials unmarshals the opaque credential blob into a provider shape.
func DecodeCredentials[T any](account Account) (T, error) {
	var creds T
	if len(account.Credentials) == 0 {
		return creds, fmt.Errorf("account %s: credentials missing", account.ID)
	}
	if err := json.Unmarshal(account.Credentials, &creds); err != nil {
		return creds, fmt.Errorf("account %s: decode credentials: %w", account.ID, err)
	}
	return creds, nil
}

type UserProfile struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name,omitempty"`
	PictureURL  string          `json:"picture_url,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentIgnored  PaymentStatus = "ignored"
)

// PaymentResult is the normalized outcome of a payment webhook. Status
// PaymentIgnored means the event carried no terminal state.
type PaymentResult struct {
	Provider   Type            `json:"provider"`
	EventID    string          `json:"event_id,omitempty"`
	PaymentID  string          `json:"payment_id,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	Status     PaymentStatus   `json:"status"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	ClinicID   string          `json:"clinic_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	RawData    json.RawMessage `json:"raw_data,omitempty"`
}

func (r PaymentResult) Terminal() bool {
	return r.Status != "" && r.Status != PaymentIgnored
}
