// Package meta adapts Facebook Messenger and Instagram messaging through the
// Graph API.
package meta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/resilience"
)

const (
	DefaultBaseURL  = "https://graph.facebook.com/v19.0"
	SignatureHeader = "X-Hub-Signature-256"
)

type Credentials struct {
	AppSecret       string `json:"app_secret"`
	PageAccessToken string `json:"page_access_token"`
	VerifyToken     string `json:"verify_token"`
}

type webhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string            `json:"id"`
		Time      int64             `json:"time"`
		Messaging []json.RawMessage `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

type Adapter struct {
	baseURL string
	guard   *resilience.Guard
}

func New(guard *resilience.Guard, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: baseURL, guard: guard}
}

func (a *Adapter) Type() messenger.Type { return messenger.Meta }

// VerifyWebhook checks "sha256=" + hex(HMAC-SHA256(app_secret, body)).
func (a *Adapter) VerifyWebhook(raw []byte, headers http.Header, secret string) bool {
	signature := headers.Get(SignatureHeader)
	if secret == "" || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
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
	return creds.AppSecret
}

// VerifySubscription answers the hub.mode=subscribe handshake. It returns the
// challenge to echo when the token matches the account's verify_token.
func (a *Adapter) VerifySubscription(account messenger.Account, mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token == "" {
		return "", false
	}
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil || creds.VerifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(creds.VerifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

func (a *Adapter) ParseWebhook(account messenger.Account, raw []byte) ([]messenger.StandardMessage, error) {
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("meta: decode webhook: %w", err)
	}

	var out []messenger.StandardMessage
	for _, entry := range body.Entry {
		for _, eventRaw := range entry.Messaging {
			var ev messagingEvent
			if err := json.Unmarshal(eventRaw, &ev); err != nil {
				return nil, fmt.Errorf("meta: decode messaging event: %w", err)
			}
			if ev.Message == nil || ev.Message.IsEcho || ev.Message.MID == "" {
				continue
			}
			msg := messenger.StandardMessage{
				MessengerType:      messenger.Meta,
				MessengerMessageID: ev.Message.MID,
				MessengerUserID:    ev.Sender.ID,
				AccountID:          account.ID,
				ClinicID:           account.ClinicID,
				Content:            ev.Message.Text,
				ContentType:        messenger.ContentText,
				Timestamp:          time.UnixMilli(ev.Timestamp).UTC(),
				RawData:            eventRaw,
			}
			for _, att := range ev.Message.Attachments {
				kind := messenger.ContentFile
				if att.Type == "image" {
					kind = messenger.ContentImage
				}
				msg.Attachments = append(msg.Attachments, messenger.Attachment{Type: kind, URL: att.Payload.URL})
			}
			if msg.Content == "" && len(msg.Attachments) > 0 {
				msg.ContentType = msg.Attachments[0].Type
			}
			if msg.Content == "" && len(msg.Attachments) == 0 {
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *Adapter) SendMessage(ctx context.Context, account messenger.Account, recipientID, content string, attachments []messenger.Attachment) (string, error) {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return "", err
	}
	message := map[string]any{}
	if len(attachments) > 0 && attachments[0].URL != "" {
		kind := "file"
		if attachments[0].Type == messenger.ContentImage {
			kind = "image"
		}
		message["attachment"] = map[string]any{
			"type":    kind,
			"payload": map[string]any{"url": attachments[0].URL, "is_reusable": true},
		}
	} else {
		message["text"] = content
	}
	body := map[string]any{
		"recipient":      map[string]string{"id": recipientID},
		"message":        message,
		"messaging_type": "RESPONSE",
	}
	var resp struct {
		RecipientID string `json:"recipient_id"`
		MessageID   string `json:"message_id"`
	}
	if err := a.guard.JSON(ctx, http.MethodPost, a.baseURL+"/me/messages", authHeader(creds), body, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (a *Adapter) SendTypingIndicator(ctx context.Context, account messenger.Account, recipientID string) error {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return err
	}
	body := map[string]any{
		"recipient":     map[string]string{"id": recipientID},
		"sender_action": "typing_on",
	}
	return a.guard.JSON(ctx, http.MethodPost, a.baseURL+"/me/messages", authHeader(creds), body, nil)
}

func (a *Adapter) GetUserProfile(ctx context.Context, account messenger.Account, userID string) (messenger.UserProfile, error) {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return messenger.UserProfile{}, err
	}
	q := url.Values{}
	q.Set("fields", "name,profile_pic")
	endpoint := a.baseURL + "/" + url.PathEscape(userID) + "?" + q.Encode()

	var raw json.RawMessage
	if err := a.guard.JSON(ctx, http.MethodGet, endpoint, authHeader(creds), nil, &raw); err != nil {
		return messenger.UserProfile{}, err
	}
	var p struct {
		Name       string `json:"name"`
		ProfilePic string `json:"profile_pic"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return messenger.UserProfile{}, fmt.Errorf("meta: decode profile: %w", err)
	}
	return messenger.UserProfile{UserID: userID, DisplayName: p.Name, PictureURL: p.ProfilePic, Raw: raw}, nil
}

func authHeader(creds Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds.PageAccessToken}
}
