package line

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/resilience"
)

const (
	DefaultBaseURL  = "https://api.line.me"
	SignatureHeader = "X-Line-Signature"
)

type Credentials struct {
	ChannelSecret string `json:"channel_secret"`
	AccessToken   string `json:"access_token"`
}

// Events stay raw so each message keeps the provider's own bytes.
type webhookBody struct {
	Destination string            `json:"destination"`
	Events      []json.RawMessage `json:"events"`
}

type event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Source    struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	} `json:"source"`
	Message *struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Text      string `json:"text"`
		FileName  string `json:"fileName"`
		PackageID string `json:"packageId"`
		StickerID string `json:"stickerId"`
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

func (a *Adapter) Type() messenger.Type { return messenger.LINE }

// VerifyWebhook checks Base64(HMAC-SHA256(channel_secret, body)).
func (a *Adapter) VerifyWebhook(raw []byte, headers http.Header, secret string) bool {
	signature := headers.Get(SignatureHeader)
	if secret == "" || signature == "" {
		return false
	}
	given, err := base64.StdEncoding.DecodeString(signature)
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
	return creds.ChannelSecret
}

func (a *Adapter) ParseWebhook(account messenger.Account, raw []byte) ([]messenger.StandardMessage, error) {
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("line: decode webhook: %w", err)
	}

	var out []messenger.StandardMessage
	for _, eventRaw := range body.Events {
		var ev event
		if err := json.Unmarshal(eventRaw, &ev); err != nil {
			return nil, fmt.Errorf("line: decode event: %w", err)
		}
		if ev.Type != "message" || ev.Message == nil {
			continue
		}
		msg := messenger.StandardMessage{
			MessengerType:      messenger.LINE,
			MessengerMessageID: ev.Message.ID,
			MessengerUserID:    ev.Source.UserID,
			AccountID:          account.ID,
			ClinicID:           account.ClinicID,
			Timestamp:          time.UnixMilli(ev.Timestamp).UTC(),
			RawData:            eventRaw,
		}
		switch ev.Message.Type {
		case "text":
			msg.ContentType = messenger.ContentText
			msg.Content = ev.Message.Text
		case "image":
			msg.ContentType = messenger.ContentImage
			msg.Attachments = []messenger.Attachment{{Type: messenger.ContentImage, FileID: ev.Message.ID}}
		case "file":
			msg.ContentType = messenger.ContentFile
			msg.Attachments = []messenger.Attachment{{Type: messenger.ContentFile, FileID: ev.Message.ID, Name: ev.Message.FileName}}
		case "sticker":
			msg.ContentType = messenger.ContentSticker
			msg.Attachments = []messenger.Attachment{{Type: messenger.ContentSticker, FileID: ev.Message.PackageID + ":" + ev.Message.StickerID}}
		default:
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// SendMessage uses the push API. Push responses carry no message id, so a
// local tracking id is returned.
func (a *Adapter) SendMessage(ctx context.Context, account messenger.Account, recipientID, content string, attachments []messenger.Attachment) (string, error) {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return "", err
	}
	var messages []map[string]any
	if content != "" {
		messages = append(messages, map[string]any{"type": "text", "text": content})
	}
	for _, att := range attachments {
		if att.Type == messenger.ContentImage && att.URL != "" {
			messages = append(messages, map[string]any{
				"type":               "image",
				"originalContentUrl": att.URL,
				"previewImageUrl":    att.URL,
			})
		}
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("line: nothing to send")
	}

	body := map[string]any{"to": recipientID, "messages": messages}
	if err := a.guard.JSON(ctx, http.MethodPost, a.baseURL+"/v2/bot/message/push", authHeader(creds), body, nil); err != nil {
		return "", err
	}
	return "line-" + uuid.NewString(), nil
}

func (a *Adapter) SendTypingIndicator(context.Context, messenger.Account, string) error {
	return nil
}

func (a *Adapter) GetUserProfile(ctx context.Context, account messenger.Account, userID string) (messenger.UserProfile, error) {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return messenger.UserProfile{}, err
	}
	var raw json.RawMessage
	endpoint := a.baseURL + "/v2/bot/profile/" + url.PathEscape(userID)
	if err := a.guard.JSON(ctx, http.MethodGet, endpoint, authHeader(creds), nil, &raw); err != nil {
		return messenger.UserProfile{}, err
	}
	var p struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return messenger.UserProfile{}, fmt.Errorf("line: decode profile: %w", err)
	}
	return messenger.UserProfile{UserID: userID, DisplayName: p.DisplayName, PictureURL: p.PictureURL, Raw: raw}, nil
}

func authHeader(creds Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds.AccessToken}
}
