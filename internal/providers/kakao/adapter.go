package kakao

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/resilience"
)

const (
	DefaultBaseURL     = "https://bot-api.kakao.com"
	VerificationHeader = "X-Kakao-Bot-Verification"
)

type Credentials struct {
	AppKey string `json:"app_key"`
	BotID  string `json:"bot_id"`
	APIKey string `json:"api_key"`
}

// skillPayload is the open builder skill request.
type skillPayload struct {
	UserRequest struct {
		Utterance string `json:"utterance"`
		User      struct {
			ID         string `json:"id"`
			Properties struct {
				PlusFriendUserKey string `json:"plusfriendUserKey"`
				AppUserID         string `json:"appUserId"`
			} `json:"properties"`
		} `json:"user"`
		Params map[string]any `json:"params"`
	} `json:"userRequest"`
	Action struct {
		ID           string            `json:"id"`
		DetailParams map[string]any    `json:"detailParams"`
		Params       map[string]string `json:"params"`
	} `json:"action"`
}

type Adapter struct {
	baseURL string
	guard   *resilience.Guard
	now     func() time.Time
}

func New(guard *resilience.Guard, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: baseURL, guard: guard, now: time.Now}
}

func (a *Adapter) Type() messenger.Type { return messenger.Kakao }

func (a *Adapter) VerifyWebhook(_ []byte, headers http.Header, secret string) bool {
	token := headers.Get(VerificationHeader)
	if secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// WebhookAck is the skill response returned with the 200; replies are sent
// separately through the event API.
func (a *Adapter) WebhookAck() []byte {
	return []byte(`{"version":"2.0","template":{"outputs":[]}}`)
}

func (a *Adapter) ParseWebhook(account messenger.Account, raw []byte) ([]messenger.StandardMessage, error) {
	var p skillPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("kakao: decode skill payload: %w", err)
	}
	userID := p.UserRequest.User.ID
	if userID == "" || p.UserRequest.Utterance == "" {
		return nil, nil
	}
	now := a.now().UTC()
	return []messenger.StandardMessage{{
		MessengerType: messenger.Kakao,
		// skill requests carry no message id
		MessengerMessageID: syntheticID(userID, raw),
		MessengerUserID:    userID,
		AccountID:          account.ID,
		ClinicID:           account.ClinicID,
		Content:            p.UserRequest.Utterance,
		ContentType:        messenger.ContentText,
		Timestamp:          now,
		RawData:            json.RawMessage(raw),
	}}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, account messenger.Account, recipientID, content string, attachments []messenger.Attachment) (string, error) {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return "", err
	}
	data := map[string]any{"text": content}
	if len(attachments) > 0 && attachments[0].URL != "" {
		data["image_url"] = attachments[0].URL
	}
	body := map[string]any{
		"event": map[string]any{"name": "clinic_reply", "data": data},
		"user":  []map[string]string{{"type": "botUserKey", "id": recipientID}},
	}
	var resp struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
	}
	endpoint := fmt.Sprintf("%s/v2/bots/%s/talk", a.baseURL, url.PathEscape(creds.BotID))
	headers := map[string]string{"Authorization": "KakaoAK " + creds.APIKey}
	if err := a.guard.JSON(ctx, http.MethodPost, endpoint, headers, body, &resp); err != nil {
		return "", err
	}
	if resp.Status == "FAIL" {
		return "", &resilience.StatusError{Provider: "kakao", StatusCode: http.StatusUnprocessableEntity, Body: "event rejected"}
	}
	return resp.TaskID, nil
}

func (a *Adapter) SendTypingIndicator(context.Context, messenger.Account, string) error {
	return nil
}

func (a *Adapter) GetUserProfile(_ context.Context, _ messenger.Account, userID string) (messenger.UserProfile, error) {
	return messenger.UserProfile{UserID: userID}, nil
}

func syntheticID(userID string, raw []byte) string {
	sum := sha256.Sum256(append([]byte(userID+":"), raw...))
	return "kakao-" + hex.EncodeToString(sum[:8])
}
