// Package telegram adapts the Telegram Bot API. Update and response shapes
// come from telegram-bot-api; calls go through the shared guarded client so
// the breaker and retry policy apply.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/resilience"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	SecretHeader   = "X-Telegram-Bot-Api-Secret-Token"
)

type Credentials struct {
	BotToken string `json:"bot_token"`
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

func (a *Adapter) Type() messenger.Type { return messenger.Telegram }

func (a *Adapter) VerifyWebhook(_ []byte, headers http.Header, secret string) bool {
	token := headers.Get(SecretHeader)
	if secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func (a *Adapter) ParseWebhook(account messenger.Account, raw []byte) ([]messenger.StandardMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil, nil
	}

	out := messenger.StandardMessage{
		MessengerType:      messenger.Telegram,
		MessengerMessageID: strconv.Itoa(msg.MessageID),
		MessengerUserID:    strconv.FormatInt(msg.Chat.ID, 10),
		AccountID:          account.ID,
		ClinicID:           account.ClinicID,
		Timestamp:          time.Unix(int64(msg.Date), 0).UTC(),
		RawData:            json.RawMessage(raw),
	}
	if msg.From != nil {
		out.MessengerUserID = strconv.FormatInt(msg.From.ID, 10)
	}

	switch {
	case msg.Text != "":
		out.ContentType = messenger.ContentText
		out.Content = msg.Text
	case len(msg.Photo) > 0:
		// sizes are ascending; keep the largest
		largest := msg.Photo[len(msg.Photo)-1]
		out.ContentType = messenger.ContentImage
		out.Content = msg.Caption
		out.Attachments = []messenger.Attachment{{Type: messenger.ContentImage, FileID: largest.FileID}}
	case msg.Document != nil:
		out.ContentType = messenger.ContentFile
		out.Content = msg.Caption
		out.Attachments = []messenger.Attachment{{Type: messenger.ContentFile, FileID: msg.Document.FileID, Name: msg.Document.FileName}}
	case msg.Sticker != nil:
		out.ContentType = messenger.ContentSticker
		out.Content = msg.Sticker.Emoji
		out.Attachments = []messenger.Attachment{{Type: messenger.ContentSticker, FileID: msg.Sticker.FileID}}
	default:
		return nil, nil
	}
	return []messenger.StandardMessage{out}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, account messenger.Account, recipientID, content string, attachments []messenger.Attachment) (string, error) {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return "", err
	}

	method := "sendMessage"
	body := map[string]any{"chat_id": recipientID, "text": content}
	if len(attachments) > 0 {
		att := attachments[0]
		ref := att.URL
		if ref == "" {
			ref = att.FileID
		}
		switch att.Type {
		case messenger.ContentImage:
			method = "sendPhoto"
			body = map[string]any{"chat_id": recipientID, "photo": ref, "caption": content}
		case messenger.ContentFile:
			method = "sendDocument"
			body = map[string]any{"chat_id": recipientID, "document": ref, "caption": content}
		case messenger.ContentSticker:
			method = "sendSticker"
			body = map[string]any{"chat_id": recipientID, "sticker": ref}
		}
	}

	var sent tgbotapi.Message
	if err := a.call(ctx, creds.BotToken, method, body, &sent); err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (a *Adapter) SendTypingIndicator(ctx context.Context, account messenger.Account, recipientID string) error {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return err
	}
	body := map[string]any{"chat_id": recipientID, "action": tgbotapi.ChatTyping}
	return a.call(ctx, creds.BotToken, "sendChatAction", body, nil)
}

func (a *Adapter) GetUserProfile(ctx context.Context, account messenger.Account, userID string) (messenger.UserProfile, error) {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return messenger.UserProfile{}, err
	}
	var chat tgbotapi.Chat
	if err := a.call(ctx, creds.BotToken, "getChat", map[string]any{"chat_id": userID}, &chat); err != nil {
		return messenger.UserProfile{}, err
	}
	name := chat.FirstName
	if chat.LastName != "" {
		name += " " + chat.LastName
	}
	if name == "" {
		name = chat.UserName
	}
	raw, _ := json.Marshal(chat)
	return messenger.UserProfile{UserID: userID, DisplayName: name, Raw: raw}, nil
}

// call invokes a Bot API method and unwraps the {ok, result} envelope.
func (a *Adapter) call(ctx context.Context, token, method string, body map[string]any, result any) error {
	if token == "" {
		return fmt.Errorf("telegram: bot token missing")
	}
	var resp tgbotapi.APIResponse
	url := fmt.Sprintf("%s/bot%s/%s", a.baseURL, token, method)
	if err := a.guard.JSON(ctx, http.MethodPost, url, nil, body, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return &resilience.StatusError{Provider: "telegram", StatusCode: resp.ErrorCode, Body: resp.Description}
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("telegram: decode %s result: %w", method, err)
	}
	return nil
}
