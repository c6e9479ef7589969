package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/resilience"
)

var account = messenger.Account{
	ID:            "acc-1",
	ClinicID:      "clinic-9",
	MessengerType: messenger.Telegram,
	Credentials:   json.RawMessage(`{"bot_token":"123:abc"}`),
	WebhookSecret: "s3cret",
	IsActive:      true,
}

func newAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	guard := resilience.NewGuard("telegram-"+t.Name(), resilience.NewBreakers(resilience.BreakerConfig{}),
		resilience.RetryPolicy{MaxAttempts: 1}, resilience.NewClientFrom(srv.Client()), zerolog.Nop())
	return New(guard, srv.URL)
}

func TestVerifyWebhook(t *testing.T) {
	a := New(nil, "")
	cases := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"match", "s3cret", "s3cret", true},
		{"tampered", "s3cret!", "s3cret", false},
		{"absent", "", "s3cret", false},
		{"no stored secret", "s3cret", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != "" {
				h.Set(SecretHeader, tc.header)
			}
			if got := a.VerifyWebhook([]byte(`{}`), h, tc.secret); got != tc.want {
				t.Fatalf("VerifyWebhook=%v, expected %v", got, tc.want)
			}
		})
	}
}

func TestParseWebhookTextMessage(t *testing.T) {
	raw := []byte(`{"message":{"message_id":42,"from":{"id":987},"chat":{"id":987,"type":"private"},"date":1700000000,"text":"hello"}}`)
	msgs, err := New(nil, "").ParseWebhook(account, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ContentType != messenger.ContentText || m.Content != "hello" || m.MessengerMessageID != "42" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.MessengerUserID != "987" || m.ClinicID != "clinic-9" || m.AccountID != "acc-1" {
		t.Fatalf("identity fields not populated: %+v", m)
	}
	if m.Timestamp.Unix() != 1700000000 {
		t.Fatalf("timestamp=%v", m.Timestamp)
	}
}

func TestParseWebhookMedia(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantType messenger.ContentType
		wantFile string
	}{
		{
			name:     "photo keeps largest size",
			raw:      `{"message":{"message_id":1,"chat":{"id":5},"date":1,"caption":"x-ray","photo":[{"file_id":"small"},{"file_id":"large"}]}}`,
			wantType: messenger.ContentImage,
			wantFile: "large",
		},
		{
			name:     "document",
			raw:      `{"message":{"message_id":2,"chat":{"id":5},"date":1,"document":{"file_id":"doc1","file_name":"report.pdf"}}}`,
			wantType: messenger.ContentFile,
			wantFile: "doc1",
		},
		{
			name:     "sticker",
			raw:      `{"message":{"message_id":3,"chat":{"id":5},"date":1,"sticker":{"file_id":"st1","emoji":"👍"}}}`,
			wantType: messenger.ContentSticker,
			wantFile: "st1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgs, err := New(nil, "").ParseWebhook(account, []byte(tc.raw))
			if err != nil || len(msgs) != 1 {
				t.Fatalf("parse: %v %v", msgs, err)
			}
			if msgs[0].ContentType != tc.wantType || msgs[0].Attachments[0].FileID != tc.wantFile {
				t.Fatalf("unexpected message: %+v", msgs[0])
			}
		})
	}
}

func TestParseWebhookIgnoresNonMessageUpdates(t *testing.T) {
	raw := []byte(`{"update_id":1,"edited_message":{"message_id":1,"chat":{"id":1},"date":1,"text":"x"}}`)
	msgs, err := New(nil, "").ParseWebhook(account, raw)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected no messages, got %v %v", msgs, err)
	}
	if _, err := New(nil, "").ParseWebhook(account, []byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSendMessage(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bot123:abc/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chat_id"] != "987" || body["text"] != "hi" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":1,"chat":{"id":987}}}`))
	})
	id, err := a.SendMessage(context.Background(), account, "987", "hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "77" {
		t.Fatalf("id=%q, expected 77", id)
	}
}

func TestSendMessageWithPhotoUsesSendPhoto(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendPhoto") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":78}}`))
	})
	att := []messenger.Attachment{{Type: messenger.ContentImage, URL: "https://cdn/x.png"}}
	if _, err := a.SendMessage(context.Background(), account, "987", "caption", att); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendMessageNotOK(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	})
	_, err := a.SendMessage(context.Background(), account, "1", "hi", nil)
	var statusErr *resilience.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 400 {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestTypingAndProfile(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendChatAction"):
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		case strings.HasSuffix(r.URL.Path, "/getChat"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":987,"type":"private","first_name":"Ana","last_name":"Kim"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	if err := a.SendTypingIndicator(context.Background(), account, "987"); err != nil {
		t.Fatalf("typing: %v", err)
	}
	profile, err := a.GetUserProfile(context.Background(), account, "987")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.DisplayName != "Ana Kim" {
		t.Fatalf("display name=%q", profile.DisplayName)
	}
}
