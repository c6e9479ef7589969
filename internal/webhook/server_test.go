package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/clinic-messaging/internal/messenger"
	"github.com/example/clinic-messaging/internal/providers/kakao"
	"github.com/example/clinic-messaging/internal/providers/kingorder"
	"github.com/example/clinic-messaging/internal/providers/meta"
	"github.com/example/clinic-messaging/internal/providers/telegram"
	"github.com/example/clinic-messaging/internal/realtime"
	"github.com/example/clinic-messaging/internal/store"
)

const helloUpdate = `{"message":{"message_id":42,"from":{"id":987},"chat":{"id":987,"type":"private"},"date":1700000000,"text":"hello"}}`

type fakeAccounts map[string]messenger.Account

func (f fakeAccounts) GetAccount(_ context.Context, id string) (messenger.Account, error) {
	acc, ok := f[id]
	if !ok {
		return messenger.Account{}, store.ErrNotFound
	}
	return acc, nil
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type fakeBroadcaster struct {
	events []realtime.Event
}

func (b *fakeBroadcaster) BroadcastToTenant(_ context.Context, _ string, event realtime.Event) error {
	b.events = append(b.events, event)
	return nil
}

type fixture struct {
	srv      *httptest.Server
	inbound  *fakeProducer
	payments *fakeProducer
	bcast    *fakeBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	accounts := fakeAccounts{
		"tg-1": {ID: "tg-1", ClinicID: "clinic-1", MessengerType: messenger.Telegram, WebhookSecret: "s3cret", IsActive: true,
			Credentials: json.RawMessage(`{"bot_token":"1:a"}`)},
		"tg-off": {ID: "tg-off", ClinicID: "clinic-1", MessengerType: messenger.Telegram, WebhookSecret: "s3cret"},
		"kakao-1": {ID: "kakao-1", ClinicID: "clinic-2", MessengerType: messenger.Kakao, WebhookSecret: "kk", IsActive: true,
			Credentials: json.RawMessage(`{"bot_id":"b"}`)},
		"meta-1": {ID: "meta-1", ClinicID: "clinic-3", MessengerType: messenger.Meta, IsActive: true,
			Credentials: json.RawMessage(`{"app_secret":"as","verify_token":"vt"}`)},
		"ko-1": {ID: "ko-1", ClinicID: "clinic-4", MessengerType: messenger.KingOrder, IsActive: true,
			Credentials: json.RawMessage(`{"merchant_id":"m","secret_key":"ko"}`)},
	}
	f := &fixture{inbound: &fakeProducer{}, payments: &fakeProducer{}, bcast: &fakeBroadcaster{}}
	s := &Server{
		Accounts:    accounts,
		Registry:    messenger.NewRegistry(telegram.New(nil, ""), kakao.New(nil, ""), meta.New(nil, ""), kingorder.New()),
		Inbound:     f.inbound,
		Payments:    f.payments,
		Broadcaster: f.bcast,
		Logger:      zerolog.Nop(),
	}
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTelegramHelloIsPublished(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/v1/webhooks/telegram/tg-1", []byte(helloUpdate), map[string]string{telegram.SecretHeader: "s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if len(f.inbound.msgs) != 1 {
		t.Fatalf("expected one inbound message, got %d", len(f.inbound.msgs))
	}
	var msg messenger.StandardMessage
	if err := json.Unmarshal(f.inbound.msgs[0].Value, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Content != "hello" || msg.ContentType != messenger.ContentText || msg.MessengerMessageID != "42" || msg.ClinicID != "clinic-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if string(f.inbound.msgs[0].Key) != "clinic-1:tg-1" {
		t.Fatalf("key=%s", f.inbound.msgs[0].Key)
	}
	if len(f.bcast.events) != 1 || f.bcast.events[0].Type != "new_message" {
		t.Fatalf("broadcasts=%+v", f.bcast.events)
	}
}

func TestRejectionsHaveNoSideEffects(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		want    int
	}{
		{"bad secret", "/v1/webhooks/telegram/tg-1", helloUpdate, map[string]string{telegram.SecretHeader: "nope"}, http.StatusForbidden},
		{"missing secret", "/v1/webhooks/telegram/tg-1", helloUpdate, nil, http.StatusForbidden},
		{"unknown account", "/v1/webhooks/telegram/ghost", helloUpdate, map[string]string{telegram.SecretHeader: "s3cret"}, http.StatusNotFound},
		{"inactive account", "/v1/webhooks/telegram/tg-off", helloUpdate, map[string]string{telegram.SecretHeader: "s3cret"}, http.StatusForbidden},
		{"provider mismatch", "/v1/webhooks/kakao/tg-1", helloUpdate, map[string]string{kakao.VerificationHeader: "s3cret"}, http.StatusForbidden},
		{"unknown provider", "/v1/webhooks/fax/tg-1", helloUpdate, nil, http.StatusNotFound},
		{"malformed body", "/v1/webhooks/telegram/tg-1", `{"message":`, map[string]string{telegram.SecretHeader: "s3cret"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			resp := f.post(t, tc.path, []byte(tc.body), tc.headers)
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d, expected %d", resp.StatusCode, tc.want)
			}
			if len(f.inbound.msgs) != 0 || len(f.bcast.events) != 0 {
				t.Fatalf("side effects on rejection: %d msgs, %d events", len(f.inbound.msgs), len(f.bcast.events))
			}
		})
	}
}

func TestNonMessageEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/v1/webhooks/telegram/tg-1", []byte(`{"update_id":5,"my_chat_member":{}}`), map[string]string{telegram.SecretHeader: "s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if len(f.inbound.msgs) != 0 || len(f.bcast.events) != 0 {
		t.Fatalf("non-message event produced side effects")
	}
}

func TestKakaoRepliesWithSkillResponse(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"userRequest":{"utterance":"hi","user":{"id":"u1"}}}`)
	resp := f.post(t, "/v1/webhooks/kakao/kakao-1", body, map[string]string{kakao.VerificationHeader: "kk"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var ack map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil || ack["version"] != "2.0" {
		t.Fatalf("ack=%v err=%v", ack, err)
	}
	if len(f.inbound.msgs) != 1 {
		t.Fatalf("expected kakao message published")
	}
}

func TestMetaHandshake(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/v1/webhooks/meta/meta-1?hub.mode=subscribe&hub.verify_token=vt&hub.challenge=c123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || buf.String() != "c123" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, buf.String())
	}

	resp2, err := http.Get(f.srv.URL + "/v1/webhooks/meta/meta-1?hub.mode=subscribe&hub.verify_token=bad&hub.challenge=c123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d", resp2.StatusCode)
	}
}

func TestMetaFallsBackToAppSecret(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"object":"page","entry":[{"id":"P","messaging":[{"sender":{"id":"S"},"recipient":{"id":"P"},"timestamp":1,"message":{"mid":"m.1","text":"hey"}}]}]}`)
	mac := hmac.New(sha256.New, []byte("as"))
	mac.Write(body)
	resp := f.post(t, "/v1/webhooks/meta/meta-1", body, map[string]string{meta.SignatureHeader: "sha256=" + hex.EncodeToString(mac.Sum(nil))})
	if resp.StatusCode != http.StatusOK || len(f.inbound.msgs) != 1 {
		t.Fatalf("status=%d msgs=%d", resp.StatusCode, len(f.inbound.msgs))
	}
}

func TestPaymentWebhook(t *testing.T) {
	f := newFixture(t)
	sign := func(body []byte) string {
		mac := hmac.New(sha256.New, []byte("ko"))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}

	paid := []byte(`{"event_id":"e1","payment_id":"p1","order_id":"o1","status":"PAID","amount":5000,"currency":"KRW"}`)
	resp := f.post(t, "/v1/webhooks/kingorder/ko-1", paid, map[string]string{kingorder.SignatureHeader: sign(paid)})
	if resp.StatusCode != http.StatusOK || len(f.payments.msgs) != 1 {
		t.Fatalf("status=%d payments=%d", resp.StatusCode, len(f.payments.msgs))
	}
	if string(f.payments.msgs[0].Key) != "clinic-4:p1" {
		t.Fatalf("key=%s", f.payments.msgs[0].Key)
	}

	pending := []byte(`{"event_id":"e2","payment_id":"p2","status":"PENDING"}`)
	resp = f.post(t, "/v1/webhooks/kingorder/ko-1", pending, map[string]string{kingorder.SignatureHeader: sign(pending)})
	if resp.StatusCode != http.StatusOK || len(f.payments.msgs) != 1 {
		t.Fatalf("pending event must be acknowledged without publishing")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
