package alipay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/url"
	"testing"

	"github.com/example/clinic-messaging/internal/messenger"
)

func newKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return key, base64.StdEncoding.EncodeToString(der)
}

func signForm(t *testing.T, key *rsa.PrivateKey, form url.Values) []byte {
	t.Helper()
	digest := sha256.Sum256([]byte(SignContent(form)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	form.Set("sign", base64.StdEncoding.EncodeToString(sig))
	form.Set("sign_type", "RSA2")
	return []byte(form.Encode())
}

func baseForm() url.Values {
	form := url.Values{}
	form.Set("notify_id", "n-1")
	form.Set("notify_time", "2024-03-01 18:00:00")
	form.Set("trade_no", "2024030122001")
	form.Set("out_trade_no", "ord-7")
	form.Set("trade_status", "TRADE_SUCCESS")
	form.Set("total_amount", "88.8")
	form.Set("gmt_payment", "2024-03-01 17:59:58")
	return form
}

func TestSignContent(t *testing.T) {
	form := url.Values{}
	form.Set("b", "2")
	form.Set("a", "1")
	form.Set("empty", "")
	form.Set("sign", "xxx")
	form.Set("sign_type", "RSA2")
	if got := SignContent(form); got != "a=1&b=2" {
		t.Fatalf("SignContent=%q", got)
	}
}

func TestVerifyWebhook(t *testing.T) {
	key, pub := newKey(t)
	account := messenger.Account{ID: "ali", ClinicID: "clinic-6", Credentials: json.RawMessage(`{"app_id":"2021","alipay_public_key":"` + pub + `"}`)}
	a := New()
	body := signForm(t, key, baseForm())

	if !a.VerifyWebhook(body, nil, a.WebhookSecret(account)) {
		t.Fatalf("expected valid signature to verify")
	}

	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: mustDecode(t, pub)}))
	if !a.VerifyWebhook(body, nil, pemKey) {
		t.Fatalf("expected PEM key to verify")
	}

	tampered, _ := url.ParseQuery(string(body))
	tampered.Set("total_amount", "0.01")
	if a.VerifyWebhook([]byte(tampered.Encode()), nil, pub) {
		t.Fatalf("expected tampered amount to fail")
	}

	_, otherPub := newKey(t)
	if a.VerifyWebhook(body, nil, otherPub) {
		t.Fatalf("expected foreign key to fail")
	}
	if a.VerifyWebhook(body, nil, "") {
		t.Fatalf("expected empty secret to fail")
	}
}

func TestParsePayment(t *testing.T) {
	account := messenger.Account{ID: "ali", ClinicID: "clinic-6"}
	res, err := New().ParsePayment(account, []byte(baseForm().Encode()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != messenger.PaymentPaid || res.Amount != 8880 || res.OrderID != "ord-7" || res.PaymentID != "2024030122001" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.OccurredAt.Hour() != 9 || res.OccurredAt.Minute() != 59 {
		t.Fatalf("expected gmt_payment converted to UTC, got %v", res.OccurredAt)
	}

	form := baseForm()
	form.Set("trade_status", "WAIT_BUYER_PAY")
	res, err = New().ParsePayment(account, []byte(form.Encode()))
	if err != nil || res.Status != messenger.PaymentIgnored {
		t.Fatalf("expected ignored, got %+v %v", res, err)
	}

	form = baseForm()
	form.Set("trade_status", "TRADE_CLOSED")
	form.Set("refund_fee", "10.00")
	res, err = New().ParsePayment(account, []byte(form.Encode()))
	if err != nil || res.Status != messenger.PaymentRefunded || res.Amount != 1000 {
		t.Fatalf("expected refund of 1000, got %+v %v", res, err)
	}
}

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"88.88", 8888, false},
		{"88.8", 8880, false},
		{"88", 8800, false},
		{".5", 50, false},
		{"1.234", 0, true},
		{"abc", 0, true},
		{"-1.00", 0, true},
		{"-0.50", 0, true},
		{"+1.00", 0, true},
		{"1.-5", 0, true},
		{"1.+5", 0, true},
		{".", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ToMinorUnits(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ToMinorUnits(%q)=%d,%v", tc.in, got, err)
		}
	}
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return b
}
