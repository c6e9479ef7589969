package alipay

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/example/clinic-messaging/internal/messenger"
)

const timeLayout = "2006-01-02 15:04:05"

// Alipay timestamps are Beijing time without an offset.
var beijing = time.FixedZone("CST", 8*60*60)

type Credentials struct {
	AppID           string `json:"app_id"`
	AlipayPublicKey string `json:"alipay_public_key"`
}

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Type() messenger.Type { return messenger.Alipay }

func (a *Adapter) WebhookSecret(account messenger.Account) string {
	creds, err := messenger.DecodeCredentials[Credentials](account)
	if err != nil {
		return ""
	}
	return creds.AlipayPublicKey
}

// VerifyWebhook checks the RSA2 signature carried in the form body itself.
// secret is the Alipay public key, PEM or bare base64 DER.
func (a *Adapter) VerifyWebhook(raw []byte, _ http.Header, secret string) bool {
	if secret == "" {
		return false
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return false
	}
	sig := form.Get("sign")
	if sig == "" || (form.Get("sign_type") != "" && form.Get("sign_type") != "RSA2") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	pub, err := ParsePublicKey(secret)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(SignContent(form)))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], decoded) == nil
}

func (a *Adapter) ParsePayment(account messenger.Account, raw []byte) (messenger.PaymentResult, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return messenger.PaymentResult{}, fmt.Errorf("alipay: decode form: %w", err)
	}
	if form.Get("notify_id") == "" && form.Get("trade_no") == "" {
		return messenger.PaymentResult{}, errors.New("alipay: notification has no notify_id or trade_no")
	}

	fields := make(map[string]string, len(form))
	for k := range form {
		fields[k] = form.Get(k)
	}
	rawJSON, _ := json.Marshal(fields)

	result := messenger.PaymentResult{
		Provider:   messenger.Alipay,
		EventID:    form.Get("notify_id"),
		PaymentID:  form.Get("trade_no"),
		OrderID:    form.Get("out_trade_no"),
		Currency:   "CNY",
		ClinicID:   account.ClinicID,
		OccurredAt: parseTime(form.Get("gmt_payment"), form.Get("notify_time")),
		RawData:    rawJSON,
	}

	amountField := "total_amount"
	switch form.Get("trade_status") {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		result.Status = messenger.PaymentPaid
		if form.Get("refund_fee") != "" {
			result.Status = messenger.PaymentRefunded
			amountField = "refund_fee"
		}
	case "TRADE_CLOSED":
		result.Status = messenger.PaymentFailed
		if form.Get("refund_fee") != "" {
			result.Status = messenger.PaymentRefunded
			amountField = "refund_fee"
		}
	default:
		result.Status = messenger.PaymentIgnored
	}
	if v := form.Get(amountField); v != "" {
		amount, err := ToMinorUnits(v)
		if err != nil {
			return messenger.PaymentResult{}, fmt.Errorf("alipay: %s: %w", amountField, err)
		}
		result.Amount = amount
	}
	return result, nil
}

// SignContent builds the canonical string: every non-empty parameter except
// sign and sign_type, sorted by key, joined as k=v&k=v.
func SignContent(form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "sign" || k == "sign_type" || form.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(form.Get(k))
	}
	return b.String()
}

func ParsePublicKey(key string) (*rsa.PublicKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(key)); block != nil {
		der = block.Bytes
	} else {
		var err error
		der, err = base64.StdEncoding.DecodeString(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("alipay: public key is neither PEM nor base64: %w", err)
		}
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("alipay: parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("alipay: public key is not RSA")
	}
	return pub, nil
}

// ToMinorUnits converts a yuan amount such as "88.8" to fen. Only unsigned
// decimal digits with at most two fraction digits are accepted.
func ToMinorUnits(v string) (int64, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(v), ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("amount %q is empty", v)
	}
	if !digits(whole) || !digits(frac) {
		return 0, fmt.Errorf("amount %q is not an unsigned decimal", v)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", v)
	}
	frac += strings.Repeat("0", 2-len(frac))
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", v, err)
	}
	f, _ := strconv.ParseInt(frac, 10, 64)
	return w*100 + f, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func parseTime(candidates ...string) time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if ts, err := time.ParseInLocation(timeLayout, c, beijing); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}
