package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	signatureHeader  = "X-Provider-Signature"
	signatureScheme  = "t=%d,v1=%s"
	toleranceSeconds = 300
)

// Event is a provider webhook payload normalized for consumption.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ProviderRef string `json:"provider_ref"`
	} `json:"data"`
}

// Provider event types the engine consumes; anything else is acknowledged
// and dropped.
const (
	EventPaid      = "payment.paid"
	EventExpired   = "payment.expired"
	EventCancelled = "payment.cancelled"
)

// verifySignature checks the HMAC-SHA256 signature over "<t>.<body>" carried
// in the signature header as "t=<unix>,v1=<hex>", rejecting stale timestamps.
// Multiple v1 entries are accepted to allow secret rotation.
func verifySignature(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("payment: webhook secret is empty")
	}

	timestamp, signatures := parseSignatureHeader(headers.Get(signatureHeader))
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 || len(signatures) == 0 {
		return ErrBadSignature
	}

	skew := receivedAt.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > toleranceSeconds {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return nil
		}
	}
	return ErrBadSignature
}

func parseSignatureHeader(value string) (string, []string) {
	var t string
	v1 := make([]string, 0, 2)
	for _, part := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			if t == "" {
				t = strings.TrimSpace(kv[1])
			}
		case "v1":
			if v := strings.TrimSpace(kv[1]); v != "" {
				v1 = append(v1, v)
			}
		}
	}
	return t, v1
}

// SignPayload produces the signature header value for a body, used by tests
// and by the conformance fixtures.
func SignPayload(rawBody []byte, at time.Time, secret string) string {
	ts := strconv.FormatInt(at.UTC().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	return fmt.Sprintf(signatureScheme, at.UTC().Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func parseEvent(rawBody []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return Event{}, fmt.Errorf("payment: decode webhook body: %w", err)
	}
	if strings.TrimSpace(ev.ID) == "" {
		return Event{}, fmt.Errorf("payment: webhook event id missing")
	}
	return ev, nil
}
