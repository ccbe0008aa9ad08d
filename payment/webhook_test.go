package payment

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_unit"

func signedHeaders(body []byte, at time.Time, secret string) http.Header {
	h := http.Header{}
	h.Set(signatureHeader, SignPayload(body, at, secret))
	return h
}

func TestVerifySignature_Valid(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment.paid","data":{"provider_ref":"pay_1"}}`)
	now := time.Now()

	err := verifySignature(signedHeaders(body, now, testSecret), body, now, testSecret)
	assert.NoError(t, err)
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	headers := signedHeaders(body, now, testSecret)

	err := verifySignature(headers, []byte(`{"id":"evt_2"}`), now, testSecret)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	err := verifySignature(signedHeaders(body, now, "whsec_other"), body, now, testSecret)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	signedAt := now.Add(-time.Duration(toleranceSeconds+1) * time.Second)

	err := verifySignature(signedHeaders(body, signedAt, testSecret), body, now, testSecret)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignature_FutureWithinTolerance(t *testing.T) {
	// Small clock drift between provider and engine must not drop events.
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	err := verifySignature(signedHeaders(body, now.Add(2*time.Minute), testSecret), body, now, testSecret)
	assert.NoError(t, err)
}

func TestVerifySignature_SecretRotation(t *testing.T) {
	// During rotation the provider may send signatures under both secrets;
	// any matching v1 entry is enough.
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	oldSig := SignPayload(body, now, "whsec_retired")
	newSig := SignPayload(body, now, testSecret)
	_, newV1 := parseSignatureHeader(newSig)
	require.Len(t, newV1, 1)

	h := http.Header{}
	h.Set(signatureHeader, fmt.Sprintf("%s,v1=%s", oldSig, newV1[0]))

	assert.NoError(t, verifySignature(h, body, now, testSecret))
}

func TestVerifySignature_MissingHeader(t *testing.T) {
	body := []byte(`{}`)
	err := verifySignature(http.Header{}, body, time.Now(), testSecret)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestParseSignatureHeader(t *testing.T) {
	ts, sigs := parseSignatureHeader("t=1700000000, v1=abc, v1=def")
	assert.Equal(t, "1700000000", ts)
	assert.Equal(t, []string{"abc", "def"}, sigs)

	ts, sigs = parseSignatureHeader("garbage")
	assert.Empty(t, ts)
	assert.Empty(t, sigs)

	// first t wins
	ts, _ = parseSignatureHeader("t=1,t=2,v1=abc")
	assert.Equal(t, "1", ts)
}

func TestParseEvent(t *testing.T) {
	ev, err := parseEvent([]byte(`{"id":"evt_9","type":"payment.paid","data":{"provider_ref":"pay_7"}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_9", ev.ID)
	assert.Equal(t, EventPaid, ev.Type)
	assert.Equal(t, "pay_7", ev.Data.ProviderRef)
}

func TestParseEvent_Rejects(t *testing.T) {
	_, err := parseEvent([]byte(`{`))
	assert.Error(t, err)

	_, err = parseEvent([]byte(`{"type":"payment.paid"}`))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "event id"))
}
