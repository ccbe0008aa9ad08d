package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settleflow/auth"
	"settleflow/deal"
	"settleflow/dispute"
	"settleflow/invite"
	"settleflow/payment"
	"settleflow/signing"
)

type fakeAuthRepo struct {
	byEmail map[string]auth.User
	byID    map[string]auth.User
	nextID  int
}

func newFakeAuthRepo() *fakeAuthRepo {
	return &fakeAuthRepo{byEmail: map[string]auth.User{}, byID: map[string]auth.User{}, nextID: 1}
}

func (f *fakeAuthRepo) CreateUser(_ context.Context, params auth.CreateUserParams) (auth.User, error) {
	key := strings.ToLower(params.Email)
	if _, ok := f.byEmail[key]; ok {
		return auth.User{}, auth.ErrDuplicateEmail
	}
	user := auth.User{
		ID:           fmt.Sprintf("user-%d", f.nextID),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Phone:        params.Phone,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
	}
	f.nextID++
	f.byEmail[key] = user
	f.byID[user.ID] = user
	return user, nil
}

func (f *fakeAuthRepo) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	user, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeAuthRepo) GetUserByID(_ context.Context, userID string) (auth.User, error) {
	user, ok := f.byID[userID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

// newTestAPI wires only the dependencies the exercised routes touch. The
// payment service has no pool behind it; signature verification fails before
// any query runs.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	authSvc := auth.NewService(newFakeAuthRepo(), "test-secret")
	signingSvc := signing.NewService(nil, nil, nil, "test-secret")
	paymentSvc := payment.NewService(nil, nil, zap.NewNop(), "whsec_test", time.Hour, time.Hour)
	return New(zap.NewNop(), authSvc, nil, nil, signingSvc, paymentSvc, nil, nil)
}

func TestAuthRegisterLoginFlow(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	body := `{"email":"alice@example.com","password":"supersafe","full_name":"Alice Agent","phone":"","role":"agent"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"email":"alice@example.com","password":"supersafe"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
		User  struct {
			Role string `json:"role"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "agent", resp.User.Role)
}

func TestAuthLoginWrongPassword(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	body := `{"email":"bob@example.com","password":"supersafe","full_name":"Bob","phone":"","role":"agent"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"email":"bob@example.com","password":"wrong-password"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRejectMissingBearer(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/deals"},
		{http.MethodGet, "/v1/deals"},
		{http.MethodPost, "/v1/deals/abc/submit"},
		{http.MethodGet, "/v1/admin/analytics"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equalf(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	payload := []byte(`{"id":"evt_1","type":"payment.paid","data":{"provider_ref":"pay_x"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("X-Provider-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSigningInfoRejectsBadToken(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/signing/not-a-jwt", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDomainErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{deal.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{deal.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
		{deal.ErrDealAlreadySubmitted, http.StatusConflict, "DEAL_ALREADY_SUBMITTED"},
		{deal.ErrInvalidSplit, http.StatusUnprocessableEntity, "INVALID_SPLIT"},
		{signing.ErrConsentRequired, http.StatusUnprocessableEntity, "CONSENT_REQUIRED"},
		{signing.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{signing.ErrCodeExpired, http.StatusGone, "CODE_EXPIRED"},
		{payment.ErrStalePayment, http.StatusConflict, "STALE_PAYMENT"},
		{invite.ErrInviteExpired, http.StatusGone, "INVITE_EXPIRED"},
		{dispute.ErrDisputeExists, http.StatusConflict, "DISPUTE_EXISTS"},
		{fmt.Errorf("wrapped: %w", deal.ErrDisputeOpen), http.StatusConflict, "DISPUTE_OPEN"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		api.writeDomainError(rec, tc.err)
		assert.Equalf(t, tc.status, rec.Code, "error %v", tc.err)

		var resp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equalf(t, tc.code, resp.Error.Code, "error %v", tc.err)
	}
}
