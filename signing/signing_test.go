package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, otpLength)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9', "code %q contains non-digit", code)
		}
		seen[code] = true
	}
	// 50 draws from a million-code space collapsing to a handful would mean
	// the generator is broken.
	assert.Greater(t, len(seen), 40)
}

func TestMaskPhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+77011234567", "+7********67"},
		{"87011234567", "87*******67"},
		{"123", "****"},
		{"", "****"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, maskPhone(tc.in), "input %q", tc.in)
	}
}

func TestTokenRoundtrip(t *testing.T) {
	tk := tokens{secret: []byte("unit-test-secret")}
	now := time.Now()

	token, err := tk.issue("sess-1", "deal-9", now)
	require.NoError(t, err)

	sid, err := tk.verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)

	sid, did, err := tk.verifyClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)
	assert.Equal(t, "deal-9", did)
}

func TestTokenWrongSecret(t *testing.T) {
	issued, err := tokens{secret: []byte("right")}.issue("sess-1", "deal-9", time.Now())
	require.NoError(t, err)

	_, err = tokens{secret: []byte("wrong")}.verify(issued)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestTokenExpired(t *testing.T) {
	tk := tokens{secret: []byte("unit-test-secret")}
	issued, err := tk.issue("sess-1", "deal-9", time.Now().Add(-tokenTTL-time.Hour))
	require.NoError(t, err)

	_, err = tk.verify(issued)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestTokenGarbage(t *testing.T) {
	tk := tokens{secret: []byte("unit-test-secret")}
	for _, in := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := tk.verify(in)
		assert.ErrorIs(t, err, ErrBadToken, "input %q", in)
	}
}
