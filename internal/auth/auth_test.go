package auth

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botToken = "123456:TEST-TOKEN"

func signedInitData(t *testing.T, user string) string {
	t.Helper()
	v := url.Values{}
	v.Set("auth_date", "1700000000")
	v.Set("query_id", "AAH")
	v.Set("user", user)
	v.Set("hash", Sign(v, botToken))
	return v.Encode()
}

func TestValidateInitData(t *testing.T) {
	initData := signedInitData(t, `{"id":555000111,"first_name":"Ali","username":"ali"}`)

	u, err := ValidateInitData(initData, botToken, false)
	require.NoError(t, err)
	assert.Equal(t, int64(555000111), u.ID)
	assert.Equal(t, "Ali", u.FirstName)
	require.NotNil(t, u.Username)
	assert.Equal(t, "ali", *u.Username)
}

func TestValidateInitDataRejectsTampering(t *testing.T) {
	initData := signedInitData(t, `{"id":1,"first_name":"A"}`)
	v, err := url.ParseQuery(initData)
	require.NoError(t, err)
	v.Set("user", `{"id":2,"first_name":"A"}`)

	_, err = ValidateInitData(v.Encode(), botToken, false)
	assert.ErrorIs(t, err, ErrInvalidInitData)

	_, err = ValidateInitData(initData, "other-token", false)
	assert.ErrorIs(t, err, ErrInvalidInitData)
}

func TestValidateInitDataMockBypass(t *testing.T) {
	v := url.Values{}
	v.Set("user", `{"id":42,"first_name":"Dev"}`)
	v.Set("hash", MockHash)

	u, err := ValidateInitData(v.Encode(), botToken, true)
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)

	_, err = ValidateInitData(v.Encode(), botToken, false)
	assert.ErrorIs(t, err, ErrInvalidInitData)
}

func TestValidateInitDataMissingParts(t *testing.T) {
	_, err := ValidateInitData("user=%7B%7D", botToken, true)
	assert.ErrorIs(t, err, ErrInvalidInitData)

	_, err = ValidateInitData("hash=mock", botToken, true)
	assert.ErrorIs(t, err, ErrInvalidInitData)
}

func TestIssuerRoundTrip(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	token, err := iss.Issue("user-1", 555)
	require.NoError(t, err)

	claims, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, int64(555), claims.TelegramID)

	ctx := WithClaims(context.Background(), claims)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, claims, got)
}

func TestIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	token, err := iss.Issue("user-1", 1)
	require.NoError(t, err)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = iss.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewIssuer("another", time.Hour)
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
