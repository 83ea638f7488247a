package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var ErrInvalidInitData = errors.New("invalid telegram init data")

// MockHash lets development clients outside Telegram sign in.
const MockHash = "mock"

// TelegramUser is the "user" field of WebApp init data.
type TelegramUser struct {
	ID           int64   `json:"id"`
	FirstName    string  `json:"first_name"`
	LastName     *string `json:"last_name,omitempty"`
	Username     *string `json:"username,omitempty"`
	LanguageCode string  `json:"language_code,omitempty"`
}

// ValidateInitData checks the WebApp init data signature against the bot
// token and returns the signed-in user. With allowMock a hash of "mock" is
// accepted unsigned.
func ValidateInitData(initData, botToken string, allowMock bool) (*TelegramUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInitData, err)
	}

	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("%w: hash missing", ErrInvalidInitData)
	}
	values.Del("hash")

	if !(allowMock && hash == MockHash) {
		expected := Sign(values, botToken)
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hash))) {
			return nil, fmt.Errorf("%w: hash mismatch", ErrInvalidInitData)
		}
	}

	raw := values.Get("user")
	if raw == "" {
		return nil, fmt.Errorf("%w: user missing", ErrInvalidInitData)
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrInvalidInitData, err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: user id missing", ErrInvalidInitData)
	}
	return &user, nil
}

// Sign computes the hex hash Telegram attaches to init data: the data check
// string is every key=value pair except hash, sorted by key and joined by
// newlines, signed with HMAC-SHA256(key "WebAppData", bot token).
func Sign(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
