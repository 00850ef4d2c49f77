package asr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticCredentialsRejectsEmptyFields(t *testing.T) {
	_, err := StaticCredentials{APIKey: "k", APISecret: "s"}.Credentials(context.Background())
	require.ErrorIs(t, err, ErrAuth)

	_, err = StaticCredentials{AppID: "a", APIKey: "k"}.Credentials(context.Background())
	require.True(t, IsAuthError(err))

	creds, err := StaticCredentials{AppID: "a", APIKey: "k", APISecret: "s"}.Credentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", creds.AppID)
}

func TestSignURLAddsVerifiableAuthorization(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	creds := Credentials{AppID: "app", APIKey: "key", APISecret: "secret"}

	signed, err := SignURL("wss://iat-api.example.com/v2/iat", creds, now)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "iat-api.example.com", q.Get("host"))
	require.Equal(t, "Wed, 01 May 2024 08:30:00 GMT", q.Get("date"))

	authorization, err := base64.StdEncoding.DecodeString(q.Get("authorization"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(authorization), `api_key="key"`))

	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", "iat-api.example.com", q.Get("date"), "/v2/iat")
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(origin))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	require.Contains(t, string(authorization), `signature="`+expected+`"`)
}

func TestSignURLRejectsMissingHost(t *testing.T) {
	_, err := SignURL("/v2/iat", Credentials{}, time.Now())
	require.ErrorIs(t, err, ErrAuth)
}
