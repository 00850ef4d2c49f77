package asr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials identify one ASR application.
type Credentials struct {
	AppID     string
	APIKey    string
	APISecret string
}

// CredentialProvider resolves credentials for a new session.
type CredentialProvider interface {
	Credentials(context.Context) (Credentials, error)
}

// StaticCredentials serves fixed credentials, typically from config.
type StaticCredentials Credentials

func (c StaticCredentials) Credentials(context.Context) (Credentials, error) {
	creds := Credentials(c)
	if strings.TrimSpace(creds.AppID) == "" {
		return Credentials{}, fmt.Errorf("%w: app id is empty", ErrAuth)
	}
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.APISecret) == "" {
		return Credentials{}, fmt.Errorf("%w: api key or secret is empty", ErrAuth)
	}
	return creds, nil
}

// SignURL appends the HMAC-SHA256 authorization query to a websocket endpoint.
func SignURL(rawURL string, creds Credentials, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse endpoint %q: %v", ErrAuth, rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: endpoint %q has no host", ErrAuth, rawURL)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	date := now.UTC().Format(http.TimeFormat)
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", u.Host, date, path)

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authorization := fmt.Sprintf(
		`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		creds.APIKey, signature,
	)

	query := u.Query()
	query.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	query.Set("date", date)
	query.Set("host", u.Host)
	u.RawQuery = query.Encode()
	return u.String(), nil
}
