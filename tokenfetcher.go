package convex

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const defaultHttpTimeout = 15 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second

// defaultHttpClient mirrors the teacher's api.go defaultClient(): never use
// http.DefaultClient without an explicit dial timeout.
func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{Timeout: defaultHttpConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{DialContext: dialer.DialContext},
		Timeout:   defaultHttpTimeout,
	}
}

// DefaultTokenFetcher builds a TokenFetcher that POSTs credentials to a
// login endpoint as JSON and expects back {"token": "..."}; any other field
// of the response is ignored, and the expiry is taken from the token's JWT
// "exp" claim when it has one. Grounded on the teacher's BringYourApi /
// AuthLoginArgs HTTP-JSON round trip (api.go); not part of the core
// protocol, just a convenience so a caller need not hand-write the HTTP
// call to exercise C6.
func DefaultTokenFetcher(loginURL string, credentials any) TokenFetcher {
	client := defaultHttpClient()

	return func(ctx context.Context, forceRefresh bool) (string, *time.Time, bool) {
		body, err := json.Marshal(credentials)
		if err != nil {
			return "", nil, false
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(body))
		if err != nil {
			return "", nil, false
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", nil, false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", nil, false
		}

		var result struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Token == "" {
			return "", nil, false
		}

		expiresAt := expiryFromJwt(result.Token)
		return result.Token, expiresAt, true
	}
}

// expiryFromJwt extracts the "exp" claim from a JWT without verifying its
// signature (the server verifies; the client only needs it to schedule a
// proactive refresh). Grounded on the teacher's ParseByJwtUnverified
// (jwt.go).
func expiryFromJwt(token string) *time.Time {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil
	}
	expVal, ok := claims["exp"]
	if !ok {
		return nil
	}
	expFloat, ok := expVal.(float64)
	if !ok {
		return nil
	}
	t := time.Unix(int64(expFloat), 0)
	return &t
}
