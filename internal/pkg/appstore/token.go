package appstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/LukasBrandt/StoreSync/internal/pkg/cache"
	"github.com/golang-jwt/jwt/v5"
)

const tokenLifetime = 20 * time.Minute

// TokenProvider mints the short-lived ES256 bearer tokens the App Store
// Server API requires. Tokens are cached until near expiry so concurrent
// webhook processing for the same app does not re-sign on every call; each
// app carries its own credentials, so providers are created per app and
// never shared across credential sets.
type TokenProvider struct {
	IssuerID      string
	KeyID         string
	BundleID      string
	PrivateKeyPEM string
}

// BearerToken returns a valid API token, minting a fresh one when the cached
// token is missing or close to expiry.
func (p *TokenProvider) BearerToken() (string, error) {
	key := fmt.Sprintf("appstore:token:%s:%s", p.IssuerID, p.KeyID)
	if cached, err := cache.Get(key); err == nil && cached != "" {
		if ttl, err := cache.TTL(key); err == nil && ttl > time.Minute {
			return cached, nil
		}
	}

	token, err := p.mint(time.Now())
	if err != nil {
		return "", err
	}

	// Cache failures only cost an extra signature next time.
	_ = cache.Set(key, token, tokenLifetime-time.Minute)
	return token, nil
}

func (p *TokenProvider) mint(now time.Time) (string, error) {
	if p.IssuerID == "" || p.KeyID == "" || p.PrivateKeyPEM == "" {
		return "", errors.New("app store credentials are not configured")
	}

	privateKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(p.PrivateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("parse app store private key: %w", err)
	}

	claims := jwt.MapClaims{
		"iss": p.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": p.BundleID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = p.KeyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("sign app store token: %w", err)
	}
	return signed, nil
}
