package appstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testPrivateKeyPEM(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), key
}

func TestTokenProviderMint(t *testing.T) {
	pemKey, key := testPrivateKeyPEM(t)
	p := &TokenProvider{
		IssuerID:      "issuer-1",
		KeyID:         "KEY123",
		BundleID:      "com.example.app",
		PrivateKeyPEM: pemKey,
	}

	now := time.Unix(1700000000, 0)
	signed, err := p.mint(now)
	if err != nil {
		t.Fatalf("unexpected mint error: %v", err)
	}

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if claims["iss"] != "issuer-1" || claims["aud"] != "appstoreconnect-v1" || claims["bid"] != "com.example.app" {
		t.Fatalf("unexpected claims: %v", claims)
	}
	if parsed.Header["kid"] != "KEY123" {
		t.Fatalf("unexpected kid header: %v", parsed.Header["kid"])
	}
	exp := int64(claims["exp"].(float64))
	if exp != now.Add(tokenLifetime).Unix() {
		t.Fatalf("unexpected exp %d", exp)
	}
}

func TestTokenProviderMint_MissingCredentials(t *testing.T) {
	p := &TokenProvider{}
	if _, err := p.mint(time.Now()); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{in: StatusActive, want: "active"},
		{in: StatusExpired, want: "expired"},
		{in: StatusBillingRetry, want: "in_billing_retry"},
		{in: StatusGracePeriod, want: "in_grace_period"},
		{in: StatusRevoked, want: "revoked"},
	}
	for _, tt := range tests {
		got, err := MapStatus(tt.in)
		if err != nil {
			t.Fatalf("MapStatus(%d) unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("MapStatus(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := MapStatus(42); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
