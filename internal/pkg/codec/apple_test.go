package codec

import (
	"encoding/base64"
	"errors"
	"testing"
)

func signedToken(claims string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(claims))
	return header + "." + payload + ".sig"
}

func TestParseAppleSignedPayload(t *testing.T) {
	token := signedToken(`{
		"notificationType": "DID_RENEW",
		"subtype": "BILLING_RECOVERY",
		"notificationUUID": "uuid-1",
		"signedDate": 1700000000000,
		"data": {
			"bundleId": "com.example.app",
			"environment": "Production",
			"signedTransactionInfo": "abc"
		}
	}`)

	n, err := ParseAppleSignedPayload(token)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if n.NotificationType != AppleNotificationDidRenew {
		t.Fatalf("unexpected type %q", n.NotificationType)
	}
	if n.Subtype != AppleSubtypeBillingRecovery {
		t.Fatalf("unexpected subtype %q", n.Subtype)
	}
	if n.Data.BundleID != "com.example.app" {
		t.Fatalf("unexpected bundle id %q", n.Data.BundleID)
	}
}

func TestParseAppleSignedPayload_Invalid(t *testing.T) {
	tests := []string{
		"",
		"onlyonepart",
		"two.parts",
		"a..c",
		"a.!!!notbase64!!!.c",
	}
	for _, in := range tests {
		if _, err := ParseAppleSignedPayload(in); !errors.Is(err, ErrInvalidSignedPayload) {
			t.Fatalf("ParseAppleSignedPayload(%q) = %v, want ErrInvalidSignedPayload", in, err)
		}
	}
}

func TestDecodeAppleTransaction(t *testing.T) {
	token := signedToken(`{
		"originalTransactionId": "1000000000000001",
		"transactionId": "1000000000000042",
		"bundleId": "com.example.app",
		"productId": "pro_monthly",
		"purchaseDate": 1700000000000,
		"expiresDate": 1702592000000,
		"type": "Auto-Renewable Subscription",
		"offerType": 1
	}`)

	tx, err := DecodeAppleTransaction(token)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if tx.OriginalTransactionID != "1000000000000001" || tx.TransactionID != "1000000000000042" {
		t.Fatalf("unexpected ids: %q / %q", tx.OriginalTransactionID, tx.TransactionID)
	}
	if tx.ProductID != "pro_monthly" {
		t.Fatalf("unexpected product %q", tx.ProductID)
	}
	if got := AppleTime(tx.ExpiresDate); got == nil || got.Unix() != 1702592000 {
		t.Fatalf("unexpected expires time %v", got)
	}
}

func TestDecodeAppleTransaction_MissingOriginalID(t *testing.T) {
	token := signedToken(`{"transactionId": "42"}`)
	if _, err := DecodeAppleTransaction(token); err == nil {
		t.Fatal("expected error for missing originalTransactionId")
	}
}

func TestAppleTime_ZeroIsNil(t *testing.T) {
	if AppleTime(0) != nil {
		t.Fatal("expected nil for zero timestamp")
	}
}
