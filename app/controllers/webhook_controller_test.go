package controllers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/appstore"
	"github.com/LukasBrandt/StoreSync/internal/pkg/database"
	"github.com/LukasBrandt/StoreSync/internal/pkg/entitlements"
	"github.com/LukasBrandt/StoreSync/internal/pkg/subscription"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/androidpublisher/v3"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// stubEventRepo stands in for the subscription repository so the handlers can
// be exercised without a database behind the event log.
type stubEventRepo struct {
	created       bool
	findErr       error
	findCalls     int
	recordedError string
	processed     []uint
}

func (r *stubEventRepo) FindForUpdate(tx *gorm.DB, platform, durablePurchaseID string) (*models.Subscription, error) {
	r.findCalls++
	if r.findErr != nil {
		return nil, r.findErr
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *stubEventRepo) Save(tx *gorm.DB, sub *models.Subscription) error { return nil }

func (r *stubEventRepo) CreatePurchaseIfNotExists(tx *gorm.DB, purchase *models.Purchase) (bool, error) {
	return true, nil
}

func (r *stubEventRepo) FindPurchasesByDurableID(tx *gorm.DB, platform, durablePurchaseID string) ([]models.Purchase, error) {
	return nil, nil
}

func (r *stubEventRepo) RevokePurchase(tx *gorm.DB, id uint, revokedAt time.Time) error { return nil }

func (r *stubEventRepo) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	stored := *event
	stored.ID = 1
	return r.created, &stored, nil
}

func (r *stubEventRepo) MarkWebhookProcessed(ctx context.Context, id uint) error {
	r.processed = append(r.processed, id)
	return nil
}

func (r *stubEventRepo) RecordWebhookError(ctx context.Context, id uint, processingError string) error {
	r.recordedError = processingError
	return nil
}

func (r *stubEventRepo) GetWebhookEvent(ctx context.Context, appID, id uint) (*models.WebhookEvent, error) {
	return nil, gorm.ErrRecordNotFound
}

type stubAppleStatuses struct{}

func (stubAppleStatuses) GetAllSubscriptionStatuses(ctx context.Context, originalTransactionID string) (*appstore.StatusResponse, error) {
	return nil, errors.New("unexpected live status lookup")
}

type stubPlayAPI struct{}

func (stubPlayAPI) GetSubscriptionV2(ctx context.Context, purchaseToken string) (*androidpublisher.SubscriptionPurchaseV2, error) {
	return nil, errors.New("unexpected live subscription lookup")
}

// newWebhookTestEnv wires the handlers to a sqlmock-backed GORM handle for
// the app lookup and a stub repository for everything behind the event log.
func newWebhookTestEnv(t *testing.T, repo *stubEventRepo) (*fiber.App, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}

	database.DB = gormDB
	subscriptionOnce.Do(func() {})
	subscriptionSvc = subscription.NewServiceWithClients(
		gormDB,
		repo,
		entitlements.NewService(gormDB),
		func(app *models.App) subscription.AppleAPI { return stubAppleStatuses{} },
		func(ctx context.Context, app *models.App) (subscription.GoogleAPI, error) { return stubPlayAPI{}, nil },
	)

	app := fiber.New()
	app.Post("/webhooks/apple/:token", HandleAppleWebhook)
	app.Post("/webhooks/google/:token", HandleGoogleWebhook)
	return app, mock
}

func expectAppLookup(mock sqlmock.Sqlmock) {
	rows := sqlmock.NewRows([]string{"id", "name", "bundle_id", "package_name", "apple_webhook_token", "google_webhook_token"}).
		AddRow(1, "Demo", "com.example.app", "com.example.app", "apple-tok", "google-tok")
	mock.ExpectQuery("SELECT (.+) FROM `apps`").WillReturnRows(rows)
}

func unsignedJWS(claims []byte) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + ".sig"
}

func appleWebhookBody(t *testing.T) []byte {
	t.Helper()
	tx, err := json.Marshal(map[string]any{
		"originalTransactionId": "1000000123",
		"transactionId":         "1000000456",
		"productId":             "premium.monthly",
		"expiresDate":           time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}
	notif, err := json.Marshal(map[string]any{
		"notificationType": "DID_RENEW",
		"notificationUUID": "uuid-1",
		"signedDate":       time.Now().UnixMilli(),
		"data": map[string]any{
			"bundleId":              "com.example.app",
			"signedTransactionInfo": unsignedJWS(tx),
		},
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	body, err := json.Marshal(map[string]string{"signedPayload": unsignedJWS(notif)})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func googleWebhookBody(t *testing.T, packageName string) []byte {
	t.Helper()
	notif, err := json.Marshal(map[string]any{
		"version":         "1.0",
		"packageName":     packageName,
		"eventTimeMillis": "1700000000000",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": 2,
			"purchaseToken":    "token-abc",
			"subscriptionId":   "pro_monthly",
		},
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(notif),
			"messageId": "msg-1",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestHandleAppleWebhookUnknownToken(t *testing.T) {
	repo := &stubEventRepo{created: true}
	app, mock := newWebhookTestEnv(t, repo)
	mock.ExpectQuery("SELECT (.+) FROM `apps`").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest("POST", "/webhooks/apple/unknown", bytes.NewReader(appleWebhookBody(t)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleAppleWebhookMalformedBody(t *testing.T) {
	repo := &stubEventRepo{created: true}
	app, mock := newWebhookTestEnv(t, repo)
	expectAppLookup(mock)

	req := httptest.NewRequest("POST", "/webhooks/apple/apple-tok", bytes.NewReader([]byte(`{"nope":true}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, repo.findCalls)
}

func TestHandleAppleWebhookDuplicateDelivery(t *testing.T) {
	repo := &stubEventRepo{created: false}
	app, mock := newWebhookTestEnv(t, repo)
	expectAppLookup(mock)

	req := httptest.NewRequest("POST", "/webhooks/apple/apple-tok", bytes.NewReader(appleWebhookBody(t)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Contains(t, string(body), `"duplicate":true`)

	// A duplicate delivery must be acknowledged without reprocessing.
	assert.Zero(t, repo.findCalls)
	assert.Empty(t, repo.processed)
	assert.Empty(t, repo.recordedError)
}

func TestHandleAppleWebhookFailureKeepsEventReplayable(t *testing.T) {
	repo := &stubEventRepo{created: true, findErr: errors.New("deadlock detected")}
	app, mock := newWebhookTestEnv(t, repo)
	expectAppLookup(mock)
	mock.ExpectBegin()
	mock.ExpectRollback()

	req := httptest.NewRequest("POST", "/webhooks/apple/apple-tok", bytes.NewReader(appleWebhookBody(t)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)

	// The event is logged, so the store still gets its 200; the error lands
	// on the row and processed_at stays unset for replay.
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, repo.recordedError, "deadlock")
	assert.Empty(t, repo.processed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleAppleWebhookUnknownLineageIsAcknowledged(t *testing.T) {
	repo := &stubEventRepo{created: true}
	app, mock := newWebhookTestEnv(t, repo)
	expectAppLookup(mock)
	mock.ExpectBegin()
	mock.ExpectRollback()

	req := httptest.NewRequest("POST", "/webhooks/apple/apple-tok", bytes.NewReader(appleWebhookBody(t)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)

	// An event for a lineage this service never saw is a benign no-op and
	// counts as processed.
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, repo.findCalls)
	assert.Equal(t, []uint{1}, repo.processed)
	assert.Empty(t, repo.recordedError)
}

func TestHandleGoogleWebhookPackageMismatch(t *testing.T) {
	repo := &stubEventRepo{created: true}
	app, mock := newWebhookTestEnv(t, repo)
	expectAppLookup(mock)

	req := httptest.NewRequest("POST", "/webhooks/google/google-tok", bytes.NewReader(googleWebhookBody(t, "com.other.app")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, repo.findCalls)
}

func TestHandleGoogleWebhookDuplicateDelivery(t *testing.T) {
	repo := &stubEventRepo{created: false}
	app, mock := newWebhookTestEnv(t, repo)
	expectAppLookup(mock)

	req := httptest.NewRequest("POST", "/webhooks/google/google-tok", bytes.NewReader(googleWebhookBody(t, "com.example.app")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Contains(t, string(body), `"duplicate":true`)
	assert.Zero(t, repo.findCalls)
	assert.Empty(t, repo.processed)
}

func TestHandleGoogleWebhookFailureKeepsEventReplayable(t *testing.T) {
	repo := &stubEventRepo{created: true, findErr: errors.New("lock wait timeout")}
	app, mock := newWebhookTestEnv(t, repo)
	expectAppLookup(mock)
	mock.ExpectBegin()
	mock.ExpectRollback()

	req := httptest.NewRequest("POST", "/webhooks/google/google-tok", bytes.NewReader(googleWebhookBody(t, "com.example.app")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	assert.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, repo.recordedError, "lock wait timeout")
	assert.Empty(t, repo.processed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
