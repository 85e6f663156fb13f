package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/appstore"
	"github.com/LukasBrandt/StoreSync/internal/pkg/codec"
	"github.com/LukasBrandt/StoreSync/internal/pkg/entitlements"
	"github.com/LukasBrandt/StoreSync/internal/pkg/env"
	"github.com/LukasBrandt/StoreSync/internal/pkg/playstore"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"google.golang.org/api/androidpublisher/v3"
	"gorm.io/gorm"
)

// AppleAPI is the slice of the App Store Server API the reconciler needs.
type AppleAPI interface {
	GetAllSubscriptionStatuses(ctx context.Context, originalTransactionID string) (*appstore.StatusResponse, error)
}

// GoogleAPI is the slice of the Play Developer API the reconciler needs.
type GoogleAPI interface {
	GetSubscriptionV2(ctx context.Context, purchaseToken string) (*androidpublisher.SubscriptionPurchaseV2, error)
}

// Client factories are injected per call so multiple apps with distinct
// credentials are served concurrently without shared token state.
type (
	AppleClientFactory  func(app *models.App) AppleAPI
	GoogleClientFactory func(ctx context.Context, app *models.App) (GoogleAPI, error)
)

// ErrBenignMiss marks an update for a subscription lineage this service has
// never seen. The authoritative creation path is the client purchase flow,
// so the event is logged and otherwise ignored.
var ErrBenignMiss = errors.New("no subscription for durable purchase id")

// Service applies normalized store notifications to subscription rows and
// triggers entitlement recomputation. Work is serialized per durable
// purchase id so a refetch-then-apply sequence is atomic with respect to
// other updates of the same lineage.
type Service struct {
	db           *gorm.DB
	repo         Repository
	entitlements *entitlements.Service
	appleClient  AppleClientFactory
	googleClient GoogleClientFactory
	locks        *KeyedMutex
}

// NewService creates a subscription service with real store clients.
func NewService(db *gorm.DB) *Service {
	return &Service{
		db:           db,
		repo:         NewRepository(db),
		entitlements: entitlements.NewService(db),
		appleClient: func(app *models.App) AppleAPI {
			sandbox := env.GetEnv("APPSTORE_ENV", "production") == "sandbox"
			return appstore.NewClientForApp(app, sandbox)
		},
		googleClient: func(ctx context.Context, app *models.App) (GoogleAPI, error) {
			return playstore.NewClientForApp(ctx, app)
		},
		locks: NewKeyedMutex(),
	}
}

// NewServiceWithClients creates a service with injected dependencies.
func NewServiceWithClients(db *gorm.DB, repo Repository, ent *entitlements.Service, apple AppleClientFactory, google GoogleClientFactory) *Service {
	return &Service{
		db:           db,
		repo:         repo,
		entitlements: ent,
		appleClient:  apple,
		googleClient: google,
		locks:        NewKeyedMutex(),
	}
}

// RecordEvent persists an inbound notification idempotently. The returned
// bool is false when the event id was already logged (duplicate delivery).
func (s *Service) RecordEvent(ctx context.Context, app *models.App, n codec.Notification) (bool, *models.WebhookEvent, error) {
	eventID := strings.TrimSpace(n.EventID)
	if eventID == "" {
		// Some test pings carry no id; synthesize one so the log row exists.
		eventID = "gen:" + uuid.NewString()
	}
	event := &models.WebhookEvent{
		AppID:       app.ID,
		Platform:    n.Platform,
		EventID:     eventID,
		EventType:   n.Type,
		Subtype:     n.Subtype,
		PayloadJSON: n.Raw,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkProcessed stamps processed_at on a logged event.
func (s *Service) MarkProcessed(ctx context.Context, eventID uint) error {
	return s.repo.MarkWebhookProcessed(ctx, eventID)
}

// RecordFailure stores the processing error while leaving the event
// unprocessed so it is visible for replay.
func (s *Service) RecordFailure(ctx context.Context, eventID uint, processingErr error) error {
	if processingErr == nil {
		return nil
	}
	return s.repo.RecordWebhookError(ctx, eventID, processingErr.Error())
}

// ProcessApple applies one decoded App Store notification. The decoded JWS
// fields are trusted except when the event would move the expiry backwards,
// in which case the store's live API is consulted instead of the
// notification.
func (s *Service) ProcessApple(ctx context.Context, app *models.App, n *codec.AppleNotification, raw string) error {
	if n.NotificationType == codec.AppleNotificationTest {
		return nil
	}
	if n.Data.SignedTransactionInfo == "" {
		return errors.New("apple notification carries no transaction info")
	}

	tx, err := codec.DecodeAppleTransaction(n.Data.SignedTransactionInfo)
	if err != nil {
		return err
	}
	var renewal *codec.AppleRenewalInfo
	if n.Data.SignedRenewalInfo != "" {
		if renewal, err = codec.DecodeAppleRenewalInfo(n.Data.SignedRenewalInfo); err != nil {
			return err
		}
	}

	key := models.PlatformAppStore + ":" + tx.OriginalTransactionID
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var subscriberID uint
	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		sub, err := s.repo.FindForUpdate(dbtx, models.PlatformAppStore, tx.OriginalTransactionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// New lineages are created by the client purchase flow; a
				// server notification for an unknown lineage is logged and
				// ignored until that row exists.
				log.Infof("[Subscription] apple %s for unknown lineage %s, ignoring", n.NotificationType, tx.OriginalTransactionID)
				return ErrBenignMiss
			}
			return err
		}

		outcome := ApplyAppleEvent(sub, n, tx, renewal)
		if outcome.SuspectOutOfOrder {
			liveProductID, err := s.reconcileAppleLineage(ctx, app, sub, tx.OriginalTransactionID)
			if err != nil {
				return err
			}
			outcome = Outcome{Changed: true, NewProductStoreID: liveProductID}
		}
		if !outcome.Changed {
			return nil
		}

		if err := s.resolveProducts(dbtx, app, sub, outcome); err != nil {
			return err
		}
		sub.RawDetailJSON = raw
		if err := s.repo.Save(dbtx, sub); err != nil {
			return err
		}

		if outcome.RecordPurchase {
			if err := s.appendPurchase(dbtx, sub, tx.TransactionID, codec.AppleTime(tx.PurchaseDate), sub.ExpiresAt); err != nil {
				return err
			}
		}

		subscriberID = sub.SubscriberID
		return nil
	})
	if errors.Is(err, ErrBenignMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	if subscriberID == 0 {
		return nil
	}
	return s.entitlements.Recompute(ctx, subscriberID)
}

// reconcileAppleLineage overwrites the row with the store's live state and
// returns the store identifier of the product the lineage currently renews.
func (s *Service) reconcileAppleLineage(ctx context.Context, app *models.App, sub *models.Subscription, originalTransactionID string) (string, error) {
	statuses, err := s.appleClient(app).GetAllSubscriptionStatuses(ctx, originalTransactionID)
	if err != nil {
		return "", fmt.Errorf("authoritative refetch: %w", err)
	}
	item, ok := statuses.FindLineageStatus(originalTransactionID)
	if !ok {
		return "", fmt.Errorf("authoritative refetch: lineage %s missing from status response", originalTransactionID)
	}

	status, err := appstore.MapStatus(item.Status)
	if err != nil {
		return "", err
	}
	sub.Status = status

	liveTx, err := codec.DecodeAppleTransaction(item.SignedTransactionInfo)
	if err != nil {
		return "", err
	}
	setAppleDates(sub, liveTx)

	if item.SignedRenewalInfo != "" {
		renewal, err := codec.DecodeAppleRenewalInfo(item.SignedRenewalInfo)
		if err != nil {
			return "", err
		}
		sub.AutoRenew = renewal.AutoRenewStatus == 1
		if renewal.GracePeriodExpiresDate != 0 {
			sub.GracePeriodExpiresAt = codec.AppleTime(renewal.GracePeriodExpiresDate)
		}
	}
	return liveTx.ProductID, nil
}

// ProcessGoogle applies one decoded Play developer notification. Play
// notifications carry only the opaque purchase token, so the current state
// is always refetched from the live API; the notification selects the row
// and contributes the cancellation-reason hint.
func (s *Service) ProcessGoogle(ctx context.Context, app *models.App, pushEnv *codec.PushEnvelope, n *codec.DeveloperNotification, raw string) error {
	kind, err := n.Kind()
	if err != nil {
		return err
	}

	switch kind {
	case codec.KindTest:
		return nil
	case codec.KindSubscription:
		return s.processGoogleSubscription(ctx, app, n.SubscriptionNotification, raw)
	case codec.KindOneTimeProduct:
		return s.processGoogleOneTime(ctx, app, n.OneTimeProductNotification)
	case codec.KindVoidedPurchase:
		return s.processGoogleVoided(ctx, app, n.VoidedPurchaseNotification)
	default:
		return codec.ErrAmbiguousNotification
	}
}

func (s *Service) processGoogleSubscription(ctx context.Context, app *models.App, n *codec.SubscriptionNotification, raw string) error {
	key := models.PlatformPlayStore + ":" + n.PurchaseToken
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	client, err := s.googleClient(ctx, app)
	if err != nil {
		return err
	}

	var subscriberID uint
	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		sub, err := s.repo.FindForUpdate(dbtx, models.PlatformPlayStore, n.PurchaseToken)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Infof("[Subscription] play %s for unknown token, ignoring", codec.GoogleSubscriptionTypeName(n.NotificationType))
				return ErrBenignMiss
			}
			return err
		}

		// Authoritative refetch: the live subscriptionsv2 state is the
		// source of truth, not the notification fields.
		live, err := client.GetSubscriptionV2(ctx, n.PurchaseToken)
		if err != nil {
			return fmt.Errorf("authoritative refetch: %w", err)
		}

		now := time.Now().UTC()
		state := buildGoogleState(live, n.NotificationType, now)
		outcome := ApplyGoogleState(sub, state, now)

		if err := s.resolveProducts(dbtx, app, sub, outcome); err != nil {
			return err
		}
		sub.RawDetailJSON = raw
		if err := s.repo.Save(dbtx, sub); err != nil {
			return err
		}

		if outcome.RecordPurchase && state.LatestOrderID != "" {
			purchasedAt := now
			if state.StartedAt != nil {
				purchasedAt = *state.StartedAt
			}
			if err := s.appendPurchase(dbtx, sub, state.LatestOrderID, &purchasedAt, sub.ExpiresAt); err != nil {
				return err
			}
		}

		subscriberID = sub.SubscriberID
		return nil
	})
	if errors.Is(err, ErrBenignMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.entitlements.Recompute(ctx, subscriberID)
}

// buildGoogleState distills a subscriptionsv2 response plus the RTDN type
// hint into the snapshot the transition function applies.
func buildGoogleState(live *androidpublisher.SubscriptionPurchaseV2, notificationType int, now time.Time) GoogleState {
	expiresAt := playstore.LineItemExpiry(live)
	state := GoogleState{
		Status:             playstore.MapSubscriptionState(live.SubscriptionState, expiresAt, now),
		ProductStoreID:     playstore.CurrentProductID(live),
		ExpiresAt:          expiresAt,
		AutoRenew:          playstore.AutoRenewEnabled(live),
		CancellationReason: playstore.CancellationReason(live),
		LatestOrderID:      live.LatestOrderId,
	}
	// During a grace period Play extends the line item expiry to the end of
	// the grace window, so that timestamp is the window end.
	if state.Status == models.SubscriptionStatusInGracePeriod {
		state.GracePeriodExpiresAt = expiresAt
	}
	if live.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, live.StartTime); err == nil {
			t = t.UTC()
			state.StartedAt = &t
		}
	}
	for _, item := range live.LineItems {
		if item.DeferredItemReplacement != nil && item.DeferredItemReplacement.ProductId != "" {
			state.PendingProductStoreID = item.DeferredItemReplacement.ProductId
		}
	}

	switch notificationType {
	case codec.GoogleSubscriptionRevoked:
		state.Revoked = true
		if state.CancellationReason == "" {
			state.CancellationReason = models.CancellationReasonRefund
		}
	case codec.GoogleSubscriptionRenewed, codec.GoogleSubscriptionRecovered, codec.GoogleSubscriptionRestarted:
		state.RecordPurchase = true
	case codec.GoogleSubscriptionCanceled:
		if state.CancellationReason == "" {
			state.CancellationReason = models.CancellationReasonCustomer
		}
	}
	return state
}

func (s *Service) processGoogleOneTime(ctx context.Context, app *models.App, n *codec.OneTimeProductNotification) error {
	key := models.PlatformPlayStore + ":" + n.PurchaseToken
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var subscriberID uint
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		existing, err := s.repo.FindPurchasesByDurableID(dbtx, models.PlatformPlayStore, n.PurchaseToken)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			// One-time purchases are recorded by the client purchase flow.
			log.Infof("[Subscription] play one-time event for unknown token, ignoring")
			return ErrBenignMiss
		}

		if n.NotificationType == codec.GoogleOneTimeProductCanceled {
			now := time.Now().UTC()
			for _, p := range existing {
				if err := s.repo.RevokePurchase(dbtx, p.ID, now); err != nil {
					return err
				}
			}
		}
		subscriberID = existing[0].SubscriberID
		return nil
	})
	if errors.Is(err, ErrBenignMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.entitlements.Recompute(ctx, subscriberID)
}

func (s *Service) processGoogleVoided(ctx context.Context, app *models.App, n *codec.VoidedPurchaseNotification) error {
	key := models.PlatformPlayStore + ":" + n.PurchaseToken
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	now := time.Now().UTC()
	var subscriberIDs []uint
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		purchases, err := s.repo.FindPurchasesByDurableID(dbtx, models.PlatformPlayStore, n.PurchaseToken)
		if err != nil {
			return err
		}
		for _, p := range purchases {
			if err := s.repo.RevokePurchase(dbtx, p.ID, now); err != nil {
				return err
			}
			subscriberIDs = append(subscriberIDs, p.SubscriberID)
		}

		// A voided subscription purchase also revokes the lineage even when
		// its expiry is still in the future.
		sub, err := s.repo.FindForUpdate(dbtx, models.PlatformPlayStore, n.PurchaseToken)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if len(subscriberIDs) == 0 {
					return ErrBenignMiss
				}
				return nil
			}
			return err
		}
		sub.Status = models.SubscriptionStatusRevoked
		sub.AutoRenew = false
		sub.CanceledAt = &now
		sub.CancellationReason = models.CancellationReasonRefund
		if err := s.repo.Save(dbtx, sub); err != nil {
			return err
		}
		subscriberIDs = append(subscriberIDs, sub.SubscriberID)
		return nil
	})
	if errors.Is(err, ErrBenignMiss) {
		return nil
	}
	if err != nil {
		return err
	}

	seen := make(map[uint]struct{}, len(subscriberIDs))
	for _, id := range subscriberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if err := s.entitlements.Recompute(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ReplayEvent reprocesses a logged webhook event out of band, the recovery
// path for events whose processing failed after logging.
func (s *Service) ReplayEvent(ctx context.Context, app *models.App, eventID uint) error {
	event, err := s.repo.GetWebhookEvent(ctx, app.ID, eventID)
	if err != nil {
		return err
	}

	var processErr error
	switch event.Platform {
	case models.PlatformAppStore:
		var body struct {
			SignedPayload string `json:"signedPayload"`
		}
		if err := json.Unmarshal([]byte(event.PayloadJSON), &body); err != nil {
			return err
		}
		n, err := codec.ParseAppleSignedPayload(body.SignedPayload)
		if err != nil {
			return err
		}
		processErr = s.ProcessApple(ctx, app, n, event.PayloadJSON)
	case models.PlatformPlayStore:
		pushEnv, n, err := codec.ParseGooglePushEnvelope([]byte(event.PayloadJSON))
		if err != nil {
			return err
		}
		processErr = s.ProcessGoogle(ctx, app, pushEnv, n, event.PayloadJSON)
	default:
		return fmt.Errorf("unknown platform %q", event.Platform)
	}

	if processErr != nil {
		_ = s.RecordFailure(ctx, event.ID, processErr)
		return processErr
	}
	return s.MarkProcessed(ctx, event.ID)
}

func (s *Service) resolveProducts(dbtx *gorm.DB, app *models.App, sub *models.Subscription, outcome Outcome) error {
	if outcome.NewProductStoreID != "" {
		product, err := models.GetProductByStoreIdentifier(dbtx, app.ID, sub.Platform, outcome.NewProductStoreID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Catalog gap: keep the current product rather than failing
				// the whole event.
				log.Warnf("[Subscription] unknown store product %q for app %d", outcome.NewProductStoreID, app.ID)
				return nil
			}
			return err
		}
		sub.ProductID = product.ID
	}
	if outcome.PendingProductStoreID != "" {
		product, err := models.GetProductByStoreIdentifier(dbtx, app.ID, sub.Platform, outcome.PendingProductStoreID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warnf("[Subscription] unknown pending store product %q for app %d", outcome.PendingProductStoreID, app.ID)
				return nil
			}
			return err
		}
		sub.PendingProductID = &product.ID
	}
	return nil
}

func (s *Service) appendPurchase(dbtx *gorm.DB, sub *models.Subscription, transactionID string, purchasedAt, expiresAt *time.Time) error {
	if transactionID == "" {
		return nil
	}
	at := time.Now().UTC()
	if purchasedAt != nil {
		at = *purchasedAt
	}
	purchase := &models.Purchase{
		AppID:             sub.AppID,
		SubscriberID:      sub.SubscriberID,
		ProductID:         sub.ProductID,
		Platform:          sub.Platform,
		TransactionID:     transactionID,
		DurablePurchaseID: sub.DurablePurchaseID,
		PurchasedAt:       at,
		ExpiresAt:         expiresAt,
		Quantity:          1,
	}
	_, err := s.repo.CreatePurchaseIfNotExists(dbtx, purchase)
	return err
}
