package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LukasBrandt/StoreSync/app/models"
	"github.com/LukasBrandt/StoreSync/internal/pkg/codec"
)

const (
	productionBaseURL = "https://api.storekit.itunes.apple.com/inApps/v1"
	sandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com/inApps/v1"
)

// Subscription status codes from the All Subscription Statuses endpoint.
const (
	StatusActive       = 1
	StatusExpired      = 2
	StatusBillingRetry = 3
	StatusGracePeriod  = 4
	StatusRevoked      = 5
)

// Client talks to the App Store Server API for one app's credential set.
// It is stateless per call; API errors are surfaced to the caller so the
// logged webhook event stays replayable.
type Client struct {
	tokens     *TokenProvider
	baseURL    string
	httpClient *http.Client
}

// NewClientForApp builds a client from the app's stored credentials.
func NewClientForApp(app *models.App, sandbox bool) *Client {
	baseURL := productionBaseURL
	if sandbox {
		baseURL = sandboxBaseURL
	}
	return &Client{
		tokens: &TokenProvider{
			IssuerID:      app.AppleIssuerID,
			KeyID:         app.AppleKeyID,
			BundleID:      app.BundleID,
			PrivateKeyPEM: app.ApplePrivateKeyPEM,
		},
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// TransactionInfoResponse wraps the signed transaction returned by the
// Get Transaction Info endpoint.
type TransactionInfoResponse struct {
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

// StatusResponse is the All Subscription Statuses response: the authoritative
// server-side state for every lineage in the subscription groups.
type StatusResponse struct {
	Environment string                  `json:"environment"`
	BundleID    string                  `json:"bundleId"`
	AppAppleID  int64                   `json:"appAppleId"`
	Data        []SubscriptionGroupItem `json:"data"`
}

type SubscriptionGroupItem struct {
	SubscriptionGroupID string                `json:"subscriptionGroupIdentifier"`
	LastTransactions    []LastTransactionItem `json:"lastTransactions"`
}

type LastTransactionItem struct {
	Status                int    `json:"status"`
	OriginalTransactionID string `json:"originalTransactionId"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// GetTransactionInfo fetches and decodes transaction detail for a transaction
// id.
func (c *Client) GetTransactionInfo(ctx context.Context, transactionID string) (*codec.AppleTransaction, error) {
	var out TransactionInfoResponse
	if err := c.get(ctx, "/transactions/"+transactionID, &out); err != nil {
		return nil, err
	}
	return codec.DecodeAppleTransaction(out.SignedTransactionInfo)
}

// GetAllSubscriptionStatuses fetches the authoritative status of every
// lineage reachable from the given original transaction id.
func (c *Client) GetAllSubscriptionStatuses(ctx context.Context, originalTransactionID string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.get(ctx, "/subscriptions/"+originalTransactionID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindLineageStatus picks the lastTransactions entry for one original
// transaction id out of a status response.
func (r *StatusResponse) FindLineageStatus(originalTransactionID string) (*LastTransactionItem, bool) {
	for _, group := range r.Data {
		for i := range group.LastTransactions {
			if group.LastTransactions[i].OriginalTransactionID == originalTransactionID {
				return &group.LastTransactions[i], true
			}
		}
	}
	return nil, false
}

// SendTestNotification asks Apple to deliver a TEST notification to the
// configured server URL. Operational helper for verifying webhook wiring.
func (c *Client) SendTestNotification(ctx context.Context) (string, error) {
	var out struct {
		TestNotificationToken string `json:"testNotificationToken"`
	}
	if err := c.post(ctx, "/notifications/test", nil, &out); err != nil {
		return "", err
	}
	return out.TestNotificationToken, nil
}

// NotificationHistoryRequest narrows a notification history lookup.
type NotificationHistoryRequest struct {
	StartDate        int64  `json:"startDate"`
	EndDate          int64  `json:"endDate"`
	NotificationType string `json:"notificationType,omitempty"`
	TransactionID    string `json:"transactionId,omitempty"`
	OnlyFailures     bool   `json:"onlyFailures,omitempty"`
}

// NotificationHistoryResponse is one page of notification history.
type NotificationHistoryResponse struct {
	PaginationToken     string `json:"paginationToken"`
	HasMore             bool   `json:"hasMore"`
	NotificationHistory []struct {
		SignedPayload string `json:"signedPayload"`
	} `json:"notificationHistory"`
}

// GetNotificationHistory fetches past notifications, used to backfill events
// missed during an outage.
func (c *Client) GetNotificationHistory(ctx context.Context, req NotificationHistoryRequest, paginationToken string) (*NotificationHistoryResponse, error) {
	path := "/notifications/history"
	if paginationToken != "" {
		path += "?paginationToken=" + paginationToken
	}
	var out NotificationHistoryResponse
	if err := c.post(ctx, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.tokens.BearerToken()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("app store api request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("app store api %s %s: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("app store api response: %w", err)
	}
	return nil
}

// MapStatus converts an Apple subscription status code to the internal
// subscription status.
func MapStatus(status int) (string, error) {
	switch status {
	case StatusActive:
		return models.SubscriptionStatusActive, nil
	case StatusExpired:
		return models.SubscriptionStatusExpired, nil
	case StatusBillingRetry:
		return models.SubscriptionStatusInBillingRetry, nil
	case StatusGracePeriod:
		return models.SubscriptionStatusInGracePeriod, nil
	case StatusRevoked:
		return models.SubscriptionStatusRevoked, nil
	default:
		return "", errors.New("unknown app store subscription status")
	}
}
