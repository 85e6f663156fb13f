package playstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/LukasBrandt/StoreSync/app/models"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// Client talks to the Google Play Developer API for one app's service
// account. Stateless per call; the underlying token source refreshes
// credentials as needed.
type Client struct {
	packageName string
	service     *androidpublisher.Service
}

// NewClientForApp builds a client from the app's stored service-account
// credentials.
func NewClientForApp(ctx context.Context, app *models.App) (*Client, error) {
	if app.GoogleServiceAccountJSON == "" {
		return nil, errors.New("google service account credentials are not configured")
	}
	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON([]byte(app.GoogleServiceAccountJSON)),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create android publisher service: %w", err)
	}
	return &Client{packageName: app.PackageName, service: svc}, nil
}

// GetSubscriptionV2 fetches the authoritative subscriptionsv2 state for a
// purchase token: subscription state, line items and cancellation context.
func (c *Client) GetSubscriptionV2(ctx context.Context, purchaseToken string) (*androidpublisher.SubscriptionPurchaseV2, error) {
	sub, err := c.service.Purchases.Subscriptionsv2.
		Get(c.packageName, purchaseToken).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("play subscriptionsv2 get: %w", err)
	}
	return sub, nil
}

// GetProductPurchase fetches a one-time product purchase by token.
func (c *Client) GetProductPurchase(ctx context.Context, productID, purchaseToken string) (*androidpublisher.ProductPurchase, error) {
	purchase, err := c.service.Purchases.Products.
		Get(c.packageName, productID, purchaseToken).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("play product purchase get: %w", err)
	}
	return purchase, nil
}

// AcknowledgeSubscription acknowledges a subscription purchase. Play revokes
// unacknowledged purchases after three days.
func (c *Client) AcknowledgeSubscription(ctx context.Context, subscriptionID, purchaseToken string) error {
	err := c.service.Purchases.Subscriptions.
		Acknowledge(c.packageName, subscriptionID, purchaseToken, &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("play subscription acknowledge: %w", err)
	}
	return nil
}

// AcknowledgeProduct acknowledges a one-time product purchase.
func (c *Client) AcknowledgeProduct(ctx context.Context, productID, purchaseToken string) error {
	err := c.service.Purchases.Products.
		Acknowledge(c.packageName, productID, purchaseToken, &androidpublisher.ProductPurchasesAcknowledgeRequest{}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("play product acknowledge: %w", err)
	}
	return nil
}

// ConsumeProduct marks a one-time product purchase as consumed.
func (c *Client) ConsumeProduct(ctx context.Context, productID, purchaseToken string) error {
	err := c.service.Purchases.Products.
		Consume(c.packageName, productID, purchaseToken).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("play product consume: %w", err)
	}
	return nil
}

// CancelSubscription cancels future renewal; the current period stays valid.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, purchaseToken string) error {
	err := c.service.Purchases.Subscriptions.
		Cancel(c.packageName, subscriptionID, purchaseToken).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("play subscription cancel: %w", err)
	}
	return nil
}

// RefundSubscription refunds the latest charge without ending access.
func (c *Client) RefundSubscription(ctx context.Context, subscriptionID, purchaseToken string) error {
	err := c.service.Purchases.Subscriptions.
		Refund(c.packageName, subscriptionID, purchaseToken).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("play subscription refund: %w", err)
	}
	return nil
}

// RevokeSubscription refunds and immediately ends access.
func (c *Client) RevokeSubscription(ctx context.Context, subscriptionID, purchaseToken string) error {
	err := c.service.Purchases.Subscriptions.
		Revoke(c.packageName, subscriptionID, purchaseToken).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("play subscription revoke: %w", err)
	}
	return nil
}
