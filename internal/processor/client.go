package processor

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/shoplocal/payments-system/internal/model"
)

// Config содержит параметры подключения к платёжному провайдеру.
type Config struct {
	APIKey          string
	WebhookSecret   string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
	BasicPriceID    string
	FeaturedPriceID string
	Currency        string
}

// Client инкапсулирует вызовы к API платёжного провайдера. Ключ и секрет
// подписи хранятся в экземпляре клиента и передаются через внедрение
// зависимостей, а не через глобальное состояние SDK.
type Client struct {
	api           *client.API
	cfg           Config
	webhookSecret string
}

// NewClient создаёт клиент платёжного провайдера. Исходящие вызовы не
// ретраятся и ограничены коротким таймаутом: ошибка возвращается
// вызывающей стороне сразу.
func NewClient(cfg Config) *Client {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 10 * time.Second},
		MaxNetworkRetries: stripe.Int64(0),
	})

	api := &client.API{}
	api.Init(cfg.APIKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	if cfg.Currency == "" {
		cfg.Currency = "aud"
	}

	return &Client{
		api:           api,
		cfg:           cfg,
		webhookSecret: cfg.WebhookSecret,
	}
}

// CreateOrderCheckoutSession создаёт платёжную сессию для заказа и
// возвращает её идентификатор и URL перенаправления. Идентификатор заказа
// кладётся в метаданные платёжного намерения, чтобы вебхуки могли
// сопоставить событие с заказом.
func (c *Client) CreateOrderCheckoutSession(ctx context.Context, order *model.Order) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.cfg.Currency),
					UnitAmount: stripe.Int64(order.Total),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Order #%d", order.ID)),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"order_id": strconv.FormatInt(order.ID, 10),
			},
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(uuid.NewString())

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}

	return s.ID, s.URL, nil
}

// CreateSubscriptionCheckoutSession создаёт сессию оплаты подписки
// продавца на указанный уровень. Продавец и уровень кладутся в метаданные
// сессии: по ним событие checkout.session.completed активирует подписку.
func (c *Client) CreateSubscriptionCheckoutSession(ctx context.Context, vendorID int64, tier model.Tier, customerID *string) (string, string, error) {
	priceID := c.cfg.BasicPriceID
	if tier == model.TierFeatured {
		priceID = c.cfg.FeaturedPriceID
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"vendor_id": strconv.FormatInt(vendorID, 10),
			"tier":      string(tier),
		},
	}
	if customerID != nil {
		params.Customer = stripe.String(*customerID)
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(uuid.NewString())

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create subscription session: %w", err)
	}

	return s.ID, s.URL, nil
}

// CreateRefund выпускает возврат по исходному платёжному намерению и
// возвращает внешний идентификатор возврата. Ключ идемпотентности задаёт
// вызывающая сторона: повтор одного и того же одобрения не должен
// выпускать второй возврат у провайдера.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	ref, err := c.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("create refund: %w", err)
	}

	return ref.ID, nil
}

// CreateBillingPortalSession создаёт сессию биллинг-портала для продавца
// и возвращает URL перенаправления.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.cfg.PortalReturnURL),
	}
	params.Context = ctx

	s, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}

	return s.URL, nil
}
