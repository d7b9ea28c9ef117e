// Package processor инкапсулирует взаимодействие с платёжным провайдером
// Stripe: исходящие вызовы и разбор подписанных вебхуков.
package processor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrSignatureInvalid возвращается, если подпись вебхука не прошла проверку.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Типы событий провайдера, которые обрабатывает сервис.
const (
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventChargeRefunded    = "charge.refunded"
	EventDisputeCreated    = "charge.dispute.created"
	EventDisputeClosed     = "charge.dispute.closed"
	EventAccountUpdated    = "account.updated"
	EventCheckoutCompleted = "checkout.session.completed"
)

// Event — разобранное событие вебхука. Для каждого типа события заполнено
// ровно одно типизированное поле; для неизвестных типов все поля пусты и
// событие просто подтверждается без обработки.
type Event struct {
	ID   string
	Type string

	PaymentIntent   *stripe.PaymentIntent
	Charge          *stripe.Charge
	Dispute         *stripe.Dispute
	Account         *stripe.Account
	CheckoutSession *stripe.CheckoutSession
}

// ParseEvent проверяет подпись сырого вебхука и декодирует полезную
// нагрузку в типизированное событие.
func (c *Client) ParseEvent(payload []byte, sigHeader string) (*Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}

	ev := &Event{
		ID:   raw.ID,
		Type: string(raw.Type),
	}

	switch ev.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		ev.PaymentIntent = &pi
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(raw.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		ev.Charge = &ch
	case EventDisputeCreated, EventDisputeClosed:
		var d stripe.Dispute
		if err := json.Unmarshal(raw.Data.Raw, &d); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		ev.Dispute = &d
	case EventAccountUpdated:
		var a stripe.Account
		if err := json.Unmarshal(raw.Data.Raw, &a); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		ev.Account = &a
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		ev.CheckoutSession = &cs
	}

	return ev, nil
}
