package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/shoplocal/payments-system/internal/model"
	"github.com/shoplocal/payments-system/internal/processor"
	"github.com/shoplocal/payments-system/internal/repository"
)

// Итог обработки события вебхука. Используется для логирования и метрик;
// провайдеру все итоги отвечаются одинаково (200).
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// VerifyWebhook проверяет подпись сырого вебхука и возвращает
// типизированное событие.
func (s *Service) VerifyWebhook(payload []byte, sigHeader string) (*processor.Event, error) {
	if s.processor == nil {
		return nil, ErrExternalService
	}
	return s.processor.ParseEvent(payload, sigHeader)
}

// ProcessEvent применяет проверенное событие провайдера. Событие сначала
// регистрируется в идемпотентном журнале: повторная доставка того же
// идентификатора завершается без побочных эффектов.
func (s *Service) ProcessEvent(ctx context.Context, ev *processor.Event) (string, error) {
	claimed, err := s.repo.ClaimWebhookEvent(ctx, ev.ID, ev.Type)
	if err != nil {
		return OutcomeFailed, err
	}
	if !claimed {
		s.logger.Debug("webhook event already processed", zap.String("eventID", ev.ID))
		return OutcomeDuplicate, nil
	}

	handled, err := s.applyEvent(ctx, ev)
	if err != nil {
		if recErr := s.repo.RecordWebhookError(ctx, ev.ID, err.Error()); recErr != nil {
			s.logger.Error("record webhook error failed", zap.String("eventID", ev.ID), zap.Error(recErr))
		}
		return OutcomeFailed, err
	}

	if err := s.repo.MarkWebhookProcessed(ctx, ev.ID); err != nil {
		return OutcomeFailed, err
	}

	if !handled {
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, nil
}

func (s *Service) applyEvent(ctx context.Context, ev *processor.Event) (bool, error) {
	switch ev.Type {
	case processor.EventPaymentSucceeded:
		return true, s.applyPaymentSucceeded(ctx, ev)
	case processor.EventPaymentFailed:
		return true, s.applyPaymentFailed(ctx, ev)
	case processor.EventChargeRefunded:
		return true, s.applyChargeRefunded(ctx, ev)
	case processor.EventDisputeCreated:
		return true, s.applyDisputeCreated(ctx, ev)
	case processor.EventDisputeClosed:
		return true, s.applyDisputeClosed(ctx, ev)
	case processor.EventAccountUpdated:
		return true, s.applyAccountUpdated(ctx, ev)
	case processor.EventCheckoutCompleted:
		return true, s.applyCheckoutCompleted(ctx, ev)
	}
	return false, nil
}

// resolveOrderID сопоставляет платёжное намерение с заказом: сначала по
// метаданным, затем по сохранённой на заказе ссылке.
func (s *Service) resolveOrderID(ctx context.Context, pi *stripe.PaymentIntent) (int64, error) {
	if raw, ok := pi.Metadata["order_id"]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id, nil
		}
	}

	o, err := s.repo.GetOrderByPaymentIntent(ctx, pi.ID)
	if err != nil {
		return 0, err
	}
	return o.ID, nil
}

func (s *Service) applyPaymentSucceeded(ctx context.Context, ev *processor.Event) error {
	pi := ev.PaymentIntent

	orderID, err := s.resolveOrderID(ctx, pi)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("payment succeeded for unknown order",
				zap.String("eventID", ev.ID), zap.String("paymentIntent", pi.ID))
			return nil
		}
		return err
	}

	prev, err := s.repo.CompleteOrderPayment(ctx, orderID, pi.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("payment succeeded for missing order",
				zap.String("eventID", ev.ID), zap.Int64("orderID", orderID))
			return nil
		}
		return err
	}

	switch prev {
	case model.OrderStatusPending:
		s.notify(ctx, "order.completed", orderID)
	case model.OrderStatusFailed:
		// Успех платежа после зафиксированного отказа — внешняя
		// несогласованность. Заказ не воскрешается: случай уходит на
		// ручной разбор оператором.
		s.logger.Warn("payment succeeded for failed order, manual review required",
			zap.String("eventID", ev.ID), zap.Int64("orderID", orderID),
			zap.String("paymentIntent", pi.ID))
	default:
		s.logger.Debug("duplicate payment success",
			zap.String("eventID", ev.ID), zap.Int64("orderID", orderID))
	}

	return nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, ev *processor.Event) error {
	pi := ev.PaymentIntent

	orderID, err := s.resolveOrderID(ctx, pi)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("payment failed for unknown order",
				zap.String("eventID", ev.ID), zap.String("paymentIntent", pi.ID))
			return nil
		}
		return err
	}

	reason := "payment failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}

	prev, err := s.repo.FailOrderPayment(ctx, orderID, reason)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	if prev == model.OrderStatusPending {
		s.notify(ctx, "order.failed", orderID)
	}

	return nil
}

func (s *Service) applyChargeRefunded(ctx context.Context, ev *processor.Event) error {
	ch := ev.Charge
	if ch.PaymentIntent == nil {
		s.logger.Warn("refunded charge without payment intent", zap.String("eventID", ev.ID))
		return nil
	}

	orderID, refundID, err := s.repo.CompleteRefundByPaymentIntent(ctx, ch.PaymentIntent.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Возврат без одобренного запроса (например, выпущен
			// напрямую в консоли провайдера) — на ручной разбор.
			s.logger.Warn("refund event without approved refund request",
				zap.String("eventID", ev.ID), zap.String("paymentIntent", ch.PaymentIntent.ID))
			return nil
		}
		return err
	}

	s.logger.Info("refund completed",
		zap.String("eventID", ev.ID), zap.Int64("orderID", orderID), zap.Int64("refundID", refundID))
	s.notify(ctx, "order.refunded", orderID)

	return nil
}

func (s *Service) applyDisputeCreated(ctx context.Context, ev *processor.Event) error {
	d := ev.Dispute
	if d.PaymentIntent == nil {
		s.logger.Warn("dispute without payment intent", zap.String("eventID", ev.ID))
		return nil
	}

	o, err := s.repo.GetOrderByPaymentIntent(ctx, d.PaymentIntent.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("dispute for unknown order",
				zap.String("eventID", ev.ID), zap.String("paymentIntent", d.PaymentIntent.ID))
			return nil
		}
		return err
	}

	externalID := d.ID
	log := &model.DisputeLog{
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		VendorID:   o.VendorID,
		ExternalID: &externalID,
		Status:     model.DisputeStatusOpen,
		Reason:     string(d.Reason),
	}

	_, created, err := s.repo.CreateDisputeLog(ctx, log)
	if err != nil {
		if errors.Is(err, repository.ErrOpenDisputeExists) {
			s.logger.Debug("duplicate dispute event dropped",
				zap.String("eventID", ev.ID), zap.Int64("orderID", o.ID))
			return nil
		}
		return err
	}

	if created {
		s.notify(ctx, "dispute.opened", o.ID)
	} else {
		s.logger.Debug("dispute already open",
			zap.String("eventID", ev.ID), zap.Int64("orderID", o.ID))
	}

	return nil
}

func (s *Service) applyDisputeClosed(ctx context.Context, ev *processor.Event) error {
	d := ev.Dispute
	buyerWon := d.Status == stripe.DisputeStatusLost

	orderID, err := s.repo.ReconcileDisputeClosed(ctx, d.ID, buyerWon)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("closed dispute not found",
				zap.String("eventID", ev.ID), zap.String("dispute", d.ID))
			return nil
		}
		return err
	}

	s.logger.Info("dispute closed",
		zap.String("eventID", ev.ID), zap.Int64("orderID", orderID), zap.Bool("buyerWon", buyerWon))

	return nil
}

func (s *Service) applyAccountUpdated(ctx context.Context, ev *processor.Event) error {
	a := ev.Account

	if raw, ok := a.Metadata["vendor_id"]; ok {
		if vendorID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if err := s.repo.LinkVendorAccount(ctx, vendorID, a.ID); err != nil {
				return err
			}
		}
	}

	sub, err := s.repo.GetVendorByAccount(ctx, a.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("account update for unknown vendor",
				zap.String("eventID", ev.ID), zap.String("account", a.ID))
			return nil
		}
		return err
	}

	status := ReconcileAccountStatus(sub.Tier, a.ChargesEnabled)
	if status == sub.Status {
		return nil
	}

	return s.repo.SetSubscriptionStatus(ctx, sub.VendorID, status)
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, ev *processor.Event) error {
	cs := ev.CheckoutSession
	// Платёжные сессии заказов завершаются событием payment_intent.succeeded;
	// здесь интересны только подписки.
	if cs.Mode != stripe.CheckoutSessionModeSubscription {
		return nil
	}

	vendorID, err := strconv.ParseInt(cs.Metadata["vendor_id"], 10, 64)
	if err != nil {
		s.logger.Warn("subscription session without vendor metadata", zap.String("eventID", ev.ID))
		return nil
	}

	tier := model.Tier(cs.Metadata["tier"])
	if tier != model.TierBasic && tier != model.TierFeatured {
		s.logger.Warn("subscription session with unknown tier",
			zap.String("eventID", ev.ID), zap.String("tier", string(tier)))
		return nil
	}

	customerID := ""
	if cs.Customer != nil {
		customerID = cs.Customer.ID
	}

	return s.repo.ActivateVendorTier(ctx, vendorID, tier, statusForTier(tier), customerID)
}

// ReconcileAccountStatus отображает состояние внешнего аккаунта на
// внутренний статус подписки. Функция чистая и идемпотентная: повторное
// применение последнего наблюдаемого состояния даёт тот же результат.
func ReconcileAccountStatus(tier model.Tier, chargesEnabled bool) model.SubscriptionStatus {
	if !chargesEnabled {
		if tier == model.TierNone {
			return model.SubscriptionFree
		}
		return model.SubscriptionCancelled
	}
	return statusForTier(tier)
}

func statusForTier(tier model.Tier) model.SubscriptionStatus {
	switch tier {
	case model.TierBasic:
		return model.SubscriptionBasicActive
	case model.TierFeatured:
		return model.SubscriptionFeaturedActive
	}
	return model.SubscriptionFree
}
