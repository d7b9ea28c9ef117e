// Package service реализует бизнес-логику платёжного ядра маркетплейса.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shoplocal/payments-system/internal/model"
	"github.com/shoplocal/payments-system/internal/processor"
	"github.com/shoplocal/payments-system/internal/repository"
)

// ErrForbidden возвращается, если вызывающий не владеет ресурсом или не
// имеет нужной роли.
var (
	ErrForbidden = errors.New("caller does not own resource")
	// ErrInvalidState возвращается при операции над сущностью в неподходящем статусе.
	ErrInvalidState = errors.New("entity is in invalid state for operation")
	// ErrExternalService возвращается при сбое или недоступности платёжного провайдера.
	ErrExternalService = errors.New("payment processor unavailable")
)

// refundResponseWindow — срок, отведённый продавцу на ответ по возврату.
const refundResponseWindow = 72 * time.Hour

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateOrder(ctx context.Context, o *model.Order) (int64, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Order, error)
	SetOrderCheckoutSession(ctx context.Context, orderID int64, sessionID string) error
	CompleteOrderPayment(ctx context.Context, orderID int64, paymentIntentID string) (model.OrderStatus, error)
	FailOrderPayment(ctx context.Context, orderID int64, reason string) (model.OrderStatus, error)
	UpdateFulfillment(ctx context.Context, orderID int64, fs model.FulfillmentStatus) error

	CreateRefundRequest(ctx context.Context, req *model.RefundRequest) (int64, error)
	GetRefundRequest(ctx context.Context, id int64) (*model.RefundRequest, error)
	ApproveRefund(ctx context.Context, id int64, externalRefundID, response string) error
	RejectRefund(ctx context.Context, id int64, response string) error
	CompleteRefundByPaymentIntent(ctx context.Context, paymentIntentID string) (int64, int64, error)

	CreateDisputeLog(ctx context.Context, d *model.DisputeLog) (int64, bool, error)
	GetDisputeLog(ctx context.Context, id int64) (*model.DisputeLog, error)
	ResolveDispute(ctx context.Context, id int64, resolution model.DisputeResolution, decidedBy int64) error
	ReconcileDisputeClosed(ctx context.Context, externalDisputeID string, buyerWon bool) (int64, error)

	GetVendorSubscription(ctx context.Context, vendorID int64) (*model.VendorSubscription, error)
	GetVendorByAccount(ctx context.Context, accountID string) (*model.VendorSubscription, error)
	ActivateVendorTier(ctx context.Context, vendorID int64, tier model.Tier, status model.SubscriptionStatus, customerID string) error
	SetSubscriptionStatus(ctx context.Context, vendorID int64, status model.SubscriptionStatus) error
	LinkVendorAccount(ctx context.Context, vendorID int64, accountID string) error

	CountActiveProducts(ctx context.Context, vendorID int64) (int, error)
	CreateProduct(ctx context.Context, p *model.Product) (int64, error)

	ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, eventID string) error
	RecordWebhookError(ctx context.Context, eventID, message string) error
}

// ProcessorClient описывает контракт клиента платёжного провайдера.
type ProcessorClient interface {
	ParseEvent(payload []byte, sigHeader string) (*processor.Event, error)
	CreateOrderCheckoutSession(ctx context.Context, order *model.Order) (string, string, error)
	CreateSubscriptionCheckoutSession(ctx context.Context, vendorID int64, tier model.Tier, customerID *string) (string, string, error)
	CreateRefund(ctx context.Context, paymentIntentID, idempotencyKey string) (string, error)
	CreateBillingPortalSession(ctx context.Context, customerID string) (string, error)
}

// Notifier публикует доменные события для внешних потребителей
// (центр уведомлений — внешний коллаборатор).
type Notifier interface {
	Publish(ctx context.Context, eventType string, orderID int64) error
}

// Service содержит бизнес-логику платёжного ядра.
type Service struct {
	repo      Repository
	processor ProcessorClient
	notifier  Notifier
	logger    *zap.Logger
}

// NewService создаёт сервис. Клиент провайдера и издатель уведомлений
// опциональны: без них соответствующие операции деградируют явно.
func NewService(repo Repository, proc ProcessorClient, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		processor: proc,
		notifier:  notifier,
		logger:    logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// notify публикует доменное событие, если издатель настроен. Ошибка
// публикации не прерывает операцию и только логируется.
func (s *Service) notify(ctx context.Context, eventType string, orderID int64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, eventType, orderID); err != nil {
		s.logger.Warn("publish notification failed",
			zap.String("event", eventType), zap.Int64("orderID", orderID), zap.Error(err))
	}
}

// CreateOrder создаёт заказ в статусе pending. Комиссия площадки
// вычисляется по текущему уровню подписки продавца.
func (s *Service) CreateOrder(ctx context.Context, buyerID, vendorID, subtotal, processorFee int64) (*model.Order, error) {
	if subtotal <= 0 {
		return nil, fmt.Errorf("%w: subtotal must be positive", ErrInvalidState)
	}

	sub, err := s.repo.GetVendorSubscription(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	platformFee := model.PlatformFee(subtotal, sub.Tier)
	o := &model.Order{
		BuyerID:           buyerID,
		VendorID:          vendorID,
		Subtotal:          subtotal,
		PlatformFee:       platformFee,
		ProcessorFee:      processorFee,
		Total:             subtotal + platformFee + processorFee,
		Status:            model.OrderStatusPending,
		FulfillmentStatus: model.FulfillmentPending,
	}

	id, err := s.repo.CreateOrder(ctx, o)
	if err != nil {
		return nil, err
	}
	o.ID = id

	return o, nil
}

// GetOrder возвращает заказ. Видеть заказ могут покупатель, продавец и
// администратор.
func (s *Service) GetOrder(ctx context.Context, callerID int64, role model.Role, orderID int64) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if role != model.RoleAdmin && o.BuyerID != callerID && o.VendorID != callerID {
		return nil, ErrForbidden
	}

	return o, nil
}

// CreateOrderCheckout создаёт платёжную сессию для заказа и возвращает URL
// перенаправления. Статус заказа не меняется: переход произойдёт только по
// подтверждённому вебхуку.
func (s *Service) CreateOrderCheckout(ctx context.Context, buyerID, orderID int64) (string, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}

	if o.BuyerID != buyerID {
		return "", ErrForbidden
	}
	if o.Status != model.OrderStatusPending {
		return "", fmt.Errorf("%w: order is %s", ErrInvalidState, o.Status)
	}
	if s.processor == nil {
		return "", ErrExternalService
	}

	sessionID, url, err := s.processor.CreateOrderCheckoutSession(ctx, o)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExternalService, err)
	}

	if err := s.repo.SetOrderCheckoutSession(ctx, orderID, sessionID); err != nil {
		return "", err
	}

	return url, nil
}

// UpdateFulfillment обновляет статус выполнения заказа. Разрешено продавцу
// заказа и администратору; к платёжному статусу не привязано, кроме
// запрета для неоплаченных (failed) заказов.
func (s *Service) UpdateFulfillment(ctx context.Context, callerID int64, role model.Role, orderID int64, fs model.FulfillmentStatus) error {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if role != model.RoleAdmin && o.VendorID != callerID {
		return ErrForbidden
	}

	return s.repo.UpdateFulfillment(ctx, orderID, fs)
}

// CreateRefundRequest создаёт запрос покупателя на возврат по завершённому
// заказу. Второй активный возврат по заказу отклоняется.
func (s *Service) CreateRefundRequest(ctx context.Context, buyerID, orderID int64, reason, description string) (*model.RefundRequest, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}

	req := &model.RefundRequest{
		OrderID:     orderID,
		BuyerID:     buyerID,
		Reason:      reason,
		Description: description,
		Status:      model.RefundStatusPending,
		RespondBy:   time.Now().Add(refundResponseWindow),
	}

	id, err := s.repo.CreateRefundRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	req.ID = id

	s.notify(ctx, "refund.requested", orderID)

	return req, nil
}

// GetRefundRequest возвращает запрос на возврат его участникам:
// покупателю, продавцу заказа и администратору.
func (s *Service) GetRefundRequest(ctx context.Context, callerID int64, role model.Role, refundID int64) (*model.RefundRequest, error) {
	req, err := s.repo.GetRefundRequest(ctx, refundID)
	if err != nil {
		return nil, err
	}

	if role == model.RoleAdmin || req.BuyerID == callerID {
		return req, nil
	}

	o, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.VendorID != callerID {
		return nil, ErrForbidden
	}

	return req, nil
}

// RespondToRefund применяет решение продавца (или администратора) по
// запросу на возврат. При одобрении выпускается возврат у провайдера, и
// запрос остаётся approved до прихода события charge.refunded: решение
// продавца и фактическое зачисление денег — разные моменты времени.
func (s *Service) RespondToRefund(ctx context.Context, callerID int64, role model.Role, refundID int64, approve bool, response string) error {
	req, err := s.repo.GetRefundRequest(ctx, refundID)
	if err != nil {
		return err
	}

	o, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return err
	}

	if role != model.RoleAdmin && !(role == model.RoleVendor && o.VendorID == callerID) {
		return ErrForbidden
	}

	if !approve {
		return s.repo.RejectRefund(ctx, refundID, response)
	}

	if req.Status != model.RefundStatusPending {
		return repository.ErrInvalidTransition
	}
	if o.PaymentIntentID == nil {
		return fmt.Errorf("%w: order has no payment reference", ErrInvalidState)
	}
	if s.processor == nil {
		return ErrExternalService
	}

	// Ключ выводится из идентификатора запроса: повторное одобрение после
	// сбоя записи статуса не выпускает второй возврат у провайдера.
	idempotencyKey := fmt.Sprintf("refund-request-%d", refundID)

	externalRefundID, err := s.processor.CreateRefund(ctx, *o.PaymentIntentID, idempotencyKey)
	if err != nil {
		// Запрос остаётся pending: продавец может повторить решение.
		return fmt.Errorf("%w: %s", ErrExternalService, err)
	}

	return s.repo.ApproveRefund(ctx, refundID, externalRefundID, response)
}

// FileDispute открывает спор по заказу от имени администратора
// (путь эскалации; покупатель сам спор не открывает).
func (s *Service) FileDispute(ctx context.Context, adminID, orderID int64, reason, evidence string) (*model.DisputeLog, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	d := &model.DisputeLog{
		OrderID:  orderID,
		BuyerID:  o.BuyerID,
		VendorID: o.VendorID,
		Status:   model.DisputeStatusOpen,
		Reason:   reason,
		Evidence: evidence,
	}

	id, created, err := s.repo.CreateDisputeLog(ctx, d)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, repository.ErrOpenDisputeExists
	}
	d.ID = id

	s.notify(ctx, "dispute.opened", orderID)

	return d, nil
}

// GetDisputeLog возвращает запись о споре (административный доступ
// проверяется маршрутом).
func (s *Service) GetDisputeLog(ctx context.Context, disputeID int64) (*model.DisputeLog, error) {
	return s.repo.GetDisputeLog(ctx, disputeID)
}

// ResolveDispute фиксирует решение администратора по открытому спору.
// Статус заказа при этом не меняется: его определяет только событие
// закрытия спора от провайдера.
func (s *Service) ResolveDispute(ctx context.Context, adminID, disputeID int64, resolution model.DisputeResolution) error {
	if !model.ValidDisputeResolution(resolution) {
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidState, resolution)
	}
	return s.repo.ResolveDispute(ctx, disputeID, resolution, adminID)
}

// GetEntitlement возвращает квоту товаров продавца по его подписке.
func (s *Service) GetEntitlement(ctx context.Context, vendorID int64) (*model.Entitlement, error) {
	sub, err := s.repo.GetVendorSubscription(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.CountActiveProducts(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	limit := sub.Tier.ProductLimit()
	return &model.Entitlement{
		Tier:      sub.Tier,
		Limit:     limit,
		Current:   current,
		CanAdd:    current < limit,
		ExpiresAt: sub.RenewsAt,
	}, nil
}

// CreateProduct создаёт товар продавца в пределах квоты подписки.
// Повторная проверка квоты выполняется в транзакции вставки.
func (s *Service) CreateProduct(ctx context.Context, vendorID int64, title string, price int64) (*model.Product, error) {
	p := &model.Product{
		VendorID: vendorID,
		Title:    title,
		Price:    price,
		Active:   true,
	}

	id, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id

	return p, nil
}

// CreateSubscriptionCheckout создаёт сессию оплаты подписки продавца на
// уровень basic или featured и возвращает URL перенаправления.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, vendorID int64, tier model.Tier) (string, error) {
	if tier != model.TierBasic && tier != model.TierFeatured {
		return "", fmt.Errorf("%w: tier %q is not purchasable", ErrInvalidState, tier)
	}
	if s.processor == nil {
		return "", ErrExternalService
	}

	sub, err := s.repo.GetVendorSubscription(ctx, vendorID)
	if err != nil {
		return "", err
	}

	_, url, err := s.processor.CreateSubscriptionCheckoutSession(ctx, vendorID, tier, sub.CustomerID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExternalService, err)
	}

	return url, nil
}

// CreateBillingPortal создаёт сессию биллинг-портала для продавца с
// сохранённым внешним идентификатором клиента.
func (s *Service) CreateBillingPortal(ctx context.Context, vendorID int64) (string, error) {
	if s.processor == nil {
		return "", ErrExternalService
	}

	sub, err := s.repo.GetVendorSubscription(ctx, vendorID)
	if err != nil {
		return "", err
	}
	if sub.CustomerID == nil {
		return "", fmt.Errorf("%w: vendor has no billing customer", ErrInvalidState)
	}

	url, err := s.processor.CreateBillingPortalSession(ctx, *sub.CustomerID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExternalService, err)
	}

	return url, nil
}
