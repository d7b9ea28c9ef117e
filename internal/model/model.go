// Package model содержит доменные сущности маркетплейса: заказы, возвраты,
// споры и подписки продавцов. Все денежные суммы хранятся в минорных
// единицах валюты (центах).
package model

import "time"

// Role описывает роль пользователя, от имени которой выполняется запрос.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// OrderStatus описывает платёжный статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusRefunded  OrderStatus = "refunded"
	OrderStatusDisputed  OrderStatus = "disputed"
)

// Terminal сообщает, является ли статус конечным для платёжного автомата.
// Из completed заказ может уйти дальше только через возврат или спор.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFailed, OrderStatusRefunded, OrderStatusDisputed:
		return true
	}
	return false
}

// FulfillmentStatus описывает статус выполнения заказа продавцом.
// Это независимая от платежа ось: её меняет только продавец.
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentReady     FulfillmentStatus = "ready"
	FulfillmentCompleted FulfillmentStatus = "completed"
	FulfillmentCancelled FulfillmentStatus = "cancelled"
)

// ValidFulfillmentStatus проверяет принадлежность значения перечислению.
func ValidFulfillmentStatus(s FulfillmentStatus) bool {
	switch s {
	case FulfillmentPending, FulfillmentReady, FulfillmentCompleted, FulfillmentCancelled:
		return true
	}
	return false
}

// Order описывает заказ покупателя у продавца.
type Order struct {
	ID                int64
	BuyerID           int64
	VendorID          int64
	Subtotal          int64
	PlatformFee       int64
	ProcessorFee      int64
	Total             int64
	Status            OrderStatus
	FulfillmentStatus FulfillmentStatus
	PaymentIntentID   *string
	CheckoutSessionID *string
	FailureReason     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefundStatus описывает статус запроса на возврат.
type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusApproved   RefundStatus = "approved"
	RefundStatusRejected   RefundStatus = "rejected"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusCompleted  RefundStatus = "completed"
)

// Terminal сообщает, является ли статус возврата конечным.
func (s RefundStatus) Terminal() bool {
	return s == RefundStatusRejected || s == RefundStatusCompleted
}

// RefundRequest описывает запрос покупателя на возврат средств по заказу.
// На заказ одновременно допускается не более одного незавершённого запроса.
type RefundRequest struct {
	ID             int64
	OrderID        int64
	BuyerID        int64
	Reason         string
	Description    string
	Status         RefundStatus
	RefundID       *string
	RespondBy      time.Time
	VendorResponse *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DisputeStatus описывает состояние спора (чарджбэка).
type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusResolved DisputeStatus = "resolved"
)

// DisputeResolution описывает решение по спору.
type DisputeResolution string

const (
	ResolutionBuyerRefund DisputeResolution = "buyer_refund"
	ResolutionVendorKeeps DisputeResolution = "vendor_keeps"
	ResolutionSplit       DisputeResolution = "split"
)

// ValidDisputeResolution проверяет принадлежность значения перечислению.
func ValidDisputeResolution(r DisputeResolution) bool {
	switch r {
	case ResolutionBuyerRefund, ResolutionVendorKeeps, ResolutionSplit:
		return true
	}
	return false
}

// DisputeLog описывает запись о споре по заказу. Открытый спор на заказ
// может быть только один; DecidedBy равен nil, если решение пришло от
// платёжного провайдера, а не от администратора.
type DisputeLog struct {
	ID         int64
	OrderID    int64
	BuyerID    int64
	VendorID   int64
	ExternalID *string
	Status     DisputeStatus
	Reason     string
	Evidence   string
	Resolution *DisputeResolution
	DecidedBy  *int64
	DecidedAt  *time.Time
	CreatedAt  time.Time
}

// Tier описывает уровень подписки продавца.
type Tier string

const (
	TierNone     Tier = "none"
	TierBasic    Tier = "basic"
	TierFeatured Tier = "featured"
)

// tierLimits задаёт квоту активных товаров для каждого уровня подписки.
var tierLimits = map[Tier]int{
	TierNone:     3,
	TierBasic:    12,
	TierFeatured: 48,
}

// tierFeeBps задаёт комиссию площадки в базисных пунктах по уровню подписки.
var tierFeeBps = map[Tier]int64{
	TierNone:     1000,
	TierBasic:    700,
	TierFeatured: 500,
}

// ProductLimit возвращает квоту активных товаров для уровня подписки.
func (t Tier) ProductLimit() int {
	if limit, ok := tierLimits[t]; ok {
		return limit
	}
	return tierLimits[TierNone]
}

// Rank возвращает порядковый номер уровня подписки для сравнения.
func (t Tier) Rank() int {
	switch t {
	case TierBasic:
		return 1
	case TierFeatured:
		return 2
	}
	return 0
}

// ValidTier проверяет принадлежность значения перечислению.
func ValidTier(t Tier) bool {
	_, ok := tierLimits[t]
	return ok
}

// PlatformFee вычисляет комиссию площадки с суммы заказа по уровню
// подписки продавца. Округление вниз до цента.
func PlatformFee(subtotal int64, t Tier) int64 {
	bps, ok := tierFeeBps[t]
	if !ok {
		bps = tierFeeBps[TierNone]
	}
	return subtotal * bps / 10000
}

// SubscriptionStatus описывает внутренний статус подписки продавца,
// восстанавливаемый из событий платёжного провайдера.
type SubscriptionStatus string

const (
	SubscriptionFree           SubscriptionStatus = "free"
	SubscriptionBasicActive    SubscriptionStatus = "basic_active"
	SubscriptionFeaturedActive SubscriptionStatus = "featured_active"
	SubscriptionCancelled      SubscriptionStatus = "cancelled"
)

// VendorSubscription описывает подписку продавца и её внешние ссылки
// на объекты платёжного провайдера.
type VendorSubscription struct {
	VendorID   int64
	Tier       Tier
	CustomerID *string
	AccountID  *string
	Status     SubscriptionStatus
	RenewsAt   *time.Time
	UpdatedAt  time.Time
}

// Entitlement содержит вычисленную квоту товаров продавца.
type Entitlement struct {
	Tier      Tier       `json:"tier"`
	Limit     int        `json:"limit"`
	Current   int        `json:"current"`
	CanAdd    bool       `json:"can_add"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Product описывает товар продавца. Количество активных товаров
// ограничено квотой подписки.
type Product struct {
	ID        int64
	VendorID  int64
	Title     string
	Price     int64
	Active    bool
	CreatedAt time.Time
}
