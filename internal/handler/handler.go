// Package handler содержит HTTP-обработчики API платёжного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shoplocal/payments-system/internal/middleware"
	"github.com/shoplocal/payments-system/internal/model"
	"github.com/shoplocal/payments-system/internal/processor"
	"github.com/shoplocal/payments-system/internal/repository"
	"github.com/shoplocal/payments-system/internal/service"
)

// maxWebhookBody ограничивает размер тела вебхука.
const maxWebhookBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, buyerID, vendorID, subtotal, processorFee int64) (*model.Order, error)
	GetOrder(ctx context.Context, callerID int64, role model.Role, orderID int64) (*model.Order, error)
	CreateOrderCheckout(ctx context.Context, buyerID, orderID int64) (string, error)
	UpdateFulfillment(ctx context.Context, callerID int64, role model.Role, orderID int64, fs model.FulfillmentStatus) error

	CreateRefundRequest(ctx context.Context, buyerID, orderID int64, reason, description string) (*model.RefundRequest, error)
	GetRefundRequest(ctx context.Context, callerID int64, role model.Role, refundID int64) (*model.RefundRequest, error)
	RespondToRefund(ctx context.Context, callerID int64, role model.Role, refundID int64, approve bool, response string) error

	FileDispute(ctx context.Context, adminID, orderID int64, reason, evidence string) (*model.DisputeLog, error)
	GetDisputeLog(ctx context.Context, disputeID int64) (*model.DisputeLog, error)
	ResolveDispute(ctx context.Context, adminID, disputeID int64, resolution model.DisputeResolution) error

	GetEntitlement(ctx context.Context, vendorID int64) (*model.Entitlement, error)
	CreateProduct(ctx context.Context, vendorID int64, title string, price int64) (*model.Product, error)
	CreateSubscriptionCheckout(ctx context.Context, vendorID int64, tier model.Tier) (string, error)
	CreateBillingPortal(ctx context.Context, vendorID int64) (string, error)

	VerifyWebhook(payload []byte, sigHeader string) (*processor.Event, error)
	ProcessEvent(ctx context.Context, ev *processor.Event) (string, error)
}

// Handler реализует HTTP-обработчики API платёжного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeError отображает ошибки сервисного слоя на HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var status int
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, repository.ErrActiveRefundExists),
		errors.Is(err, repository.ErrOpenDisputeExists),
		errors.Is(err, repository.ErrEntitlementExceeded),
		errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, service.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, service.ErrExternalService):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		h.logger.Error(op, zap.Error(err))
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// StripeWebhook принимает события платёжного провайдера. Подпись
// проверяется до ответа; подтверждение отправляется сразу после проверки,
// а результат применения события провайдеру не возвращается.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := h.service.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, processor.ErrSignatureInvalid) {
			h.logger.Warn("webhook signature rejected", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("webhook verify error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// Событие подтверждается сразу после проверки подписи: провайдер не
	// должен повторять доставку из-за внутренних сбоев обработки.
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// После подтверждения событие принадлежит сервису, а не запросу:
	// разрыв соединения провайдером не должен обрывать обработку уже
	// учтённого в журнале события.
	outcome, err := h.service.ProcessEvent(context.WithoutCancel(r.Context()), ev)
	middleware.RecordWebhookEvent(ev.Type, outcome)
	if err != nil {
		h.logger.Error("webhook processing error",
			zap.String("eventID", ev.ID), zap.String("type", ev.Type), zap.Error(err))
		return
	}
	h.logger.Info("webhook processed",
		zap.String("eventID", ev.ID), zap.String("type", ev.Type), zap.String("outcome", outcome))
}

type createOrderRequest struct {
	VendorID     int64 `json:"vendor_id"`
	Subtotal     int64 `json:"subtotal"`
	ProcessorFee int64 `json:"processor_fee"`
}

type orderResponse struct {
	ID                int64   `json:"id"`
	BuyerID           int64   `json:"buyer_id"`
	VendorID          int64   `json:"vendor_id"`
	Subtotal          int64   `json:"subtotal"`
	PlatformFee       int64   `json:"platform_fee"`
	ProcessorFee      int64   `json:"processor_fee"`
	Total             int64   `json:"total"`
	Status            string  `json:"status"`
	FulfillmentStatus string  `json:"fulfillment_status"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:                o.ID,
		BuyerID:           o.BuyerID,
		VendorID:          o.VendorID,
		Subtotal:          o.Subtotal,
		PlatformFee:       o.PlatformFee,
		ProcessorFee:      o.ProcessorFee,
		Total:             o.Total,
		Status:            string(o.Status),
		FulfillmentStatus: string(o.FulfillmentStatus),
		FailureReason:     o.FailureReason,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
	}
}

// CreateOrder создаёт заказ текущего покупателя в статусе pending.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.VendorID <= 0 || req.Subtotal <= 0 || req.ProcessorFee < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, err := h.service.CreateOrder(r.Context(), buyerID, req.VendorID, req.Subtotal, req.ProcessorFee)
	if err != nil {
		h.writeError(w, "create order error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

// GetOrder возвращает заказ его участникам.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	role, _ := middleware.GetRoleFromContext(r.Context())

	orderID, ok := pathID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, err := h.service.GetOrder(r.Context(), callerID, role, orderID)
	if err != nil {
		h.writeError(w, "get order error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type checkoutResponse struct {
	URL string `json:"url"`
}

// CreateOrderCheckout создаёт платёжную сессию и возвращает URL перенаправления.
func (h *Handler) CreateOrderCheckout(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	url, err := h.service.CreateOrderCheckout(r.Context(), buyerID, orderID)
	if err != nil {
		h.writeError(w, "create checkout error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, checkoutResponse{URL: url})
}

type fulfillmentRequest struct {
	Status string `json:"status"`
}

// UpdateFulfillment обновляет статус выполнения заказа.
func (h *Handler) UpdateFulfillment(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	role, _ := middleware.GetRoleFromContext(r.Context())

	orderID, ok := pathID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req fulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	fs := model.FulfillmentStatus(req.Status)
	if !model.ValidFulfillmentStatus(fs) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if err := h.service.UpdateFulfillment(r.Context(), callerID, role, orderID, fs); err != nil {
		h.writeError(w, "update fulfillment error", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createRefundRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type refundResponse struct {
	ID             int64   `json:"id"`
	OrderID        int64   `json:"order_id"`
	Reason         string  `json:"reason"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status"`
	VendorResponse *string `json:"vendor_response,omitempty"`
	RespondBy      string  `json:"respond_by"`
	CreatedAt      string  `json:"created_at"`
}

func toRefundResponse(req *model.RefundRequest) refundResponse {
	return refundResponse{
		ID:             req.ID,
		OrderID:        req.OrderID,
		Reason:         req.Reason,
		Description:    req.Description,
		Status:         string(req.Status),
		VendorResponse: req.VendorResponse,
		RespondBy:      req.RespondBy.Format(time.RFC3339),
		CreatedAt:      req.CreatedAt.Format(time.RFC3339),
	}
}

// CreateRefund создаёт запрос покупателя на возврат по заказу.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := pathID(r, "orderID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req createRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	refund, err := h.service.CreateRefundRequest(r.Context(), buyerID, orderID, req.Reason, req.Description)
	if err != nil {
		h.writeError(w, "create refund error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toRefundResponse(refund))
}

// GetRefund возвращает запрос на возврат его участникам.
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	role, _ := middleware.GetRoleFromContext(r.Context())

	refundID, ok := pathID(r, "refundID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	refund, err := h.service.GetRefundRequest(r.Context(), callerID, role, refundID)
	if err != nil {
		h.writeError(w, "get refund error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toRefundResponse(refund))
}

type respondRefundRequest struct {
	Approve  bool   `json:"approve"`
	Response string `json:"response"`
}

// RespondToRefund применяет решение продавца или администратора по возврату.
func (h *Handler) RespondToRefund(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	role, _ := middleware.GetRoleFromContext(r.Context())

	refundID, ok := pathID(r, "refundID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req respondRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RespondToRefund(r.Context(), callerID, role, refundID, req.Approve, req.Response); err != nil {
		h.writeError(w, "respond to refund error", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type fileDisputeRequest struct {
	OrderID  int64  `json:"order_id"`
	Reason   string `json:"reason"`
	Evidence string `json:"evidence"`
}

type disputeResponse struct {
	ID         int64   `json:"id"`
	OrderID    int64   `json:"order_id"`
	Status     string  `json:"status"`
	Reason     string  `json:"reason"`
	Resolution *string `json:"resolution,omitempty"`
	DecidedBy  *int64  `json:"decided_by,omitempty"`
	DecidedAt  *string `json:"decided_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

func toDisputeResponse(d *model.DisputeLog) disputeResponse {
	resp := disputeResponse{
		ID:        d.ID,
		OrderID:   d.OrderID,
		Status:    string(d.Status),
		Reason:    d.Reason,
		DecidedBy: d.DecidedBy,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
	if d.Resolution != nil {
		s := string(*d.Resolution)
		resp.Resolution = &s
	}
	if d.DecidedAt != nil {
		s := d.DecidedAt.Format(time.RFC3339)
		resp.DecidedAt = &s
	}
	return resp
}

// FileDispute открывает спор по заказу от имени администратора.
func (h *Handler) FileDispute(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req fileDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.OrderID <= 0 || req.Reason == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.FileDispute(r.Context(), adminID, req.OrderID, req.Reason, req.Evidence)
	if err != nil {
		h.writeError(w, "file dispute error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

// GetDispute возвращает запись о споре.
func (h *Handler) GetDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := pathID(r, "disputeID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.GetDisputeLog(r.Context(), disputeID)
	if err != nil {
		h.writeError(w, "get dispute error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveDispute фиксирует решение администратора по спору.
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	disputeID, ok := pathID(r, "disputeID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ResolveDispute(r.Context(), adminID, disputeID, model.DisputeResolution(req.Resolution))
	if err != nil {
		h.writeError(w, "resolve dispute error", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetEntitlement возвращает квоту товаров текущего продавца.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ent, err := h.service.GetEntitlement(r.Context(), vendorID)
	if err != nil {
		h.writeError(w, "get entitlement error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, ent)
}

type createProductRequest struct {
	Title string `json:"title"`
	Price int64  `json:"price"`
}

type productResponse struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Price     int64  `json:"price"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// CreateProduct создаёт товар текущего продавца в пределах квоты подписки.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Title == "" || req.Price <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreateProduct(r.Context(), vendorID, req.Title, req.Price)
	if err != nil {
		h.writeError(w, "create product error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, productResponse{
		ID:        p.ID,
		Title:     p.Title,
		Price:     p.Price,
		Active:    p.Active,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	})
}

type subscriptionCheckoutRequest struct {
	Tier string `json:"tier"`
}

// CreateSubscriptionCheckout создаёт сессию оплаты подписки продавца.
func (h *Handler) CreateSubscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req subscriptionCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tier := model.Tier(req.Tier)
	if !model.ValidTier(tier) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	url, err := h.service.CreateSubscriptionCheckout(r.Context(), vendorID, tier)
	if err != nil {
		h.writeError(w, "create subscription checkout error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, checkoutResponse{URL: url})
}

// CreateBillingPortal создаёт сессию биллинг-портала продавца.
func (h *Handler) CreateBillingPortal(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	url, err := h.service.CreateBillingPortal(r.Context(), vendorID)
	if err != nil {
		h.writeError(w, "create billing portal error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, checkoutResponse{URL: url})
}
