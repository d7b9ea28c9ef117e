package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v82"

	"github.com/shoplocal/payments-system/internal/model"
	"github.com/shoplocal/payments-system/internal/processor"
)

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Publish(ctx context.Context, eventType string, orderID int64) error {
	n.events = append(n.events, eventType)
	return nil
}

func paymentEvent(id string, orderMeta string) *processor.Event {
	return &processor.Event{
		ID:   id,
		Type: processor.EventPaymentSucceeded,
		PaymentIntent: &stripe.PaymentIntent{
			ID:       "pi_1",
			Metadata: map[string]string{"order_id": orderMeta},
		},
	}
}

func TestProcessEvent_PaymentSucceeded(t *testing.T) {
	repo := &stubRepo{claimResult: true, completePrev: model.OrderStatusPending}
	notifier := &recordingNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	outcome, err := svc.ProcessEvent(context.Background(), paymentEvent("evt_1", "100"))
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if len(repo.completeCalls) != 1 || repo.completeCalls[0] != 100 {
		t.Fatalf("complete calls = %v, want [100]", repo.completeCalls)
	}
	if len(repo.processed) != 1 || repo.processed[0] != "evt_1" {
		t.Fatalf("event not marked processed: %v", repo.processed)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "order.completed" {
		t.Fatalf("notifications = %v, want [order.completed]", notifier.events)
	}
}

func TestProcessEvent_DuplicateEventIsNoOp(t *testing.T) {
	repo := &stubRepo{claimResult: false}
	svc := NewService(repo, nil, nil, nil)

	outcome, err := svc.ProcessEvent(context.Background(), paymentEvent("evt_1", "100"))
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", outcome)
	}
	if len(repo.completeCalls) != 0 {
		t.Fatalf("duplicate event must not touch orders, calls = %v", repo.completeCalls)
	}
}

func TestProcessEvent_SuccessAfterFailureDoesNotResurrect(t *testing.T) {
	repo := &stubRepo{claimResult: true, completePrev: model.OrderStatusFailed}
	notifier := &recordingNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	outcome, err := svc.ProcessEvent(context.Background(), paymentEvent("evt_2", "100"))
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("no notification expected for failed order, got %v", notifier.events)
	}
}

func TestProcessEvent_UnknownTypeIgnored(t *testing.T) {
	repo := &stubRepo{claimResult: true}
	svc := NewService(repo, nil, nil, nil)

	outcome, err := svc.ProcessEvent(context.Background(), &processor.Event{ID: "evt_3", Type: "customer.created"})
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", outcome)
	}
	if len(repo.processed) != 1 {
		t.Fatalf("ignored event must still be marked processed")
	}
}

func TestProcessEvent_FailureRecordsError(t *testing.T) {
	repo := &stubRepo{claimResult: true, completeErr: errors.New("database down")}
	svc := NewService(repo, nil, nil, nil)

	outcome, err := svc.ProcessEvent(context.Background(), paymentEvent("evt_4", "100"))
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", outcome)
	}
	if len(repo.recordedErrs) != 1 {
		t.Fatalf("failure must be recorded on the ledger row, got %v", repo.recordedErrs)
	}
	if len(repo.processed) != 0 {
		t.Fatalf("failed event must not be marked processed")
	}
}

func TestProcessEvent_PaymentFailed(t *testing.T) {
	repo := &stubRepo{claimResult: true, failPrev: model.OrderStatusPending}
	notifier := &recordingNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	ev := &processor.Event{
		ID:   "evt_5",
		Type: processor.EventPaymentFailed,
		PaymentIntent: &stripe.PaymentIntent{
			ID:       "pi_1",
			Metadata: map[string]string{"order_id": "100"},
			LastPaymentError: &stripe.Error{
				Msg: "card declined",
			},
		},
	}

	outcome, err := svc.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if len(repo.failCalls) != 1 || repo.failCalls[0] != 100 {
		t.Fatalf("fail calls = %v, want [100]", repo.failCalls)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "order.failed" {
		t.Fatalf("notifications = %v, want [order.failed]", notifier.events)
	}
}

func TestProcessEvent_ChargeRefunded(t *testing.T) {
	repo := &stubRepo{claimResult: true, completeRefundOrderID: 100, completeRefundID: 7}
	notifier := &recordingNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	ev := &processor.Event{
		ID:   "evt_6",
		Type: processor.EventChargeRefunded,
		Charge: &stripe.Charge{
			ID:            "ch_1",
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
		},
	}

	outcome, err := svc.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if repo.completeRefundPI != "pi_1" {
		t.Fatalf("refund completed for %q, want pi_1", repo.completeRefundPI)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "order.refunded" {
		t.Fatalf("notifications = %v, want [order.refunded]", notifier.events)
	}
}

func TestProcessEvent_DisputeCreated(t *testing.T) {
	repo := &stubRepo{
		claimResult: true,
		orderByPI: map[string]*model.Order{
			"pi_1": {ID: 100, BuyerID: 1, VendorID: 2, Status: model.OrderStatusCompleted},
		},
		disputeID:      5,
		disputeCreated: true,
	}
	notifier := &recordingNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	ev := &processor.Event{
		ID:   "evt_7",
		Type: processor.EventDisputeCreated,
		Dispute: &stripe.Dispute{
			ID:            "dp_1",
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
			Reason:        stripe.DisputeReasonProductNotReceived,
		},
	}

	outcome, err := svc.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if repo.disputeCalls != 1 {
		t.Fatalf("dispute calls = %d, want 1", repo.disputeCalls)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "dispute.opened" {
		t.Fatalf("notifications = %v, want [dispute.opened]", notifier.events)
	}
}

func TestProcessEvent_DuplicateDisputeKeepsSingleLog(t *testing.T) {
	repo := &stubRepo{
		claimResult: true,
		orderByPI: map[string]*model.Order{
			"pi_1": {ID: 100, Status: model.OrderStatusDisputed},
		},
		disputeID:      5,
		disputeCreated: false,
	}
	notifier := &recordingNotifier{}
	svc := NewService(repo, nil, notifier, nil)

	ev := &processor.Event{
		ID:   "evt_8",
		Type: processor.EventDisputeCreated,
		Dispute: &stripe.Dispute{
			ID:            "dp_1",
			PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
		},
	}

	outcome, err := svc.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("no notification expected for already-open dispute, got %v", notifier.events)
	}
}

func TestProcessEvent_CheckoutCompletedActivatesTier(t *testing.T) {
	repo := &stubRepo{claimResult: true}
	svc := NewService(repo, nil, nil, nil)

	ev := &processor.Event{
		ID:   "evt_9",
		Type: processor.EventCheckoutCompleted,
		CheckoutSession: &stripe.CheckoutSession{
			Mode:     stripe.CheckoutSessionModeSubscription,
			Metadata: map[string]string{"vendor_id": "2", "tier": "featured"},
			Customer: &stripe.Customer{ID: "cus_1"},
		},
	}

	outcome, err := svc.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if repo.activatedVendor != 2 || repo.activatedTier != model.TierFeatured {
		t.Fatalf("activated vendor=%d tier=%s", repo.activatedVendor, repo.activatedTier)
	}
	if repo.activatedStatus != model.SubscriptionFeaturedActive {
		t.Fatalf("activated status = %s", repo.activatedStatus)
	}
	if repo.activatedCustomer != "cus_1" {
		t.Fatalf("activated customer = %q", repo.activatedCustomer)
	}
}

func TestProcessEvent_AccountUpdated(t *testing.T) {
	acc := "acct_1"
	repo := &stubRepo{
		claimResult: true,
		sub: &model.VendorSubscription{
			VendorID:  2,
			Tier:      model.TierBasic,
			Status:    model.SubscriptionBasicActive,
			AccountID: &acc,
		},
	}
	svc := NewService(repo, nil, nil, nil)

	ev := &processor.Event{
		ID:   "evt_10",
		Type: processor.EventAccountUpdated,
		Account: &stripe.Account{
			ID:             "acct_1",
			ChargesEnabled: false,
		},
	}

	outcome, err := svc.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessEvent error: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want processed", outcome)
	}
	if repo.statusVendor != 2 || repo.statusSet != model.SubscriptionCancelled {
		t.Fatalf("status set vendor=%d status=%s, want 2/cancelled", repo.statusVendor, repo.statusSet)
	}
}

func TestReconcileAccountStatus(t *testing.T) {
	tests := []struct {
		name           string
		tier           model.Tier
		chargesEnabled bool
		want           model.SubscriptionStatus
	}{
		{"free no charges", model.TierNone, false, model.SubscriptionFree},
		{"free with charges", model.TierNone, true, model.SubscriptionFree},
		{"basic enabled", model.TierBasic, true, model.SubscriptionBasicActive},
		{"basic disabled", model.TierBasic, false, model.SubscriptionCancelled},
		{"featured enabled", model.TierFeatured, true, model.SubscriptionFeaturedActive},
		{"featured disabled", model.TierFeatured, false, model.SubscriptionCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReconcileAccountStatus(tt.tier, tt.chargesEnabled); got != tt.want {
				t.Errorf("ReconcileAccountStatus(%s, %v) = %s, want %s", tt.tier, tt.chargesEnabled, got, tt.want)
			}
		})
	}
}

func TestVerifyWebhook_NoProcessorConfigured(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil, nil)

	_, err := svc.VerifyWebhook([]byte("{}"), "sig")
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}

func TestVerifyWebhook_DelegatesToProcessor(t *testing.T) {
	proc := &stubProcessor{parsedEvent: &processor.Event{ID: "evt_1", Type: "payment_intent.succeeded"}}
	svc := NewService(&stubRepo{}, proc, nil, nil)

	ev, err := svc.VerifyWebhook([]byte("{}"), "sig")
	if err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}
	if ev.ID != "evt_1" {
		t.Fatalf("event id = %q", ev.ID)
	}
}
