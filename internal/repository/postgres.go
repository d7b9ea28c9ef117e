// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/shoplocal/payments-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound возвращается, если запрошенная сущность отсутствует.
var (
	ErrNotFound = errors.New("entity not found")
	// ErrActiveRefundExists возвращается при попытке создать второй
	// незавершённый возврат по одному заказу.
	ErrActiveRefundExists = errors.New("active refund request already exists")
	// ErrOpenDisputeExists возвращается при попытке открыть второй спор по заказу.
	ErrOpenDisputeExists = errors.New("open dispute already exists")
	// ErrEntitlementExceeded возвращается, когда квота активных товаров исчерпана.
	ErrEntitlementExceeded = errors.New("product limit reached for tier")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сериализационных сбоях и дедлоках.
// Конкурентные вебхуки конкурируют за одну строку заказа, поэтому такие
// ошибки здесь штатные.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const orderColumns = `id, buyer_id, vendor_id, subtotal, platform_fee, processor_fee, total,
	 status, fulfillment_status, payment_intent_id, checkout_session_id, failure_reason,
	 created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.VendorID, &o.Subtotal, &o.PlatformFee, &o.ProcessorFee, &o.Total,
		&o.Status, &o.FulfillmentStatus, &o.PaymentIntentID, &o.CheckoutSessionID, &o.FailureReason,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

// CreateOrder сохраняет новый заказ в статусе pending и возвращает его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (buyer_id, vendor_id, subtotal, platform_fee, processor_fee, total, status, fulfillment_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		o.BuyerID, o.VendorID, o.Subtotal, o.PlatformFee, o.ProcessorFee, o.Total,
		string(model.OrderStatusPending), string(model.FulfillmentPending),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetOrderByPaymentIntent возвращает заказ по внешней ссылке платёжного намерения.
func (r *PostgresRepository) GetOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, paymentIntentID)
	return scanOrder(row)
}

// SetOrderCheckoutSession записывает идентификатор платёжной сессии на заказ.
func (r *PostgresRepository) SetOrderCheckoutSession(ctx context.Context, orderID int64, sessionID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET checkout_session_id = $2, updated_at = now() WHERE id = $1`,
		orderID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("set checkout session: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteOrderPayment переводит заказ pending -> completed и сохраняет
// ссылку на платёжное намерение. Возвращает статус заказа до перехода:
// по нему вызывающая сторона отличает повторную доставку события от аномалии.
// Переход выполняется под блокировкой строки заказа.
func (r *PostgresRepository) CompleteOrderPayment(ctx context.Context, orderID int64, paymentIntentID string) (model.OrderStatus, error) {
	var prev model.OrderStatus

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		prev = model.OrderStatus(status)
		if prev != model.OrderStatusPending {
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, payment_intent_id = $3, updated_at = now() WHERE id = $1`,
			orderID, string(model.OrderStatusCompleted), paymentIntentID,
		)
		if err != nil {
			return fmt.Errorf("complete order: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return "", err
	}

	return prev, nil
}

// FailOrderPayment переводит заказ pending -> failed с причиной отказа.
// Возвращает статус заказа до перехода; для конечных статусов ничего не меняет.
func (r *PostgresRepository) FailOrderPayment(ctx context.Context, orderID int64, reason string) (model.OrderStatus, error) {
	var prev model.OrderStatus

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		prev = model.OrderStatus(status)
		if prev != model.OrderStatusPending {
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, failure_reason = $3, updated_at = now() WHERE id = $1`,
			orderID, string(model.OrderStatusFailed), reason,
		)
		if err != nil {
			return fmt.Errorf("fail order: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return "", err
	}

	return prev, nil
}

// UpdateFulfillment обновляет статус выполнения заказа. Обновление
// отклоняется, если платёж по заказу не прошёл.
func (r *PostgresRepository) UpdateFulfillment(ctx context.Context, orderID int64, fs model.FulfillmentStatus) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	if model.OrderStatus(status) == model.OrderStatusFailed {
		return ErrInvalidTransition
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET fulfillment_status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(fs),
	)
	if err != nil {
		return fmt.Errorf("update fulfillment: %w", err)
	}

	return tx.Commit(ctx)
}

const refundColumns = `id, order_id, buyer_id, reason, description, status,
	 refund_id, respond_by, vendor_response, created_at, updated_at`

func scanRefund(row pgx.Row) (*model.RefundRequest, error) {
	var rr model.RefundRequest
	err := row.Scan(
		&rr.ID, &rr.OrderID, &rr.BuyerID, &rr.Reason, &rr.Description, &rr.Status,
		&rr.RefundID, &rr.RespondBy, &rr.VendorResponse, &rr.CreatedAt, &rr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan refund request: %w", err)
	}
	return &rr, nil
}

// CreateRefundRequest создаёт запрос на возврат по завершённому заказу.
// Заказ блокируется на время проверки, частичный уникальный индекс
// гарантирует единственность активного возврата.
func (r *PostgresRepository) CreateRefundRequest(ctx context.Context, req *model.RefundRequest) (int64, error) {
	var id int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, req.OrderID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if model.OrderStatus(status) != model.OrderStatusCompleted {
			return ErrInvalidTransition
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO refund_requests (order_id, buyer_id, reason, description, status, respond_by)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			req.OrderID, req.BuyerID, req.Reason, req.Description,
			string(model.RefundStatusPending), req.RespondBy,
		).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveRefundExists
			}
			return fmt.Errorf("insert refund request: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// GetRefundRequest возвращает запрос на возврат по идентификатору.
func (r *PostgresRepository) GetRefundRequest(ctx context.Context, id int64) (*model.RefundRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id)
	return scanRefund(row)
}

// ApproveRefund переводит запрос pending -> approved и сохраняет
// идентификатор возврата на стороне провайдера.
func (r *PostgresRepository) ApproveRefund(ctx context.Context, id int64, externalRefundID, response string) error {
	return r.decideRefund(ctx, id, model.RefundStatusApproved, &externalRefundID, response)
}

// RejectRefund переводит запрос pending -> rejected с ответом продавца.
func (r *PostgresRepository) RejectRefund(ctx context.Context, id int64, response string) error {
	return r.decideRefund(ctx, id, model.RefundStatusRejected, nil, response)
}

func (r *PostgresRepository) decideRefund(ctx context.Context, id int64, to model.RefundStatus, externalRefundID *string, response string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE refund_requests
		 SET status = $2, refund_id = COALESCE($3, refund_id), vendor_response = $4, updated_at = now()
		 WHERE id = $1 AND status = $5`,
		id, string(to), externalRefundID, response, string(model.RefundStatusPending),
	)
	if err != nil {
		return fmt.Errorf("decide refund: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM refund_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check refund exists: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}

	return nil
}

// CompleteRefundByPaymentIntent завершает одобренный возврат после события
// charge.refunded: запрос переходит approved -> completed, а родительский
// заказ -> refunded, в одной транзакции. Возвращает идентификаторы заказа
// и запроса.
func (r *PostgresRepository) CompleteRefundByPaymentIntent(ctx context.Context, paymentIntentID string) (int64, int64, error) {
	var orderID, refundID int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`SELECT id FROM orders WHERE payment_intent_id = $1 FOR UPDATE`, paymentIntentID,
		).Scan(&orderID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		err = tx.QueryRow(ctx,
			`SELECT id FROM refund_requests WHERE order_id = $1 AND status = $2 FOR UPDATE`,
			orderID, string(model.RefundStatusApproved),
		).Scan(&refundID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock refund request: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE refund_requests SET status = $2, updated_at = now() WHERE id = $1`,
			refundID, string(model.RefundStatusCompleted),
		)
		if err != nil {
			return fmt.Errorf("complete refund: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
			orderID, string(model.OrderStatusRefunded), string(model.OrderStatusCompleted),
		)
		if err != nil {
			return fmt.Errorf("mark order refunded: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, 0, err
	}

	return orderID, refundID, nil
}

const disputeColumns = `id, order_id, buyer_id, vendor_id, external_dispute_id, status,
	 reason, evidence, resolution_status, decided_by, decided_at, created_at`

func scanDispute(row pgx.Row) (*model.DisputeLog, error) {
	var d model.DisputeLog
	err := row.Scan(
		&d.ID, &d.OrderID, &d.BuyerID, &d.VendorID, &d.ExternalID, &d.Status,
		&d.Reason, &d.Evidence, &d.Resolution, &d.DecidedBy, &d.DecidedAt, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dispute log: %w", err)
	}
	return &d, nil
}

// CreateDisputeLog создаёт запись о споре и помечает заказ как оспоренный.
// Повторная доставка события по заказу с уже открытым спором не создаёт
// вторую запись: возвращается признак created = false.
func (r *PostgresRepository) CreateDisputeLog(ctx context.Context, d *model.DisputeLog) (int64, bool, error) {
	var (
		id      int64
		created bool
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		created = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM orders WHERE id = $1 FOR UPDATE`, d.OrderID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO dispute_logs (order_id, buyer_id, vendor_id, external_dispute_id, status, reason, evidence)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (order_id) WHERE status = 'open' DO NOTHING
			 RETURNING id`,
			d.OrderID, d.BuyerID, d.VendorID, d.ExternalID,
			string(model.DisputeStatusOpen), d.Reason, d.Evidence,
		).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Открытый спор уже есть — возвращаем его идентификатор.
				err = tx.QueryRow(ctx,
					`SELECT id FROM dispute_logs WHERE order_id = $1 AND status = $2`,
					d.OrderID, string(model.DisputeStatusOpen),
				).Scan(&id)
				if err != nil {
					return fmt.Errorf("select open dispute: %w", err)
				}
				return tx.Commit(ctx)
			}
			if isUniqueViolation(err) {
				return ErrOpenDisputeExists
			}
			return fmt.Errorf("insert dispute log: %w", err)
		}

		created = true

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
			d.OrderID, string(model.OrderStatusDisputed), string(model.OrderStatusCompleted),
		)
		if err != nil {
			return fmt.Errorf("mark order disputed: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, false, err
	}

	return id, created, nil
}

// GetDisputeLog возвращает запись о споре по идентификатору.
func (r *PostgresRepository) GetDisputeLog(ctx context.Context, id int64) (*model.DisputeLog, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM dispute_logs WHERE id = $1`, id)
	return scanDispute(row)
}

// ResolveDispute переводит спор open -> resolved с решением администратора.
func (r *PostgresRepository) ResolveDispute(ctx context.Context, id int64, resolution model.DisputeResolution, decidedBy int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE dispute_logs
		 SET status = $2, resolution_status = $3, decided_by = $4, decided_at = now()
		 WHERE id = $1 AND status = $5`,
		id, string(model.DisputeStatusResolved), string(resolution), decidedBy,
		string(model.DisputeStatusOpen),
	)
	if err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM dispute_logs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check dispute exists: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}

	return nil
}

// ReconcileDisputeClosed применяет событие закрытия спора от провайдера:
// снимает с заказа отметку disputed и, если администратор не успел принять
// решение, записывает решение провайдера с пустым decided_by.
func (r *PostgresRepository) ReconcileDisputeClosed(ctx context.Context, externalDisputeID string, buyerWon bool) (int64, error) {
	var orderID int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			disputeID int64
			status    string
		)
		err = tx.QueryRow(ctx,
			`SELECT id, order_id, status FROM dispute_logs WHERE external_dispute_id = $1 FOR UPDATE`,
			externalDisputeID,
		).Scan(&disputeID, &orderID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock dispute: %w", err)
		}

		if model.DisputeStatus(status) == model.DisputeStatusOpen {
			resolution := model.ResolutionVendorKeeps
			if buyerWon {
				resolution = model.ResolutionBuyerRefund
			}
			_, err = tx.Exec(ctx,
				`UPDATE dispute_logs
				 SET status = $2, resolution_status = $3, decided_at = now()
				 WHERE id = $1`,
				disputeID, string(model.DisputeStatusResolved), string(resolution),
			)
			if err != nil {
				return fmt.Errorf("resolve dispute from event: %w", err)
			}
		}

		orderStatus := model.OrderStatusCompleted
		if buyerWon {
			orderStatus = model.OrderStatusRefunded
		}
		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
			orderID, string(orderStatus), string(model.OrderStatusDisputed),
		)
		if err != nil {
			return fmt.Errorf("clear disputed order: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	return orderID, nil
}

// GetVendorSubscription возвращает подписку продавца. Для продавца без
// записи возвращается подписка по умолчанию (tier none, статус free).
func (r *PostgresRepository) GetVendorSubscription(ctx context.Context, vendorID int64) (*model.VendorSubscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT vendor_id, tier, customer_id, account_id, subscription_status, renews_at, updated_at
		 FROM vendor_subscriptions WHERE vendor_id = $1`, vendorID)

	var s model.VendorSubscription
	err := row.Scan(&s.VendorID, &s.Tier, &s.CustomerID, &s.AccountID, &s.Status, &s.RenewsAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.VendorSubscription{
				VendorID: vendorID,
				Tier:     model.TierNone,
				Status:   model.SubscriptionFree,
			}, nil
		}
		return nil, fmt.Errorf("get vendor subscription: %w", err)
	}

	return &s, nil
}

// GetVendorByAccount возвращает подписку продавца по внешнему идентификатору аккаунта.
func (r *PostgresRepository) GetVendorByAccount(ctx context.Context, accountID string) (*model.VendorSubscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT vendor_id, tier, customer_id, account_id, subscription_status, renews_at, updated_at
		 FROM vendor_subscriptions WHERE account_id = $1`, accountID)

	var s model.VendorSubscription
	err := row.Scan(&s.VendorID, &s.Tier, &s.CustomerID, &s.AccountID, &s.Status, &s.RenewsAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get vendor by account: %w", err)
	}

	return &s, nil
}

// ActivateVendorTier активирует оплаченный уровень подписки продавца и
// сохраняет внешний идентификатор клиента провайдера.
func (r *PostgresRepository) ActivateVendorTier(ctx context.Context, vendorID int64, tier model.Tier, status model.SubscriptionStatus, customerID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO vendor_subscriptions (vendor_id, tier, customer_id, subscription_status, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (vendor_id) DO UPDATE
		 SET tier = EXCLUDED.tier, customer_id = EXCLUDED.customer_id,
		     subscription_status = EXCLUDED.subscription_status, updated_at = now()`,
		vendorID, string(tier), customerID, string(status),
	)
	if err != nil {
		return fmt.Errorf("activate vendor tier: %w", err)
	}
	return nil
}

// SetSubscriptionStatus обновляет внутренний статус подписки продавца.
func (r *PostgresRepository) SetSubscriptionStatus(ctx context.Context, vendorID int64, status model.SubscriptionStatus) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO vendor_subscriptions (vendor_id, subscription_status, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (vendor_id) DO UPDATE
		 SET subscription_status = EXCLUDED.subscription_status, updated_at = now()`,
		vendorID, string(status),
	)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

// LinkVendorAccount привязывает внешний аккаунт провайдера к продавцу.
func (r *PostgresRepository) LinkVendorAccount(ctx context.Context, vendorID int64, accountID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO vendor_subscriptions (vendor_id, account_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (vendor_id) DO UPDATE
		 SET account_id = EXCLUDED.account_id, updated_at = now()`,
		vendorID, accountID,
	)
	if err != nil {
		return fmt.Errorf("link vendor account: %w", err)
	}
	return nil
}

// CountActiveProducts возвращает число активных товаров продавца.
func (r *PostgresRepository) CountActiveProducts(ctx context.Context, vendorID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM products WHERE vendor_id = $1 AND active`, vendorID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return count, nil
}

// CreateProduct создаёт товар продавца. Квота проверяется внутри той же
// транзакции под блокировкой строки подписки, чтобы исключить гонку
// «прочитал счётчик — вставил сверх лимита» при конкурентных запросах.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) (int64, error) {
	var id int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO vendor_subscriptions (vendor_id) VALUES ($1) ON CONFLICT (vendor_id) DO NOTHING`,
			p.VendorID,
		)
		if err != nil {
			return fmt.Errorf("ensure subscription row: %w", err)
		}

		var tier string
		err = tx.QueryRow(ctx,
			`SELECT tier FROM vendor_subscriptions WHERE vendor_id = $1 FOR UPDATE`, p.VendorID,
		).Scan(&tier)
		if err != nil {
			return fmt.Errorf("lock subscription: %w", err)
		}

		var count int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM products WHERE vendor_id = $1 AND active`, p.VendorID,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("count products: %w", err)
		}

		if count >= model.Tier(tier).ProductLimit() {
			return ErrEntitlementExceeded
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO products (vendor_id, title, price) VALUES ($1, $2, $3) RETURNING id`,
			p.VendorID, p.Title, p.Price,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// ClaimWebhookEvent регистрирует внешнее событие в идемпотентном журнале.
// Возвращает false, если событие с таким идентификатором уже было принято:
// уникальность обеспечивает первичный ключ, а не память процесса.
func (r *PostgresRepository) ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// MarkWebhookProcessed помечает событие как успешно обработанное.
func (r *PostgresRepository) MarkWebhookProcessed(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET status = 'processed', processed_at = now(), last_error = NULL
		 WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// RecordWebhookError сохраняет текст ошибки обработки для ручного разбора.
// Статус события остаётся processing: провайдеру уже отвечено 200.
func (r *PostgresRepository) RecordWebhookError(ctx context.Context, eventID, message string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET last_error = $2 WHERE event_id = $1`,
		eventID, message,
	)
	if err != nil {
		return fmt.Errorf("record webhook error: %w", err)
	}
	return nil
}
