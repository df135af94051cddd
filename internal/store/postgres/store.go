package postgres

import (
	"context"
	"errors"
	"time"

	"scanledger/internal/models"
	"scanledger/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*queries)(nil)
)

const activeIndexName = "subscription_instances_one_active_idx"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Read(ctx context.Context, fn func(q store.Tx) error) error {
	return fn(&queries{q: s.pool})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

type queries struct {
	q querier
}

const userColumns = `id, login, email, password_hash, role, is_blocked, registered_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Login, &u.Email, &u.PasswordHash, &u.Role, &u.IsBlocked, &u.RegisteredAt)
	return u, notFound(err)
}

func (t *queries) InsertUser(ctx context.Context, user *models.User) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO users (login, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, registered_at`,
		user.Login, user.Email, user.PasswordHash, user.Role,
	).Scan(&user.ID, &user.RegisteredAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *queries) GetUser(ctx context.Context, userID int64) (models.User, error) {
	return scanUser(t.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (t *queries) GetUserByLogin(ctx context.Context, login string) (models.User, error) {
	return scanUser(t.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE login = $1`, login))
}

func (t *queries) LockUser(ctx context.Context, userID int64, exclusive bool) error {
	sql := `SELECT id FROM users WHERE id = $1 FOR SHARE`
	if exclusive {
		sql = `SELECT id FROM users WHERE id = $1 FOR UPDATE`
	}
	var id int64
	return notFound(t.q.QueryRow(ctx, sql, userID).Scan(&id))
}

const planColumns = `id, name, scan_quota, duration_days, price_cents, description`

func scanPlan(row pgx.Row) (models.Plan, error) {
	var p models.Plan
	err := row.Scan(&p.ID, &p.Name, &p.ScanQuota, &p.DurationDays, &p.PriceCents, &p.Description)
	return p, notFound(err)
}

func (t *queries) GetPlan(ctx context.Context, planID int64) (models.Plan, error) {
	return scanPlan(t.q.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, planID))
}

func (t *queries) GetPlanByName(ctx context.Context, name string) (models.Plan, error) {
	return scanPlan(t.q.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE name = $1`, name))
}

func (t *queries) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := t.q.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price_cents, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plans []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

const paymentColumns = `id, user_id, plan_id, amount, currency, method, transaction_id, status, created_at, confirmed_at`

func scanPayment(row pgx.Row) (models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.PlanID, &p.Amount, &p.Currency, &p.Method, &p.TransactionID, &p.Status, &p.CreatedAt, &p.ConfirmedAt)
	return p, notFound(err)
}

func (t *queries) InsertPayment(ctx context.Context, payment *models.Payment) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO payments (user_id, plan_id, amount, currency, method, transaction_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		payment.UserID, payment.PlanID, payment.Amount, payment.Currency, payment.Method, payment.TransactionID, payment.Status,
	).Scan(&payment.ID, &payment.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *queries) GetPayment(ctx context.Context, paymentID int64, forUpdate bool) (models.Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`+lockClause(forUpdate), paymentID))
}

func (t *queries) GetPaymentByTransactionID(ctx context.Context, transactionID string, forUpdate bool) (models.Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`+lockClause(forUpdate), transactionID))
}

func (t *queries) MarkPaymentSucceeded(ctx context.Context, paymentID int64, at time.Time) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE payments SET status = $1, confirmed_at = $2
		WHERE id = $3 AND status = $4`,
		models.PaymentSuccess, at, paymentID, models.PaymentPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *queries) ListPayments(ctx context.Context, userID int64) ([]models.Payment, error) {
	rows, err := t.q.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

const instanceColumns = `id, user_id, plan_id, started_at, ends_at, remaining_scans, is_active, payment_id, created_at`

func scanInstance(row pgx.Row) (models.SubscriptionInstance, error) {
	var i models.SubscriptionInstance
	err := row.Scan(&i.ID, &i.UserID, &i.PlanID, &i.StartedAt, &i.EndsAt, &i.RemainingScans, &i.IsActive, &i.PaymentID, &i.CreatedAt)
	return i, notFound(err)
}

func (t *queries) collectInstances(ctx context.Context, sql string, args ...any) ([]models.SubscriptionInstance, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SubscriptionInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (t *queries) ActiveInstances(ctx context.Context, userID int64, forUpdate bool) ([]models.SubscriptionInstance, error) {
	return t.collectInstances(ctx, `
		SELECT `+instanceColumns+` FROM subscription_instances
		WHERE user_id = $1 AND is_active
		ORDER BY id`+lockClause(forUpdate), userID)
}

func (t *queries) InstanceByPayment(ctx context.Context, paymentID int64) (models.SubscriptionInstance, error) {
	return scanInstance(t.q.QueryRow(ctx, `SELECT `+instanceColumns+` FROM subscription_instances WHERE payment_id = $1`, paymentID))
}

func (t *queries) DeactivateInstance(ctx context.Context, instanceID int64) error {
	ct, err := t.q.Exec(ctx, `UPDATE subscription_instances SET is_active = false WHERE id = $1 AND is_active`, instanceID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *queries) InsertInstance(ctx context.Context, instance *models.SubscriptionInstance) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO subscription_instances (user_id, plan_id, started_at, ends_at, remaining_scans, is_active, payment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		instance.UserID, instance.PlanID, instance.StartedAt, instance.EndsAt, instance.RemainingScans, instance.IsActive, instance.PaymentID,
	).Scan(&instance.ID, &instance.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == activeIndexName {
				return store.ErrActiveConflict
			}
			return store.ErrDuplicate
		}
	}
	return err
}

func (t *queries) ConsumeScan(ctx context.Context, userID int64, now time.Time) (models.SubscriptionInstance, string, error) {
	var i models.SubscriptionInstance
	var planName string
	err := t.q.QueryRow(ctx, `
		UPDATE subscription_instances si
		SET remaining_scans = si.remaining_scans - 1
		FROM plans p
		WHERE p.id = si.plan_id
			AND si.user_id = $1
			AND si.is_active
			AND si.remaining_scans > 0
			AND si.ends_at > $2
		RETURNING si.id, si.user_id, si.plan_id, si.started_at, si.ends_at, si.remaining_scans,
			si.is_active, si.payment_id, si.created_at, p.name`, userID, now,
	).Scan(&i.ID, &i.UserID, &i.PlanID, &i.StartedAt, &i.EndsAt, &i.RemainingScans, &i.IsActive, &i.PaymentID, &i.CreatedAt, &planName)
	if err != nil {
		return models.SubscriptionInstance{}, "", notFound(err)
	}
	return i, planName, nil
}

func (t *queries) ListInstances(ctx context.Context, userID int64) ([]models.SubscriptionInstance, error) {
	return t.collectInstances(ctx, `
		SELECT `+instanceColumns+` FROM subscription_instances
		WHERE user_id = $1
		ORDER BY id DESC`, userID)
}

func (t *queries) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return t.q.QueryRow(ctx, `
		INSERT INTO ledger_entries (user_id, instance_id, delta_scans, reason, payment_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		entry.UserID, entry.InstanceID, entry.DeltaScans, entry.Reason, entry.PaymentID,
	).Scan(&entry.ID, &entry.CreatedAt)
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return ` FOR UPDATE`
	}
	return ``
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
