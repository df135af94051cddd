package models

import "time"

type User struct {
	ID           int64     `json:"id"`
	Login        string    `json:"login"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	IsBlocked    bool      `json:"is_blocked"`
	RegisteredAt time.Time `json:"registered_at"`
}

type Plan struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ScanQuota    int    `json:"scan_quota"`
	DurationDays int    `json:"duration_days"`
	PriceCents   int    `json:"price_cents"`
	Description  string `json:"description,omitempty"`
}

// Duration is the length of one entitlement period granted by the plan.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

type Payment struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	PlanID        *int64     `json:"plan_id"`
	Amount        int        `json:"amount"`
	Currency      string     `json:"currency"`
	Method        string     `json:"method"`
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

type SubscriptionInstance struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	PlanID         int64     `json:"plan_id"`
	StartedAt      time.Time `json:"started_at"`
	EndsAt         time.Time `json:"ends_at"`
	RemainingScans int       `json:"remaining_scans"`
	IsActive       bool      `json:"is_active"`
	PaymentID      *int64    `json:"payment_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Entitled reports whether the instance can satisfy a scan at the given time.
func (s SubscriptionInstance) Entitled(now time.Time) bool {
	return s.IsActive && s.RemainingScans > 0 && s.EndsAt.After(now)
}

type LedgerEntry struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	InstanceID int64     `json:"instance_id"`
	DeltaScans int       `json:"delta_scans"`
	Reason     string    `json:"reason"`
	PaymentID  *int64    `json:"payment_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Status is the entitlement projection shown to users and returned by the quota gate.
type Status struct {
	PlanName       string `json:"subscription_type"`
	RemainingScans int    `json:"remaining_scans"`
}

const NoPlanName = "none"

// NoStatus is reported when a user has no usable active instance.
var NoStatus = Status{PlanName: NoPlanName, RemainingScans: 0}

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

const (
	PaymentPending = "pending"
	PaymentSuccess = "success"
)

const (
	PaymentMethodStripe = "stripe"
)

const (
	ReasonDefaultGrant      = "default_grant"
	ReasonPaymentActivation = "payment_activation"
	ReasonAdminGrant        = "admin_grant"
	ReasonScan              = "scan"
)
