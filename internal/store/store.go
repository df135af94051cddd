// Package store defines the persistence boundary of the entitlement ledger.
//
// Every state change goes through Store.InTx: the callback receives a Tx
// whose writes are committed together when it returns nil and discarded
// otherwise. Implementations live in store/postgres and store/memory.
package store

import (
	"context"
	"errors"
	"time"

	"scanledger/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique key (login, email, transaction id) already exists.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrActiveConflict is returned when a write would leave a user with two active instances.
	ErrActiveConflict = errors.New("store: second active subscription instance")
)

type Store interface {
	// InTx runs fn inside one unit of work.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// Read runs fn against committed state without opening a transaction. fn must not write.
	Read(ctx context.Context, fn func(q Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is the set of ledger queries available inside a unit of work.
type Tx interface {
	InsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, userID int64) (models.User, error)
	GetUserByLogin(ctx context.Context, login string) (models.User, error)
	// LockUser locks the user row until the unit of work ends. Exclusive locks
	// serialize activations; shared locks let scans proceed side by side while
	// still waiting for an in-flight activation.
	LockUser(ctx context.Context, userID int64, exclusive bool) error

	GetPlan(ctx context.Context, planID int64) (models.Plan, error)
	GetPlanByName(ctx context.Context, name string) (models.Plan, error)
	ListPlans(ctx context.Context) ([]models.Plan, error)

	InsertPayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, paymentID int64, forUpdate bool) (models.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string, forUpdate bool) (models.Payment, error)
	MarkPaymentSucceeded(ctx context.Context, paymentID int64, at time.Time) error
	ListPayments(ctx context.Context, userID int64) ([]models.Payment, error)

	ActiveInstances(ctx context.Context, userID int64, forUpdate bool) ([]models.SubscriptionInstance, error)
	InstanceByPayment(ctx context.Context, paymentID int64) (models.SubscriptionInstance, error)
	DeactivateInstance(ctx context.Context, instanceID int64) error
	InsertInstance(ctx context.Context, instance *models.SubscriptionInstance) error
	// ConsumeScan decrements the user's entitled active instance by one and
	// returns it with its plan name. ErrNotFound when no instance qualifies.
	ConsumeScan(ctx context.Context, userID int64, now time.Time) (models.SubscriptionInstance, string, error)
	ListInstances(ctx context.Context, userID int64) ([]models.SubscriptionInstance, error)

	InsertEntry(ctx context.Context, entry *models.LedgerEntry) error
}
