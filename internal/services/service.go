package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"scanledger/internal/cache"
	"scanledger/internal/config"
	"scanledger/internal/models"
	"scanledger/internal/store"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrQuotaExceeded       = errors.New("scan quota exceeded")
	ErrConflict            = errors.New("entitlement state conflict")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrAlreadyExists       = errors.New("already exists")
	ErrDefaultPlanMissing  = errors.New("default plan missing from catalog")
	ErrStripeNotConfigured = errors.New("stripe not configured")
)

type Service struct {
	store    store.Store
	config   config.Config
	cache    cache.StatusCache
	validate *validator.Validate
	now      func() time.Time
}

type Option func(*Service)

// WithCache serves GetStatus from c and invalidates it on every entitlement change.
func WithCache(c cache.StatusCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithClock replaces time.Now, mainly for tests around plan expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(st store.Store, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		store:    st,
		config:   cfg,
		cache:    cache.Noop{},
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// activation describes one replacement of a user's active instance.
type activation struct {
	userID  int64
	plan    models.Plan
	payment *models.Payment
	reason  string
}

// activate deactivates the user's current instance and inserts a fresh one for
// a.plan. The caller holds the user row lock.
func (s *Service) activate(ctx context.Context, tx store.Tx, a activation) (models.SubscriptionInstance, error) {
	active, err := tx.ActiveInstances(ctx, a.userID, true)
	if err != nil {
		return models.SubscriptionInstance{}, err
	}
	if len(active) > 1 {
		return models.SubscriptionInstance{}, s.integrityViolation(a.userID, len(active))
	}
	for _, inst := range active {
		if err := tx.DeactivateInstance(ctx, inst.ID); err != nil {
			return models.SubscriptionInstance{}, err
		}
	}

	now := s.clock()
	inst := models.SubscriptionInstance{
		UserID:         a.userID,
		PlanID:         a.plan.ID,
		StartedAt:      now,
		EndsAt:         now.Add(a.plan.Duration()),
		RemainingScans: a.plan.ScanQuota,
		IsActive:       true,
	}
	entry := models.LedgerEntry{
		UserID:     a.userID,
		DeltaScans: a.plan.ScanQuota,
		Reason:     a.reason,
	}
	if a.payment != nil {
		inst.PaymentID = &a.payment.ID
		entry.PaymentID = &a.payment.ID
	}
	if err := tx.InsertInstance(ctx, &inst); err != nil {
		if errors.Is(err, store.ErrActiveConflict) {
			return models.SubscriptionInstance{}, s.integrityViolation(a.userID, 2)
		}
		return models.SubscriptionInstance{}, err
	}
	entry.InstanceID = inst.ID
	if err := tx.InsertEntry(ctx, &entry); err != nil {
		return models.SubscriptionInstance{}, err
	}
	return inst, nil
}

func (s *Service) integrityViolation(userID int64, active int) error {
	log.Printf("[ERROR] integrity violation: user %d has %d active subscription instances", userID, active)
	return fmt.Errorf("%w: user %d has %d active instances", ErrConflict, userID, active)
}

// notFound maps store.ErrNotFound onto the service error with a subject.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return err
}
