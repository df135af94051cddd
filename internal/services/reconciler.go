package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"scanledger/internal/models"
	"scanledger/internal/store"

	"github.com/google/uuid"
)

// Outcome is the result of a confirmation or an admin activation.
type Outcome struct {
	Payment  models.Payment              `json:"payment"`
	Plan     models.Plan                 `json:"plan"`
	Instance models.SubscriptionInstance `json:"subscription"`
	User     models.User                 `json:"-"`
	// AlreadyConfirmed is set when the payment was settled earlier and nothing was written.
	AlreadyConfirmed bool `json:"already_confirmed"`
}

// RecordPaymentAttempt stores a pending payment with a fresh transaction id.
// A zero amount means the plan price and anything below the price is rejected.
// An empty method falls back to the configured one.
func (s *Service) RecordPaymentAttempt(ctx context.Context, userID, planID int64, amount int, method string) (models.Payment, error) {
	if amount < 0 {
		return models.Payment{}, fmt.Errorf("%w: negative amount %d", ErrInvalidRequest, amount)
	}
	method = strings.TrimSpace(method)
	if method == "" {
		method = s.config.PaymentMethod
	}

	var payment models.Payment
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return notFound(err, "user %d", userID)
		}
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return notFound(err, "plan %d", planID)
		}
		if amount == 0 {
			amount = plan.PriceCents
		}
		if amount < plan.PriceCents {
			return fmt.Errorf("%w: amount %d below %s price %d", ErrInvalidRequest, amount, plan.Name, plan.PriceCents)
		}
		payment = models.Payment{
			UserID:        userID,
			PlanID:        &plan.ID,
			Amount:        amount,
			Currency:      s.config.PaymentCurrency,
			Method:        method,
			TransactionID: uuid.NewString(),
			Status:        models.PaymentPending,
		}
		return tx.InsertPayment(ctx, &payment)
	})
	if err != nil {
		return models.Payment{}, err
	}
	log.Printf("[INFO] payment recorded user=%d plan=%d tx=%s amount=%d %s", userID, planID, payment.TransactionID, payment.Amount, payment.Currency)
	return payment, nil
}

// ConfirmPayment settles the payment behind transactionID and activates its plan.
// Repeated confirmations return the original activation with AlreadyConfirmed set.
func (s *Service) ConfirmPayment(ctx context.Context, transactionID string) (Outcome, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return Outcome{}, fmt.Errorf("%w: empty transaction id", ErrInvalidRequest)
	}
	var out Outcome
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		payment, err := tx.GetPaymentByTransactionID(ctx, transactionID, true)
		if err != nil {
			return notFound(err, "payment %s", transactionID)
		}
		out, err = s.settle(ctx, tx, payment)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	s.afterSettle(ctx, out)
	return out, nil
}

// ActivateFromPayment is the admin path to the same activation, addressed by payment id.
func (s *Service) ActivateFromPayment(ctx context.Context, userID, paymentID int64) (Outcome, error) {
	var out Outcome
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		payment, err := tx.GetPayment(ctx, paymentID, true)
		if err != nil {
			return notFound(err, "payment %d", paymentID)
		}
		if payment.UserID != userID {
			return fmt.Errorf("%w: payment %d for user %d", ErrNotFound, paymentID, userID)
		}
		out, err = s.settle(ctx, tx, payment)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	s.afterSettle(ctx, out)
	return out, nil
}

// settle runs with the payment row locked.
func (s *Service) settle(ctx context.Context, tx store.Tx, payment models.Payment) (Outcome, error) {
	out := Outcome{Payment: payment}
	if payment.Status == models.PaymentSuccess {
		out.AlreadyConfirmed = true
		inst, err := tx.InstanceByPayment(ctx, payment.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Outcome{}, err
		}
		out.Instance = inst
		if payment.PlanID != nil {
			if plan, err := tx.GetPlan(ctx, *payment.PlanID); err == nil {
				out.Plan = plan
			}
		}
		return out, nil
	}
	if payment.PlanID == nil {
		return Outcome{}, fmt.Errorf("%w: payment %s has no plan", ErrNotFound, payment.TransactionID)
	}
	plan, err := tx.GetPlan(ctx, *payment.PlanID)
	if err != nil {
		return Outcome{}, notFound(err, "plan %d", *payment.PlanID)
	}
	if err := tx.LockUser(ctx, payment.UserID, true); err != nil {
		return Outcome{}, notFound(err, "user %d", payment.UserID)
	}
	user, err := tx.GetUser(ctx, payment.UserID)
	if err != nil {
		return Outcome{}, notFound(err, "user %d", payment.UserID)
	}

	confirmedAt := s.clock()
	if err := tx.MarkPaymentSucceeded(ctx, payment.ID, confirmedAt); err != nil {
		return Outcome{}, err
	}
	payment.Status = models.PaymentSuccess
	payment.ConfirmedAt = &confirmedAt

	inst, err := s.activate(ctx, tx, activation{
		userID:  payment.UserID,
		plan:    plan,
		payment: &payment,
		reason:  models.ReasonPaymentActivation,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Payment: payment, Plan: plan, Instance: inst, User: user}, nil
}

func (s *Service) afterSettle(ctx context.Context, out Outcome) {
	if out.AlreadyConfirmed {
		log.Printf("[INFO] payment %s already confirmed, no changes", out.Payment.TransactionID)
		return
	}
	s.cache.Invalidate(ctx, out.Payment.UserID)
	log.Printf("[INFO] payment %s confirmed: user=%d plan=%s instance=%d scans=%d",
		out.Payment.TransactionID, out.Payment.UserID, out.Plan.Name, out.Instance.ID, out.Instance.RemainingScans)
}

func (s *Service) PaymentByTransactionID(ctx context.Context, transactionID string) (models.Payment, error) {
	var payment models.Payment
	err := s.store.Read(ctx, func(q store.Tx) error {
		var err error
		payment, err = q.GetPaymentByTransactionID(ctx, transactionID, false)
		return err
	})
	if err != nil {
		return models.Payment{}, notFound(err, "payment %s", transactionID)
	}
	return payment, nil
}

// ListPayments returns the user's payments, newest first.
func (s *Service) ListPayments(ctx context.Context, userID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.store.Read(ctx, func(q store.Tx) error {
		if _, err := q.GetUser(ctx, userID); err != nil {
			return notFound(err, "user %d", userID)
		}
		var err error
		payments, err = q.ListPayments(ctx, userID)
		return err
	})
	return payments, err
}
