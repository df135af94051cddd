package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"scanledger/internal/models"
	"scanledger/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type Registration struct {
	Login    string `json:"login" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// RegisterUser creates the user and grants the default plan in one unit of work.
// Without a default plan nothing is created.
func (s *Service) RegisterUser(ctx context.Context, r Registration) (models.User, models.Status, error) {
	r.Login = strings.TrimSpace(r.Login)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if err := s.validate.Struct(r); err != nil {
		return models.User{}, models.Status{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(r.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, models.Status{}, err
	}

	user := models.User{
		Login:        r.Login,
		Email:        r.Email,
		PasswordHash: string(passwordHash),
		Role:         models.UserRoleUser,
	}
	var status models.Status
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertUser(ctx, &user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: login or email taken", ErrAlreadyExists)
			}
			return err
		}
		plan, inst, err := s.grantDefault(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		status = models.Status{PlanName: plan.Name, RemainingScans: inst.RemainingScans}
		return nil
	})
	if err != nil {
		return models.User{}, models.Status{}, err
	}
	log.Printf("[INFO] user registered id=%d login=%s plan=%s", user.ID, user.Login, status.PlanName)
	return user, status, nil
}

// GrantDefaultPlan activates the configured default plan for an existing user.
func (s *Service) GrantDefaultPlan(ctx context.Context, userID int64) (models.SubscriptionInstance, error) {
	var inst models.SubscriptionInstance
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockUser(ctx, userID, true); err != nil {
			return notFound(err, "user %d", userID)
		}
		var err error
		_, inst, err = s.grantDefault(ctx, tx, userID)
		return err
	})
	if err != nil {
		return models.SubscriptionInstance{}, err
	}
	s.cache.Invalidate(ctx, userID)
	return inst, nil
}

func (s *Service) grantDefault(ctx context.Context, tx store.Tx, userID int64) (models.Plan, models.SubscriptionInstance, error) {
	plan, err := s.defaultPlan(ctx, tx)
	if err != nil {
		log.Printf("[ERROR] default grant for user %d: %v", userID, err)
		return models.Plan{}, models.SubscriptionInstance{}, err
	}
	inst, err := s.activate(ctx, tx, activation{userID: userID, plan: plan, reason: models.ReasonDefaultGrant})
	return plan, inst, err
}

// AssignPlan replaces the user's active instance with a fresh one for planName, without a payment.
func (s *Service) AssignPlan(ctx context.Context, userID int64, planName string) (models.SubscriptionInstance, error) {
	planName = strings.TrimSpace(planName)
	if planName == "" {
		return models.SubscriptionInstance{}, fmt.Errorf("%w: empty plan name", ErrInvalidRequest)
	}
	var inst models.SubscriptionInstance
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		plan, err := tx.GetPlanByName(ctx, planName)
		if err != nil {
			return notFound(err, "plan %q", planName)
		}
		if err := tx.LockUser(ctx, userID, true); err != nil {
			return notFound(err, "user %d", userID)
		}
		inst, err = s.activate(ctx, tx, activation{userID: userID, plan: plan, reason: models.ReasonAdminGrant})
		return err
	})
	if err != nil {
		return models.SubscriptionInstance{}, err
	}
	s.cache.Invalidate(ctx, userID)
	log.Printf("[INFO] plan %s assigned to user %d instance=%d", planName, userID, inst.ID)
	return inst, nil
}

func (s *Service) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var user models.User
	err := s.store.Read(ctx, func(q store.Tx) error {
		var err error
		user, err = q.GetUser(ctx, userID)
		return notFound(err, "user %d", userID)
	})
	return user, err
}
