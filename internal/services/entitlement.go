package services

import (
	"context"
	"fmt"
	"strings"

	"scanledger/internal/models"
	"scanledger/internal/store"
)

// GetStatus reports the plan and remaining scans of the user's entitled instance,
// or NoStatus when there is none. It takes no locks and may serve a cached value.
func (s *Service) GetStatus(ctx context.Context, userID int64) (models.Status, error) {
	if status, ok := s.cache.Get(ctx, userID); ok {
		return status, nil
	}
	var status models.Status
	err := s.store.Read(ctx, func(q store.Tx) error {
		var err error
		status, err = s.status(ctx, q, userID)
		return err
	})
	if err != nil {
		return models.Status{}, err
	}
	s.cache.Set(ctx, userID, status)
	return status, nil
}

// UserByLogin resolves a login to its user.
func (s *Service) UserByLogin(ctx context.Context, login string) (models.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return models.User{}, fmt.Errorf("%w: empty login", ErrInvalidRequest)
	}
	var user models.User
	err := s.store.Read(ctx, func(q store.Tx) error {
		var err error
		user, err = q.GetUserByLogin(ctx, login)
		return notFound(err, "user %q", login)
	})
	return user, err
}

// StatusByLogin resolves the user by login before reading the status.
func (s *Service) StatusByLogin(ctx context.Context, login string) (models.User, models.Status, error) {
	user, err := s.UserByLogin(ctx, login)
	if err != nil {
		return models.User{}, models.Status{}, err
	}
	status, err := s.GetStatus(ctx, user.ID)
	return user, status, err
}

func (s *Service) status(ctx context.Context, q store.Tx, userID int64) (models.Status, error) {
	if _, err := q.GetUser(ctx, userID); err != nil {
		return models.Status{}, notFound(err, "user %d", userID)
	}
	active, err := q.ActiveInstances(ctx, userID, false)
	if err != nil {
		return models.Status{}, err
	}
	switch {
	case len(active) > 1:
		return models.Status{}, s.integrityViolation(userID, len(active))
	case len(active) == 0:
		return models.NoStatus, nil
	}
	inst := active[0]
	if !inst.EndsAt.After(s.clock()) {
		return models.NoStatus, nil
	}
	plan, err := q.GetPlan(ctx, inst.PlanID)
	if err != nil {
		return models.Status{}, err
	}
	return models.Status{PlanName: plan.Name, RemainingScans: inst.RemainingScans}, nil
}

// ListInstances returns the user's entitlement history, newest first.
func (s *Service) ListInstances(ctx context.Context, userID int64) ([]models.SubscriptionInstance, error) {
	var instances []models.SubscriptionInstance
	err := s.store.Read(ctx, func(q store.Tx) error {
		if _, err := q.GetUser(ctx, userID); err != nil {
			return notFound(err, "user %d", userID)
		}
		var err error
		instances, err = q.ListInstances(ctx, userID)
		return err
	})
	return instances, err
}
