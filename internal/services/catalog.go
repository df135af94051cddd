package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"scanledger/internal/models"
	"scanledger/internal/store"
)

// GetPlan resolves a plan by numeric id or by name.
func (s *Service) GetPlan(ctx context.Context, ref string) (models.Plan, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.Plan{}, fmt.Errorf("%w: empty plan reference", ErrInvalidRequest)
	}
	var plan models.Plan
	err := s.store.Read(ctx, func(q store.Tx) error {
		var err error
		if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
			plan, err = q.GetPlan(ctx, id)
		} else {
			plan, err = q.GetPlanByName(ctx, ref)
		}
		return err
	})
	if err != nil {
		return models.Plan{}, notFound(err, "plan %q", ref)
	}
	return plan, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := s.store.Read(ctx, func(q store.Tx) error {
		var err error
		plans, err = q.ListPlans(ctx)
		return err
	})
	return plans, err
}

// RequireDefaultPlan fails when the configured default plan is absent from the catalog.
func (s *Service) RequireDefaultPlan(ctx context.Context) (models.Plan, error) {
	var plan models.Plan
	err := s.store.Read(ctx, func(q store.Tx) error {
		var err error
		plan, err = s.defaultPlan(ctx, q)
		return err
	})
	return plan, err
}

func (s *Service) defaultPlan(ctx context.Context, q store.Tx) (models.Plan, error) {
	plan, err := q.GetPlanByName(ctx, s.config.DefaultPlan)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Plan{}, fmt.Errorf("%w: %q", ErrDefaultPlanMissing, s.config.DefaultPlan)
		}
		return models.Plan{}, err
	}
	return plan, nil
}
