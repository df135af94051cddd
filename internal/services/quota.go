package services

import (
	"context"
	"errors"
	"fmt"

	"scanledger/internal/models"
	"scanledger/internal/store"
)

// ConsumeScan takes one scan from the user's active instance and returns what is left.
// It never refunds; callers consume before running OCR.
func (s *Service) ConsumeScan(ctx context.Context, userID int64) (models.Status, error) {
	var status models.Status
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockUser(ctx, userID, false); err != nil {
			return notFound(err, "user %d", userID)
		}
		inst, planName, err := tx.ConsumeScan(ctx, userID, s.clock())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: user %d", ErrQuotaExceeded, userID)
			}
			return err
		}
		if err := tx.InsertEntry(ctx, &models.LedgerEntry{
			UserID:     userID,
			InstanceID: inst.ID,
			DeltaScans: -1,
			Reason:     models.ReasonScan,
		}); err != nil {
			return err
		}
		status = models.Status{PlanName: planName, RemainingScans: inst.RemainingScans}
		return nil
	})
	if err != nil {
		return models.Status{}, err
	}
	s.cache.Invalidate(ctx, userID)
	return status, nil
}
