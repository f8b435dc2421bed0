// Package service exposes the operations the API layer consumes: position
// queries, sync triggering, and decision runs.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// PositionService serves read access to the local position cache.
type PositionService struct {
	store  domain.PositionStore
	logger *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(store domain.PositionStore, logger *slog.Logger) *PositionService {
	return &PositionService{
		store:  store,
		logger: logger.With(slog.String("component", "position_service")),
	}
}

// GetPositionsByUser returns the user's positions, optionally filtered by
// status.
func (s *PositionService) GetPositionsByUser(ctx context.Context, userID string, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	positions, err := s.store.ListByUser(ctx, userID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("position_service: list for %q: %w", userID, err)
	}
	return positions, nil
}

// GetActivePositions returns every position in active or out_of_range state,
// across all users.
func (s *PositionService) GetActivePositions(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list active: %w", err)
	}
	return positions, nil
}

// GetPosition returns one position by id.
func (s *PositionService) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return pos, nil
}
