package usecase

import (
	"context"

	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/pkg/sbs"
)

// LastSeen is the most recently processed line with its parsed form.
type LastSeen struct {
	Line   string                `json:"line"`
	Report domain.AircraftReport `json:"report"`
}

// LastSeenUseCase reads the last-seen cache.
type LastSeenUseCase struct {
	cache domain.LastSeenCache
}

func NewLastSeenUseCase(cache domain.LastSeenCache) *LastSeenUseCase {
	return &LastSeenUseCase{cache: cache}
}

// Get returns domain.ErrNotFound until the consumer has processed a line.
func (uc *LastSeenUseCase) Get(ctx context.Context) (*LastSeen, error) {
	line, err := uc.cache.GetLast(ctx)
	if err != nil {
		return nil, err
	}
	return &LastSeen{Line: line, Report: sbs.Parse(line)}, nil
}
