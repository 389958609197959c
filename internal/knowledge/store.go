package knowledge

import (
	"context"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// PatternStore abstracts the external store holding learned patterns.
type PatternStore interface {
	// ListActive returns every pattern whose active flag is set.
	ListActive(ctx context.Context) ([]models.LearnedPattern, error)
	// Create persists a new pattern and returns the stored record.
	Create(ctx context.Context, pattern models.LearnedPattern) (models.LearnedPattern, error)
	// CountByType returns pattern counts grouped by pattern type.
	CountByType(ctx context.Context) (map[string]int, error)
	// CountHighConfidence counts patterns at or above the threshold.
	CountHighConfidence(ctx context.Context, threshold float64) (int, error)
	// RecordApplied updates a pattern's usage statistics after an action
	// outcome is known.
	RecordApplied(ctx context.Context, patternID string, success bool) error
	// RecordMatch bumps match bookkeeping for a pattern.
	RecordMatch(ctx context.Context, patternID string) error
}
