package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"notifications/internal/platform/metrics"
	"notifications/internal/platform/models"
	"notifications/internal/platform/repositories"
)

type Options struct {
	// AcceptLegacyOutcome lets the string "outcome" field mark a delivery as
	// successful. Remove once the boolean field is the only one sent.
	AcceptLegacyOutcome bool
}

// Ledger is the single merge point for delivery outcomes: a stub is created
// before the attempt and patched exactly once when the outcome arrives.
type Ledger struct {
	repo    *repositories.HistoryRepository
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewLedger(repo *repositories.HistoryRepository, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		repo:    repo,
		opts:    opts,
		logger:  logger.With().Str("component", "history_ledger").Logger(),
		metrics: m,
	}
}

// Create persists a history stub. The endpoint reference is dropped if the
// endpoint no longer exists; the type snapshot is always kept.
func (l *Ledger) Create(ctx context.Context, h *models.NotificationHistory) error {
	if h == nil {
		return fmt.Errorf("%w: history is required", ErrInvalidArgument)
	}
	if _, err := uuid.Parse(h.ID); err != nil {
		return fmt.Errorf("%w: history id %q is not a valid UUID", ErrInvalidArgument, h.ID)
	}
	if strings.TrimSpace(h.EventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidArgument)
	}
	if h.EndpointType == "" {
		return fmt.Errorf("%w: endpoint type is required", ErrInvalidArgument)
	}
	if h.CreatedAt == 0 {
		h.CreatedAt = time.Now().Unix()
	}

	if err := l.repo.Create(ctx, h); err != nil {
		l.metrics.HistoryWrite("create", "error")
		return fmt.Errorf("create history %s: %w", h.ID, err)
	}

	l.metrics.HistoryWrite("create", "ok")
	l.logger.Debug().Str("history_id", h.ID).Str("event_id", h.EventID).Msg("history stub created")
	return nil
}

// Patch merges a delivery outcome into its history row. Exactly one unpatched
// row must change. Otherwise the update is rolled back and the error is
// ErrNotFound, ErrAlreadyPatched or ErrConsistency.
func (l *Ledger) Patch(ctx context.Context, payload map[string]any) (bool, error) {
	outcome, err := ParseOutcome(payload)
	if err != nil {
		l.metrics.HistoryWrite("patch", "invalid")
		return false, err
	}

	result := outcome.Succeeded(l.opts.AcceptLegacyOutcome)
	details := outcome.MergedDetails()

	tx, err := l.repo.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	count, err := l.repo.UpdateOutcomeTx(ctx, tx, outcome.HistoryID, details, result, outcome.DurationMillis, time.Now().Unix())
	if err != nil {
		l.metrics.HistoryWrite("patch", "error")
		return false, fmt.Errorf("patch history %s: %w", outcome.HistoryID, err)
	}

	switch {
	case count == 0:
		exists, err := l.repo.ExistsTx(ctx, tx, outcome.HistoryID)
		if err != nil {
			l.metrics.HistoryWrite("patch", "error")
			return false, fmt.Errorf("patch history %s: %w", outcome.HistoryID, err)
		}
		if exists {
			l.metrics.HistoryWrite("patch", "duplicate")
			l.logger.Warn().Str("history_id", outcome.HistoryID).Msg("outcome already recorded, ignoring second patch")
			return false, fmt.Errorf("%w: %s", ErrAlreadyPatched, outcome.HistoryID)
		}
		l.metrics.HistoryWrite("patch", "not_found")
		return false, fmt.Errorf("%w: update of history %s returned no rows", ErrNotFound, outcome.HistoryID)
	case count > 1:
		l.metrics.HistoryWrite("patch", "consistency")
		l.logger.Error().Str("history_id", outcome.HistoryID).Int64("count", count).Msg("history update touched more than one row")
		return false, fmt.Errorf("%w: update count for history %s was %d", ErrConsistency, outcome.HistoryID, count)
	}

	if err := tx.Commit(); err != nil {
		l.metrics.HistoryWrite("patch", "error")
		return false, fmt.Errorf("patch history %s: %w", outcome.HistoryID, err)
	}
	committed = true

	l.metrics.HistoryWrite("patch", "ok")
	l.logger.Debug().
		Str("history_id", outcome.HistoryID).
		Bool("successful", result).
		Int64("duration_ms", outcome.DurationMillis).
		Msg("history outcome recorded")
	return true, nil
}

// FindEndpointForHistory returns the endpoint a history row points to, or nil
// when it never resolved or has since disappeared.
func (l *Ledger) FindEndpointForHistory(ctx context.Context, historyID string) (*models.Endpoint, error) {
	if _, err := uuid.Parse(historyID); err != nil {
		return nil, fmt.Errorf("%w: history id %q is not a valid UUID", ErrInvalidArgument, historyID)
	}
	return l.repo.FindEndpoint(ctx, historyID)
}

func (l *Ledger) Get(ctx context.Context, historyID string) (*models.NotificationHistory, error) {
	if _, err := uuid.Parse(historyID); err != nil {
		return nil, fmt.Errorf("%w: history id %q is not a valid UUID", ErrInvalidArgument, historyID)
	}
	h, err := l.repo.GetByID(ctx, historyID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, historyID)
	}
	return h, nil
}
