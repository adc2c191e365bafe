package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"notifications/internal/platform/database"
	"notifications/internal/platform/models"
)

type HistoryRepository struct {
	db *database.DB
}

func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// Create inserts a history row. The endpoint reference is resolved by the
// subquery at insert time: if the endpoint is already gone it is stored as
// NULL while the type snapshot columns are kept as given.
func (r *HistoryRepository) Create(ctx context.Context, h *models.NotificationHistory) error {
	details, err := marshalDetails(h.Details)
	if err != nil {
		return err
	}

	var endpointID any
	if h.EndpointID != nil {
		endpointID = *h.EndpointID
	}

	query := r.db.Rebind(`
		INSERT INTO notification_history (id, invocation_time, invocation_result, details, event_id, endpoint_type, endpoint_sub_type, created, endpoint_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT id FROM endpoints WHERE id = ?))
	`)
	_, err = r.db.ExecContext(ctx, query, h.ID, h.InvocationTime, h.InvocationResult, details, h.EventID,
		string(h.EndpointType), h.EndpointSubType, h.CreatedAt, endpointID)
	return err
}

// UpdateOutcomeTx writes the delivery outcome to a row that has not been
// patched yet and returns the number of rows it touched. Checking that count
// is left to the caller.
func (r *HistoryRepository) UpdateOutcomeTx(ctx context.Context, tx *sql.Tx, id string, details map[string]any, result bool, invocationTime, patchedAt int64) (int64, error) {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return 0, err
	}

	query := r.db.Rebind(`
		UPDATE notification_history
		SET details = ?, invocation_result = ?, invocation_time = ?, patched_at = ?
		WHERE id = ? AND patched_at IS NULL
	`)
	res, err := tx.ExecContext(ctx, query, detailsJSON, result, invocationTime, patchedAt, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *HistoryRepository) ExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM notification_history WHERE id = ?`), id).Scan(&count)
	return count > 0, err
}

func (r *HistoryRepository) GetByID(ctx context.Context, id string) (*models.NotificationHistory, error) {
	query := r.db.Rebind(`
		SELECT id, event_id, endpoint_id, endpoint_type, endpoint_sub_type, invocation_time, invocation_result, details, created, patched_at
		FROM notification_history WHERE id = ?
	`)

	var h models.NotificationHistory
	var endpointID sql.NullString
	var endpointType string
	var details []byte
	var patchedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, id).Scan(&h.ID, &h.EventID, &endpointID, &endpointType, &h.EndpointSubType,
		&h.InvocationTime, &h.InvocationResult, &details, &h.CreatedAt, &patchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	h.EndpointType = models.EndpointType(endpointType)
	if endpointID.Valid {
		h.EndpointID = &endpointID.String
	}
	if patchedAt.Valid {
		h.PatchedAt = &patchedAt.Int64
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &h.Details); err != nil {
			return nil, fmt.Errorf("history %s: invalid details: %w", h.ID, err)
		}
	}
	return &h, nil
}

// FindEndpoint returns the endpoint referenced by a history row, or nil when
// the reference is NULL or no longer matches an endpoint.
func (r *HistoryRepository) FindEndpoint(ctx context.Context, historyID string) (*models.Endpoint, error) {
	query := r.db.Rebind(`
		SELECT e.id, e.name, e.endpoint_type, e.endpoint_sub_type, e.status, e.extras, e.created_at, e.updated_at
		FROM endpoints e
		JOIN notification_history h ON e.id = h.endpoint_id
		WHERE h.id = ?
	`)
	ep, err := scanEndpoint(r.db.QueryRowContext(ctx, query, historyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ep, nil
}

func marshalDetails(details map[string]any) (any, error) {
	if details == nil {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("invalid details: %w", err)
	}
	return string(b), nil
}
