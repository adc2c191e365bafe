package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"notifications/internal/platform/database"
	"notifications/internal/platform/models"
)

// ErrStatusNotUpdated means the row vanished, had already reached a terminal
// status, or its lease passed to another worker.
var ErrStatusNotUpdated = errors.New("endpoint status not updated")

const endpointColumns = `id, name, endpoint_type, endpoint_sub_type, status, extras, created_at, updated_at`

type EndpointRepository struct {
	db *database.DB
}

func NewEndpointRepository(db *database.DB) *EndpointRepository {
	return &EndpointRepository{db: db}
}

// PendingFilter narrows the readiness selection to the managed endpoint kind.
// An empty SubTypes matches every sub type of Type.
type PendingFilter struct {
	Type     models.EndpointType
	SubTypes []string
}

func (r *EndpointRepository) Create(ctx context.Context, ep *models.Endpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.Status == "" {
		ep.Status = models.EndpointStatusPending
	}
	now := time.Now().Unix()
	ep.CreatedAt = now
	ep.UpdatedAt = now

	extras := ep.Extras
	if extras == nil {
		extras = map[string]string{}
	}
	extrasJSON, err := json.Marshal(extras)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		INSERT INTO endpoints (id, name, endpoint_type, endpoint_sub_type, status, extras, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query, ep.ID, ep.Name, string(ep.Type), ep.SubType, string(ep.Status), string(extrasJSON), ep.CreatedAt, ep.UpdatedAt)
	return err
}

func (r *EndpointRepository) GetByID(ctx context.Context, id string) (*models.Endpoint, error) {
	query := r.db.Rebind(`SELECT ` + endpointColumns + ` FROM endpoints WHERE id = ?`)
	ep, err := scanEndpoint(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ep, nil
}

func (r *EndpointRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM endpoints WHERE id = ?`), id)
	return err
}

// RowLocks reports whether LockPendingTx holds row locks. When it does not,
// callers claim rows with ClaimPending instead.
func (r *EndpointRepository) RowLocks() bool {
	return r.db.RowLocks()
}

// BeginLocking opens the transaction LockPendingTx and CompleteLeaseTx run in.
// On SQLite it takes the database write lock, so keep it short there.
func (r *EndpointRepository) BeginLocking(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// LockPendingTx selects up to limit non-terminal endpoints matching filter and
// locks them exclusively for the lifetime of tx. Rows locked by another
// transaction are left out of the result instead of being waited on.
func (r *EndpointRepository) LockPendingTx(ctx context.Context, tx *sql.Tx, filter PendingFilter, limit int) ([]*models.Endpoint, error) {
	query, args := r.pendingQuery(filter, limit, time.Time{})
	return r.queryEndpoints(ctx, tx, query, args)
}

// ClaimPending leases up to limit non-terminal endpoints matching filter to
// owner until now+ttl. Rows under another unexpired lease are skipped. The
// claim commits before returning, so no lock is held while the caller works
// on the rows. The lease columns only exist in the SQLite schema.
func (r *EndpointRepository) ClaimPending(ctx context.Context, filter PendingFilter, limit int, owner string, now time.Time, ttl time.Duration) ([]*models.Endpoint, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query, args := r.pendingQuery(filter, limit, now)
	endpoints, err := r.queryEndpoints(ctx, tx, query, args)
	if err != nil || len(endpoints) == 0 {
		return nil, err
	}

	placeholders := make([]string, len(endpoints))
	claimArgs := []any{owner, now.Add(ttl).UnixMilli()}
	for i, ep := range endpoints {
		placeholders[i] = "?"
		claimArgs = append(claimArgs, ep.ID)
	}
	claim := r.db.Rebind(`UPDATE endpoints SET lease_owner = ?, lease_expires_at = ? WHERE id IN (` + strings.Join(placeholders, ", ") + `)`)
	if _, err := tx.ExecContext(ctx, claim, claimArgs...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// CompleteLeaseTx moves an endpoint leased by owner to status and frees the
// lease. It fails with ErrStatusNotUpdated if the lease was lost.
func (r *EndpointRepository) CompleteLeaseTx(ctx context.Context, tx *sql.Tx, id, owner string, status models.EndpointStatus) error {
	notTerminal, terminalArgs := terminalFilter()
	query := r.db.Rebind(`
		UPDATE endpoints SET status = ?, updated_at = ?, lease_owner = NULL, lease_expires_at = 0
		WHERE id = ? AND lease_owner = ? AND ` + notTerminal)
	args := append([]any{string(status), time.Now().Unix(), id, owner}, terminalArgs...)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// ReleaseLeases frees every lease still held by owner.
func (r *EndpointRepository) ReleaseLeases(ctx context.Context, owner string) error {
	query := r.db.Rebind(`UPDATE endpoints SET lease_owner = NULL, lease_expires_at = 0 WHERE lease_owner = ?`)
	_, err := r.db.ExecContext(ctx, query, owner)
	return err
}

// UpdateStatusTx moves a non-terminal endpoint to status. Terminal rows are
// never rewritten.
func (r *EndpointRepository) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status models.EndpointStatus) error {
	notTerminal, terminalArgs := terminalFilter()
	query := r.db.Rebind(`
		UPDATE endpoints SET status = ?, updated_at = ?
		WHERE id = ? AND ` + notTerminal)
	args := append([]any{string(status), time.Now().Unix(), id}, terminalArgs...)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("endpoint %s: %w", id, ErrStatusNotUpdated)
	}
	return nil
}

// pendingQuery builds the readiness selection. A non-zero leaseFreeAt keeps
// only rows whose lease has expired by then.
func (r *EndpointRepository) pendingQuery(filter PendingFilter, limit int, leaseFreeAt time.Time) (string, []any) {
	var b strings.Builder
	args := []any{string(filter.Type)}

	b.WriteString(`SELECT ` + endpointColumns + ` FROM endpoints WHERE endpoint_type = ?`)
	if len(filter.SubTypes) > 0 {
		b.WriteString(` AND endpoint_sub_type IN (`)
		for i, subType := range filter.SubTypes {
			if i > 0 {
				b.WriteString(`, `)
			}
			b.WriteString(`?`)
			args = append(args, subType)
		}
		b.WriteString(`)`)
	}
	notTerminal, terminalArgs := terminalFilter()
	b.WriteString(` AND ` + notTerminal)
	args = append(args, terminalArgs...)

	if !leaseFreeAt.IsZero() {
		b.WriteString(` AND lease_expires_at <= ?`)
		args = append(args, leaseFreeAt.UnixMilli())
	}
	b.WriteString(` ORDER BY created_at ASC, id ASC`)

	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	if r.db.Dialect == database.Postgres {
		b.WriteString(` FOR UPDATE SKIP LOCKED`)
	}
	return r.db.Rebind(b.String()), args
}

func (r *EndpointRepository) queryEndpoints(ctx context.Context, tx *sql.Tx, query string, args []any) ([]*models.Endpoint, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*models.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// terminalFilter renders "status NOT IN (...)" over models.TerminalStatuses.
func terminalFilter() (string, []any) {
	placeholders := make([]string, len(models.TerminalStatuses))
	args := make([]any, len(models.TerminalStatuses))
	for i, status := range models.TerminalStatuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	return `status NOT IN (` + strings.Join(placeholders, ", ") + `)`, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*models.Endpoint, error) {
	var ep models.Endpoint
	var endpointType, status string
	var extras []byte

	if err := row.Scan(&ep.ID, &ep.Name, &endpointType, &ep.SubType, &status, &extras, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		return nil, err
	}
	ep.Type = models.EndpointType(endpointType)
	ep.Status = models.EndpointStatus(status)

	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &ep.Extras); err != nil {
			return nil, fmt.Errorf("endpoint %s: invalid extras: %w", ep.ID, err)
		}
	}
	return &ep, nil
}
