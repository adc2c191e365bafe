package repositories

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"notifications/internal/platform/config"
	"notifications/internal/platform/database"
	"notifications/internal/platform/models"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		URL:    "file:" + filepath.Join(t.TempDir(), "endpoints.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func TestEndpointRepository_CreateAndGet(t *testing.T) {
	repo := NewEndpointRepository(setupTestDB(t))
	ctx := context.Background()

	ep := &models.Endpoint{
		Name:    "slack alerts",
		Type:    models.EndpointTypeCamel,
		SubType: "slack",
		Extras:  map[string]string{models.ExtraProcessorID: "p-1"},
	}
	if err := repo.Create(ctx, ep); err != nil {
		t.Fatalf("Failed to create endpoint: %v", err)
	}
	if ep.ID == "" {
		t.Fatal("Expected generated id")
	}

	fetched, err := repo.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Failed to get endpoint: %v", err)
	}
	if fetched.Status != models.EndpointStatusPending {
		t.Errorf("Expected PENDING, got %s", fetched.Status)
	}
	if fetched.ProcessorID() != "p-1" {
		t.Errorf("Expected processor p-1, got %q", fetched.ProcessorID())
	}

	missing, err := repo.GetByID(ctx, "does-not-exist")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing endpoint, got %v, %v", missing, err)
	}
}

func TestEndpointRepository_LockPendingExcludesTerminalAndOtherKinds(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEndpointRepository(db)
	ctx := context.Background()

	seed := []*models.Endpoint{
		{ID: "pending", Type: models.EndpointTypeCamel, SubType: "slack", Status: models.EndpointStatusPending},
		{ID: "provisioning", Type: models.EndpointTypeCamel, SubType: "slack", Status: models.EndpointStatusProvisioning},
		{ID: "ready", Type: models.EndpointTypeCamel, SubType: "slack", Status: models.EndpointStatusReady},
		{ID: "failed", Type: models.EndpointTypeCamel, SubType: "slack", Status: models.EndpointStatusFailed},
		{ID: "teams", Type: models.EndpointTypeCamel, SubType: "teams", Status: models.EndpointStatusPending},
		{ID: "webhook", Type: models.EndpointTypeWebhook, Status: models.EndpointStatusPending},
	}
	for _, ep := range seed {
		if err := repo.Create(ctx, ep); err != nil {
			t.Fatalf("Failed to seed %s: %v", ep.ID, err)
		}
	}

	tx, err := repo.BeginLocking(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	defer tx.Rollback()

	got, err := repo.LockPendingTx(ctx, tx, PendingFilter{Type: models.EndpointTypeCamel, SubTypes: []string{"slack"}}, 10)
	if err != nil {
		t.Fatalf("LockPendingTx failed: %v", err)
	}

	ids := map[string]bool{}
	for _, ep := range got {
		ids[ep.ID] = true
	}
	if len(ids) != 2 || !ids["pending"] || !ids["provisioning"] {
		t.Errorf("Expected pending and provisioning only, got %v", ids)
	}
}

func TestEndpointRepository_LockPendingRespectsLimit(t *testing.T) {
	repo := NewEndpointRepository(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, &models.Endpoint{Type: models.EndpointTypeCamel, SubType: "slack"}); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
	}

	tx, err := repo.BeginLocking(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	defer tx.Rollback()

	got, err := repo.LockPendingTx(ctx, tx, PendingFilter{Type: models.EndpointTypeCamel}, 3)
	if err != nil {
		t.Fatalf("LockPendingTx failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 endpoints, got %d", len(got))
	}
}

func TestEndpointRepository_UpdateStatusNeverRewritesTerminal(t *testing.T) {
	repo := NewEndpointRepository(setupTestDB(t))
	ctx := context.Background()

	ep := &models.Endpoint{ID: "ep-1", Type: models.EndpointTypeCamel, SubType: "slack"}
	if err := repo.Create(ctx, ep); err != nil {
		t.Fatalf("Failed to create: %v", err)
	}

	tx, err := repo.BeginLocking(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	if err := repo.UpdateStatusTx(ctx, tx, "ep-1", models.EndpointStatusReady); err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	err = repo.UpdateStatusTx(ctx, tx, "ep-1", models.EndpointStatusFailed)
	if !errors.Is(err, ErrStatusNotUpdated) {
		t.Errorf("Expected ErrStatusNotUpdated, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	fetched, _ := repo.GetByID(ctx, "ep-1")
	if fetched.Status != models.EndpointStatusReady {
		t.Errorf("Expected READY to stick, got %s", fetched.Status)
	}
}

func TestEndpointRepository_PostgresUsesSkipLocked(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer sqlDB.Close()

	repo := NewEndpointRepository(database.New(sqlDB, database.Postgres))
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "name", "endpoint_type", "endpoint_sub_type", "status", "extras", "created_at", "updated_at"}).
		AddRow("ep-1", "", "camel", "slack", "PENDING", []byte(`{"processorId":"p-1"}`), 1700000000, 1700000000)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE endpoint_type = $1 AND endpoint_sub_type IN ($2) AND status NOT IN ($3, $4) ORDER BY created_at ASC, id ASC LIMIT $5 FOR UPDATE SKIP LOCKED`)).
		WithArgs("camel", "slack", "READY", "FAILED", 25).
		WillReturnRows(rows)
	mock.ExpectRollback()

	tx, err := repo.BeginLocking(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	got, err := repo.LockPendingTx(ctx, tx, PendingFilter{Type: models.EndpointTypeCamel, SubTypes: []string{"slack"}}, 25)
	if err != nil {
		t.Fatalf("LockPendingTx failed: %v", err)
	}
	tx.Rollback()

	if len(got) != 1 || got[0].ProcessorID() != "p-1" {
		t.Errorf("Unexpected endpoints: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestEndpointRepository_ClaimPendingSkipsLeasedRows(t *testing.T) {
	repo := NewEndpointRepository(setupTestDB(t))
	ctx := context.Background()
	filter := PendingFilter{Type: models.EndpointTypeCamel}
	now := time.Now()

	for _, id := range []string{"ep-1", "ep-2", "ep-3"} {
		if err := repo.Create(ctx, &models.Endpoint{ID: id, Type: models.EndpointTypeCamel, SubType: "slack"}); err != nil {
			t.Fatalf("Failed to seed %s: %v", id, err)
		}
	}

	first, err := repo.ClaimPending(ctx, filter, 2, "worker-a", now, time.Minute)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	second, err := repo.ClaimPending(ctx, filter, 10, "worker-b", now, time.Minute)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if len(first) != 2 || len(second) != 1 || second[0].ID != "ep-3" {
		t.Fatalf("Expected a 2/1 split, got %d and %d", len(first), len(second))
	}

	none, err := repo.ClaimPending(ctx, filter, 10, "worker-c", now, time.Minute)
	if err != nil || len(none) != 0 {
		t.Errorf("Expected nothing left to claim, got %d (%v)", len(none), err)
	}

	// Once the leases run out the rows can be claimed again.
	later, err := repo.ClaimPending(ctx, filter, 10, "worker-c", now.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("Late claim failed: %v", err)
	}
	if len(later) != 3 {
		t.Errorf("Expected every expired lease to be reclaimed, got %d", len(later))
	}
}

func TestEndpointRepository_CompleteLeaseRequiresOwner(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEndpointRepository(db)
	ctx := context.Background()
	filter := PendingFilter{Type: models.EndpointTypeCamel}

	if err := repo.Create(ctx, &models.Endpoint{ID: "ep-1", Type: models.EndpointTypeCamel}); err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}
	if _, err := repo.ClaimPending(ctx, filter, 10, "worker-a", time.Now().Add(-time.Hour), time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := repo.ClaimPending(ctx, filter, 10, "worker-b", time.Now(), time.Minute); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}

	tx, err := repo.BeginLocking(ctx)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	err = repo.CompleteLeaseTx(ctx, tx, "ep-1", "worker-a", models.EndpointStatusFailed)
	if !errors.Is(err, ErrStatusNotUpdated) {
		t.Errorf("Expected ErrStatusNotUpdated for a lost lease, got %v", err)
	}
	if err := repo.CompleteLeaseTx(ctx, tx, "ep-1", "worker-b", models.EndpointStatusReady); err != nil {
		t.Fatalf("Owner update failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	var owner *string
	var expires int64
	if err := db.QueryRow(`SELECT lease_owner, lease_expires_at FROM endpoints WHERE id = 'ep-1'`).Scan(&owner, &expires); err != nil {
		t.Fatalf("Failed to read lease: %v", err)
	}
	if owner != nil || expires != 0 {
		t.Errorf("Expected lease to be freed, got %v/%d", owner, expires)
	}
	if fetched, _ := repo.GetByID(ctx, "ep-1"); fetched.Status != models.EndpointStatusReady {
		t.Errorf("Expected READY, got %s", fetched.Status)
	}
}

func TestEndpointRepository_ReleaseLeases(t *testing.T) {
	repo := NewEndpointRepository(setupTestDB(t))
	ctx := context.Background()
	filter := PendingFilter{Type: models.EndpointTypeCamel}
	now := time.Now()

	if err := repo.Create(ctx, &models.Endpoint{ID: "ep-1", Type: models.EndpointTypeCamel}); err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}
	if _, err := repo.ClaimPending(ctx, filter, 10, "worker-a", now, time.Hour); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := repo.ReleaseLeases(ctx, "worker-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	got, err := repo.ClaimPending(ctx, filter, 10, "worker-b", now, time.Hour)
	if err != nil || len(got) != 1 {
		t.Errorf("Expected released row to be claimable, got %d (%v)", len(got), err)
	}
}
