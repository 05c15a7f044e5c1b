// Package db tests for the record store.
package db

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/lhsu/syncbox/internal/models"
)

func testRecord(id string) *models.Record {
	return &models.Record{
		ID:           models.UUID(id),
		Kind:         "report",
		Data:         models.FieldMap{"title": "Q3 numbers", "region": "emea"},
		Version:      1,
		SyncStatus:   models.StatusPending,
		LastModified: 1700000000,
	}
}

// TestStore_PutGet verifies the upsert round trip.
func TestStore_PutGet(t *testing.T) {
	store := NewStore(testDB(t))

	rec := testRecord("r1")
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := store.Get("report", "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Data["title"] != "Q3 numbers" {
		t.Errorf("Unexpected data: %v", got.Data)
	}
	if got.Version != 1 || got.SyncStatus != models.StatusPending {
		t.Errorf("Metadata not persisted: v%d %s", got.Version, got.SyncStatus)
	}

	// Upsert replaces
	rec.Version = 2
	rec.Data = models.FieldMap{"title": "Q3 numbers, revised"}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Second Put() failed: %v", err)
	}
	got, err = store.Get("report", "r1")
	if err != nil {
		t.Fatalf("Get() after upsert failed: %v", err)
	}
	if got.Version != 2 || got.Data["title"] != "Q3 numbers, revised" {
		t.Errorf("Upsert did not replace: v%d %v", got.Version, got.Data)
	}
}

// TestStore_Get_missing verifies the sentinel error.
func TestStore_Get_missing(t *testing.T) {
	store := NewStore(testDB(t))

	_, err := store.Get("report", "no-such-id")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
}

// TestStore_ListByIndex verifies declared secondary keys are queryable.
func TestStore_ListByIndex(t *testing.T) {
	store := NewStore(testDB(t))
	store.DeclareIndex("report", func(data models.FieldMap) map[string]string {
		region, _ := data["region"].(string)
		return map[string]string{"region": region}
	})

	a := testRecord("r1")
	b := testRecord("r2")
	b.Data = models.FieldMap{"title": "APAC", "region": "apac"}
	for _, rec := range []*models.Record{a, b} {
		if err := store.Put(rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	recs, err := store.ListByIndex("report", "region", "emea")
	if err != nil {
		t.Fatalf("ListByIndex() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "r1" {
		t.Errorf("Expected only r1, got %d records", len(recs))
	}

	// Re-put with a changed key moves the index entry
	a.Data["region"] = "apac"
	if err := store.Put(a); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	recs, err = store.ListByIndex("report", "region", "apac")
	if err != nil {
		t.Fatalf("ListByIndex() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Expected both records under apac, got %d", len(recs))
	}
}

// TestStore_ListByStatus verifies status filtering.
func TestStore_ListByStatus(t *testing.T) {
	store := NewStore(testDB(t))

	pending := testRecord("r1")
	synced := testRecord("r2")
	synced.SyncStatus = models.StatusSynced
	for _, rec := range []*models.Record{pending, synced} {
		if err := store.Put(rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	recs, err := store.ListByStatus("report", models.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "r1" {
		t.Errorf("Expected only pending r1, got %d records", len(recs))
	}
}

// TestStore_BulkPut verifies the batch upsert stamps the kind.
func TestStore_BulkPut(t *testing.T) {
	store := NewStore(testDB(t))

	recs := []*models.Record{
		{ID: "c1", Data: models.FieldMap{"code": "USD"}, Version: 1, SyncStatus: models.StatusSynced},
		{ID: "c2", Data: models.FieldMap{"code": "EUR"}, Version: 1, SyncStatus: models.StatusSynced},
	}
	if err := store.BulkPut("currency", recs); err != nil {
		t.Fatalf("BulkPut() failed: %v", err)
	}

	got, err := store.Get("currency", "c1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Data["code"] != "USD" {
		t.Errorf("Unexpected data: %v", got.Data)
	}
}

// TestStore_Delete verifies removal and index cascade.
func TestStore_Delete(t *testing.T) {
	store := NewStore(testDB(t))
	store.DeclareIndex("report", func(data models.FieldMap) map[string]string {
		return map[string]string{"region": "emea"}
	})

	if err := store.Put(testRecord("r1")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := store.Delete("report", "r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if _, err := store.Get("report", "r1"); !errors.Is(err, sql.ErrNoRows) {
		t.Error("Record should be gone")
	}
	recs, err := store.ListByIndex("report", "region", "emea")
	if err != nil {
		t.Fatalf("ListByIndex() failed: %v", err)
	}
	if len(recs) != 0 {
		t.Error("Index entries should cascade on delete")
	}

	if err := store.Delete("report", "r1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Deleting a missing record should return sql.ErrNoRows, got %v", err)
	}
}

// TestStore_ConflictLog verifies conflict history persistence.
func TestStore_ConflictLog(t *testing.T) {
	store := NewStore(testDB(t))

	entries := []*models.ConflictLog{
		{ID: "cl1", EntityID: "r1", Kind: "report", LocalVersion: 2, RemoteVersion: 3,
			Resolution: "server-wins", DetectedAt: 100},
		{ID: "cl2", EntityID: "r1", Kind: "report", LocalVersion: 4, RemoteVersion: 5,
			Resolution: "smart-merge", DetectedAt: 200},
	}
	for _, entry := range entries {
		if err := store.CreateConflictLog(entry); err != nil {
			t.Fatalf("CreateConflictLog() failed: %v", err)
		}
	}

	logs, err := store.ListConflictLogs("r1")
	if err != nil {
		t.Fatalf("ListConflictLogs() failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(logs))
	}
	// Newest first
	if logs[0].ID != "cl2" || logs[0].Resolution != "smart-merge" {
		t.Errorf("Unexpected ordering: %s first", logs[0].ID)
	}
}
