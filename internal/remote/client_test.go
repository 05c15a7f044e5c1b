// Package remote tests for the HTTP client and error classification.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/lhsu/syncbox/internal/errors"
	"github.com/lhsu/syncbox/internal/models"
)

// TestClient_BulkMutate verifies the request shape and blanket success.
func TestClient_BulkMutate(t *testing.T) {
	var gotAuth string
	var gotBody struct {
		Items []Mutation `json:"items"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/bulk" || r.Method != http.MethodPost {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok123", time.Second)
	result, err := client.BulkMutate(context.Background(), []Mutation{
		{OperationID: "op1", Action: "create", Kind: "report", EntityID: "r1", Payload: []byte(`{"a":1}`)},
	})
	if err != nil {
		t.Fatalf("BulkMutate() failed: %v", err)
	}

	if gotAuth != "Bearer tok123" {
		t.Errorf("Missing bearer token, got %q", gotAuth)
	}
	if len(gotBody.Items) != 1 || gotBody.Items[0].EntityID != "r1" {
		t.Errorf("Unexpected request body: %+v", gotBody)
	}
	if len(result.Results) != 0 {
		t.Errorf("Empty body should mean blanket success, got %+v", result)
	}
}

// TestClient_BulkMutate_perItem verifies per-item results decode.
func TestClient_BulkMutate_perItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(BulkResult{Results: []ItemResult{
			{OperationID: "op1", EntityID: "r1", OK: true},
			{OperationID: "op2", EntityID: "r2", OK: false, Code: "conflict",
				Remote: &Snapshot{ID: "r2", Kind: "report", Version: 7, LastModified: 900,
					Data: models.FieldMap{"title": "server copy"}}},
		}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	result, err := client.BulkMutate(context.Background(), []Mutation{{OperationID: "op1"}, {OperationID: "op2"}})
	if err != nil {
		t.Fatalf("BulkMutate() failed: %v", err)
	}

	if len(result.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(result.Results))
	}
	conflicted := result.Results[1]
	if conflicted.ErrorCode() != apperrors.ErrSyncConflict {
		t.Errorf("Expected conflict code, got %s", conflicted.ErrorCode())
	}
	if conflicted.Remote == nil || conflicted.Remote.Version != 7 {
		t.Errorf("Remote snapshot not decoded: %+v", conflicted.Remote)
	}

	rec := conflicted.Remote.ToRecord()
	if rec.ID != "r2" || rec.SyncStatus != models.StatusSynced || rec.Version != 7 {
		t.Errorf("Unexpected record from snapshot: %+v", rec)
	}
}

// TestClient_statusClassification verifies HTTP status mapping onto the
// error taxonomy.
func TestClient_statusClassification(t *testing.T) {
	cases := []struct {
		status int
		code   apperrors.ErrorCode
	}{
		{http.StatusUnauthorized, apperrors.ErrSyncAuth},
		{http.StatusForbidden, apperrors.ErrSyncAuth},
		{http.StatusBadRequest, apperrors.ErrSyncValidation},
		{http.StatusUnprocessableEntity, apperrors.ErrSyncValidation},
		{http.StatusConflict, apperrors.ErrSyncConflict},
		{http.StatusNotFound, apperrors.ErrSyncNotFound},
		{http.StatusServiceUnavailable, apperrors.ErrSyncUnavailable},
		{http.StatusTooManyRequests, apperrors.ErrSyncUnavailable},
		{http.StatusInternalServerError, apperrors.ErrSyncServer},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		client := NewClient(server.URL, "", time.Second)
		_, err := client.BulkMutate(context.Background(), nil)
		if !apperrors.Is(err, tc.code) {
			t.Errorf("Status %d: expected %s, got %v", tc.status, tc.code, err)
		}
		server.Close()
	}
}

// TestClient_networkError verifies unreachable hosts classify as network
// failures.
func TestClient_networkError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", 500*time.Millisecond)

	err := client.Health(context.Background())
	code := apperrors.CodeOf(err)
	if code != apperrors.ErrSyncNetwork && code != apperrors.ErrSyncTimeout {
		t.Errorf("Expected network or timeout code, got %s", code)
	}
	if !apperrors.Retryable(code) {
		t.Error("Transport failures must be retryable")
	}
}

// TestClient_FetchReference verifies the incremental query parameter.
func TestClient_FetchReference(t *testing.T) {
	var gotPath, gotQuery string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []*Snapshot{{ID: "c1", Version: 1, LastModified: 1500,
				Data: models.FieldMap{"code": "USD"}}},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	items, err := client.FetchReference(context.Background(), "currencies", 1234)
	if err != nil {
		t.Fatalf("FetchReference() failed: %v", err)
	}

	if gotPath != "/v1/reference/currencies" {
		t.Errorf("Unexpected path: %s", gotPath)
	}
	if gotQuery != "updatedAfter=1234" {
		t.Errorf("Unexpected query: %s", gotQuery)
	}
	if len(items) != 1 || items[0].ID != "c1" {
		t.Errorf("Unexpected items: %+v", items)
	}

	// First fetch sends no cursor
	if _, err := client.FetchReference(context.Background(), "currencies", 0); err != nil {
		t.Fatalf("FetchReference() failed: %v", err)
	}
	if gotQuery != "" {
		t.Errorf("Zero cursor should omit the parameter, got %s", gotQuery)
	}
}

// TestClient_Health verifies the probe.
func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", time.Second)
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health() failed: %v", err)
	}
}
