package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordColumns = []string{
	"id", "user_id", "organization_id", "action", "entity_type", "entity_id",
	"ip_address", "user_agent", "request_id", "metadata", "risk_level", "status", "created_at",
}

func TestStore_ListForOrganization(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE organization_id = \$1 AND user_id = \$2 AND action = ANY\(\$3\)`).
		WithArgs("org-1", "user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM audit_logs\s+WHERE organization_id = \$1 AND user_id = \$2 AND action = ANY\(\$3\)\s+ORDER BY created_at DESC\s+LIMIT \$4 OFFSET \$5`).
		WithArgs("org-1", "user-1", sqlmock.AnyArg(), 25, 0).
		WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
			"a-1", "user-1", "org-1", "data.export", "data_privacy_request", "req-1",
			"203.0.113.7", nil, "r-1", []byte(`{"row_count":3}`), "medium", "success", created,
		))

	store := NewStore(db, time.Second)
	records, total, err := store.ListForOrganization(context.Background(), "org-1", ListFilter{
		UserID:  "user-1",
		Actions: []Action{ActionDataExport},
		Limit:   25,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, ActionDataExport, rec.Action)
	assert.Equal(t, RiskMedium, rec.RiskLevel)
	assert.Equal(t, "", rec.UserAgent)
	assert.Equal(t, float64(3), rec.Metadata["row_count"])
	assert.Equal(t, created, rec.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportCSV(t *testing.T) {
	data, err := exportCSV([]Record{{
		ID:        "a-1",
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		RiskLevel: RiskLow,
		Status:    StatusSuccess,
		Entry:     Entry{Action: ActionDataRead, EntityType: "clients", Metadata: map[string]interface{}{"k": "v"}},
	}})
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "2026-02-01T09:00:00Z", rows[1][1])
	assert.Equal(t, `{"k":"v"}`, rows[1][12])
}

func passthrough(next http.Handler) http.Handler { return next }

func TestHandlers_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("FROM audit_logs").WithArgs("org-1", 50, 0).
		WillReturnRows(sqlmock.NewRows(recordColumns))

	router := mux.NewRouter()
	NewHandlers(NewStore(db, time.Second), &memoryWriter{}).RegisterRoutes(router, passthrough, passthrough)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/audit-logs"))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []interface{}{}, body["audit_logs"])
	assert.Equal(t, float64(0), body["total"])
}

func TestHandlers_RejectsBadFilter(t *testing.T) {
	router := mux.NewRouter()
	NewHandlers(NewStore(nil, time.Second), &memoryWriter{}).RegisterRoutes(router, passthrough, passthrough)

	for _, q := range []string{"action=made.up", "risk_level=extreme", "since=yesterday"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/audit-logs?"+q))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHandlers_RequiresOrganization(t *testing.T) {
	router := mux.NewRouter()
	NewHandlers(NewStore(nil, time.Second), &memoryWriter{}).RegisterRoutes(router, passthrough, passthrough)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlers_ExportCSVIsAudited(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("FROM audit_logs").WithArgs("org-1", 10000, 0).
		WillReturnRows(sqlmock.NewRows(recordColumns))

	w := &memoryWriter{}
	router := mux.NewRouter()
	NewHandlers(NewStore(db, time.Second), w).RegisterRoutes(router, passthrough, passthrough)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, requestWithIdentity(http.MethodGet, "/api/v1/audit-logs/export?format=csv"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	require.Len(t, w.all(), 1)
	assert.Equal(t, ActionDataExport, w.all()[0].Action)
}
