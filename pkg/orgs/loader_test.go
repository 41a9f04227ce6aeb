package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gymdesk/pkg/auth"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			domain TEXT,
			settings TEXT,
			is_active BOOLEAN NOT NULL DEFAULT 1
		);

		CREATE TABLE roles (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL
		);

		CREATE TABLE user_organizations (
			user_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			role_id TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, organization_id)
		);

		INSERT INTO organizations (id, name, domain, settings, is_active) VALUES
			('org-1', 'Iron Temple', 'irontemple.example', '{"features": {"privacy_portal": true, "kiosk": "yes"}}', 1),
			('org-2', 'Yoga Loft', NULL, '{"features": []}', 1),
			('org-3', 'Broken Settings', NULL, 'not json', 1);

		INSERT INTO roles (id, slug) VALUES ('role_admin', 'admin'), ('role_member', 'member');

		INSERT INTO user_organizations (user_id, organization_id, role_id, is_active) VALUES
			('u1', 'org-1', 'role_admin', 1),
			('u1', 'org-2', 'role_member', 1),
			('u2', 'org-1', 'role_member', 0),
			('u3', 'org-ghost', 'role_admin', 1),
			('u4', 'org-1', 'role_ghost', 1),
			('u5', 'org-2', 'role_member', 1);
	`)
	require.NoError(t, err)
	return db
}

func withUser(r *http.Request, userID, orgHint string) *http.Request {
	ac := &auth.AuthContext{User: &auth.User{ID: userID}, OrganizationID: orgHint}
	return r.WithContext(auth.WithContext(r.Context(), ac))
}

func TestLoader_Load(t *testing.T) {
	loader := NewLoader(setupTestDB(t), time.Second, nil, nil)
	ctx := context.Background()

	oc, err := loader.Load(ctx, "u1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", oc.ID)
	assert.Equal(t, "Iron Temple", oc.Name)
	assert.Equal(t, "irontemple.example", oc.Domain)
	assert.Equal(t, auth.RoleAdmin, oc.UserRole)
	assert.True(t, oc.IsActive)
	assert.True(t, oc.FeatureEnabled("privacy_portal"))
	assert.False(t, oc.FeatureEnabled("kiosk"), "non-boolean flag")
	assert.False(t, oc.FeatureEnabled("unknown"))

	tests := []struct {
		name    string
		userID  string
		orgID   string
		wantErr string
		authErr bool
	}{
		{"unauthenticated", "", "org-1", "Authentication required", true},
		{"no organization", "u1", "", "Organization context required", false},
		{"not a member", "u5", "org-1", "Not a member of this organization", false},
		{"inactive member", "u2", "org-1", "Organization membership is inactive", false},
		{"organization missing", "u3", "org-ghost", "Organization not found", false},
		{"role missing", "u4", "org-1", "User role not found", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(ctx, tt.userID, tt.orgID)
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
			assert.Equal(t, tt.authErr, auth.IsAuthError(err))
			assert.Equal(t, !tt.authErr, auth.IsPermissionError(err))
		})
	}
}

func TestLoader_LoadOrganizationContext(t *testing.T) {
	loader := NewLoader(setupTestDB(t), time.Second, nil, nil)

	var loaded *Context
	router := mux.NewRouter()
	router.Handle("/orgs/{organization_id}", loader.LoadOrganizationContext(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { loaded = FromContext(r.Context()) },
	)))
	router.Handle("/plain", loader.LoadOrganizationContext(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) { loaded = FromContext(r.Context()) },
	)))

	t.Run("path variable wins over header", func(t *testing.T) {
		loaded = nil
		req := withUser(httptest.NewRequest(http.MethodGet, "/orgs/org-2", nil), "u1", "")
		req.Header.Set(OrganizationHeader, "org-1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, loaded)
		assert.Equal(t, "org-2", loaded.ID)
		assert.Equal(t, auth.RoleMember, loaded.UserRole)
	})

	t.Run("query before header", func(t *testing.T) {
		loaded = nil
		req := withUser(httptest.NewRequest(http.MethodGet, "/plain?organization_id=org-1", nil), "u1", "")
		req.Header.Set(OrganizationHeader, "org-2")
		router.ServeHTTP(httptest.NewRecorder(), req)
		require.NotNil(t, loaded)
		assert.Equal(t, "org-1", loaded.ID)
	})

	t.Run("header fallback", func(t *testing.T) {
		loaded = nil
		req := withUser(httptest.NewRequest(http.MethodGet, "/plain", nil), "u1", "")
		req.Header.Set(OrganizationHeader, "org-2")
		router.ServeHTTP(httptest.NewRecorder(), req)
		require.NotNil(t, loaded)
		assert.Equal(t, "org-2", loaded.ID)
	})

	t.Run("non-member rejected", func(t *testing.T) {
		loaded = nil
		req := withUser(httptest.NewRequest(http.MethodGet, "/orgs/org-1", nil), "u5", "")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Nil(t, loaded)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Not a member of this organization", body["error"])
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orgs/org-1", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLoader_VerifyOrganizationAccess(t *testing.T) {
	loader := NewLoader(setupTestDB(t), time.Second, nil, nil)
	ctx := context.Background()

	assert.True(t, loader.VerifyOrganizationAccess(ctx, "u1", "org-1"))
	assert.False(t, loader.VerifyOrganizationAccess(ctx, "u2", "org-1"))
	assert.False(t, loader.VerifyOrganizationAccess(ctx, "u1", "org-9"))
	assert.False(t, loader.VerifyOrganizationAccess(ctx, "", "org-1"))
}

func TestLoader_VerifyOrganizationAccess_ErrorIsFalse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM user_organizations").WillReturnError(errors.New("connection refused"))

	loader := NewLoader(db, time.Second, nil, nil)
	assert.False(t, loader.VerifyOrganizationAccess(context.Background(), "u1", "org-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoader_Settings(t *testing.T) {
	loader := NewLoader(setupTestDB(t), time.Second, nil, nil)
	ctx := context.Background()

	settings, ok := loader.GetOrganizationSettings(ctx, "org-1")
	require.True(t, ok)
	assert.Contains(t, settings, FeaturesKey)

	_, ok = loader.GetOrganizationSettings(ctx, "org-3")
	assert.False(t, ok, "invalid JSON is not an object")

	_, ok = loader.GetOrganizationSettings(ctx, "org-missing")
	assert.False(t, ok)

	assert.True(t, loader.IsFeatureEnabled(ctx, "org-1", "privacy_portal"))
	assert.False(t, loader.IsFeatureEnabled(ctx, "org-1", "kiosk"))
	assert.False(t, loader.IsFeatureEnabled(ctx, "org-2", "privacy_portal"), "features is not an object")
	assert.False(t, loader.IsFeatureEnabled(ctx, "org-3", "privacy_portal"))
	assert.False(t, loader.IsFeatureEnabled(ctx, "org-missing", "privacy_portal"))
}

func TestLoader_GetUserOrganizations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT organization_id, role_id FROM user_organizations").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "role_id"}).
			AddRow("org-1", "role_admin").
			AddRow("org-2", "role_member").
			AddRow("org-gone", "role_admin"))
	mock.ExpectQuery("FROM organizations WHERE id = ANY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "domain", "settings", "is_active"}).
			AddRow("org-2", "Yoga Loft", nil, []byte(`{"features":{}}`), true).
			AddRow("org-1", "Iron Temple", "irontemple.example", []byte(`{}`), true))
	mock.ExpectQuery("FROM roles WHERE id = ANY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug"}).
			AddRow("role_admin", "admin").
			AddRow("role_member", "member"))

	loader := NewLoader(db, time.Second, nil, nil)
	contexts := loader.GetUserOrganizations(context.Background(), "u1")

	require.Len(t, contexts, 2)
	assert.Equal(t, "org-1", contexts[0].ID)
	assert.Equal(t, auth.RoleAdmin, contexts[0].UserRole)
	assert.Equal(t, "irontemple.example", contexts[0].Domain)
	assert.Equal(t, "org-2", contexts[1].ID)
	assert.Equal(t, auth.RoleMember, contexts[1].UserRole)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoader_GetUserOrganizations_StageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM user_organizations").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "role_id"}).AddRow("org-1", "role_admin"))
	mock.ExpectQuery("FROM organizations").WillReturnError(errors.New("statement timeout"))

	loader := NewLoader(db, time.Second, nil, nil)
	contexts := loader.GetUserOrganizations(context.Background(), "u1")
	assert.NotNil(t, contexts)
	assert.Empty(t, contexts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateCrossOrgAccess(t *testing.T) {
	loader := NewLoader(setupTestDB(t), time.Second, nil, nil)
	h := loader.ValidateCrossOrgAccess("reports")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(req *http.Request) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// u1 belongs to two organizations, u5 to one
	assert.Equal(t, http.StatusOK, serve(withUser(httptest.NewRequest(http.MethodGet, "/", nil), "u1", "")))
	assert.Equal(t, http.StatusForbidden, serve(withUser(httptest.NewRequest(http.MethodGet, "/", nil), "u5", "")))

	// an explicit target requires membership in it
	req := withUser(httptest.NewRequest(http.MethodGet, "/?target_organization_id=org-2", nil), "u5", "")
	assert.Equal(t, http.StatusOK, serve(req))

	req = withUser(httptest.NewRequest(http.MethodGet, "/", nil), "u1", "")
	req.Header.Set(TargetOrganizationHeader, "org-3")
	assert.Equal(t, http.StatusForbidden, serve(req))

	assert.Equal(t, http.StatusUnauthorized, serve(httptest.NewRequest(http.MethodGet, "/", nil)))
}
