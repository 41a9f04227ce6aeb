//go:build integration

package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/orgs"
	"github.com/platinummonkey/gymdesk/pkg/privacy"
	"github.com/platinummonkey/gymdesk/pkg/rbac"
	"github.com/platinummonkey/gymdesk/pkg/storage/postgres"
)

// setupPostgres starts a disposable Postgres with every migration applied
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	if _, err := testcontainers.ProviderDocker.GetProvider(); err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("gymdesk_test"),
		tcpostgres.WithUsername("gymdesk"),
		tcpostgres.WithPassword("gymdesk_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	logger := logrus.New()
	var all []postgres.Migration
	all = append(all, orgs.Migrations()...)
	all = append(all, rbac.Migrations()...)
	all = append(all, audit.Migrations()...)
	all = append(all, privacy.Migrations()...)
	require.NoError(t, postgres.RunMigrations(ctx, db, logger, all...))
	return db
}

type tokenCapture struct {
	tokens map[string]string
}

func (c *tokenCapture) SendVerification(_ context.Context, r *privacy.Request, token string) error {
	c.tokens[r.ID] = token
	return nil
}

func TestPrivacyRequestLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	db := setupPostgres(t)
	ctx := context.Background()
	timeout := 5 * time.Second

	auditWriter := audit.NewDBWriter(db, timeout, nil)
	org, err := orgs.NewService(db, timeout, auditWriter, nil, nil).
		CreateOrganization(ctx, "staff-1", orgs.CreateOrganizationRequest{Name: "Iron Temple"})
	require.NoError(t, err)
	other, err := orgs.NewService(db, timeout, auditWriter, nil, nil).
		CreateOrganization(ctx, "staff-2", orgs.CreateOrganizationRequest{Name: "Barbell Club"})
	require.NoError(t, err)

	seed := []string{
		`INSERT INTO clients (id, organization_id, user_id, first_name, email) VALUES ('client-7', $1, 'member-7', 'Ada', 'ada@example.com')`,
		`INSERT INTO bookings (id, organization_id, client_id, starts_at) VALUES ('b1', $1, 'client-7', NOW()), ('b2', $1, 'client-7', NOW())`,
		`INSERT INTO communications (id, organization_id, client_id, channel, subject) VALUES ('m1', $1, 'client-7', 'email', 'Welcom')`,
	}
	for _, q := range seed {
		_, err = db.ExecContext(ctx, q, org.ID)
		require.NoError(t, err)
	}
	// Same subject id in another organization must survive
	_, err = db.ExecContext(ctx,
		`INSERT INTO bookings (id, organization_id, client_id, starts_at) VALUES ('b3', $1, 'client-7', NOW())`, other.ID)
	require.NoError(t, err)
	require.NoError(t, auditWriter.Write(ctx, audit.Entry{
		UserID: "client-7", OrganizationID: org.ID, Action: audit.ActionAuthLogin, EntityType: "session",
	}))

	notifier := &tokenCapture{tokens: map[string]string{}}
	service := privacy.NewService(privacy.NewStore(db, timeout), privacy.NewSQLDataStore(db, timeout), nil,
		privacy.ServiceOptions{Notifier: notifier, Audit: auditWriter})

	open := func(t *testing.T, reqType privacy.RequestType) *privacy.Request {
		t.Helper()
		r, err := service.Create(ctx, org.ID, "", privacy.CreateRequest{
			RequestType: reqType, RequesterEmail: "ada@example.com", UserID: "client-7",
		})
		require.NoError(t, err)
		verified, err := service.Verify(ctx, r.ID, org.ID, notifier.tokens[r.ID])
		require.NoError(t, err)
		require.Equal(t, privacy.StatusInProgress, verified.Status)
		return r
	}

	t.Run("access export", func(t *testing.T) {
		r := open(t, privacy.TypeAccess)

		result, err := service.FulfillAccess(ctx, r.ID, org.ID, privacy.FormatJSON)
		require.NoError(t, err)
		assert.EqualValues(t, 2, result.Tables["bookings"].Count)

		var export map[string]interface{}
		require.NoError(t, json.Unmarshal(result.Body, &export))
		data := export["data"].(map[string]interface{})
		clients := data["clients"].([]interface{})
		require.Len(t, clients, 1)
		assert.Equal(t, "Ada", clients[0].(map[string]interface{})["first_name"])

		stored, err := service.Get(ctx, r.ID, org.ID)
		require.NoError(t, err)
		assert.Equal(t, privacy.StatusCompleted, stored.Status)
		assert.NotNil(t, stored.FulfilledAt)
		assert.Equal(t, "access", stored.FulfillmentData["operation"])

		_, err = service.FulfillAccess(ctx, r.ID, org.ID, privacy.FormatJSON)
		assert.ErrorIs(t, err, privacy.ErrAlreadyFulfilled)

		_, err = service.Get(ctx, r.ID, other.ID)
		assert.ErrorIs(t, err, privacy.ErrNotFound)
	})

	t.Run("rectification", func(t *testing.T) {
		r := open(t, privacy.TypeRectification)

		result, err := service.FulfillRectification(ctx, r.ID, org.ID, map[string]map[string]interface{}{
			"communications": {"subject": "Welcome"},
		})
		require.NoError(t, err)
		assert.Equal(t, privacy.OutcomeUpdated, result.RectificationResults["communications"].Status)

		var subject string
		require.NoError(t, db.QueryRowContext(ctx, `SELECT subject FROM communications WHERE id = 'm1'`).Scan(&subject))
		assert.Equal(t, "Welcome", subject)
	})

	t.Run("erasure keeps legal hold", func(t *testing.T) {
		r := open(t, privacy.TypeErasure)

		result, err := service.FulfillErasure(ctx, r.ID, org.ID, true)
		require.NoError(t, err)
		assert.Equal(t, privacy.OutcomeDeleted, result.DeletionResults["bookings"].Status)
		assert.EqualValues(t, 2, result.DeletionResults["bookings"].Count)
		assert.Equal(t, privacy.OutcomeRetained, result.DeletionResults["audit_logs"].Status)

		var remaining int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM bookings WHERE client_id = 'client-7'`).Scan(&remaining))
		assert.Equal(t, 1, remaining, "other organization's booking survives")

		var logins int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audit_logs WHERE user_id = 'client-7' AND action = 'auth.login'`).Scan(&logins))
		assert.Equal(t, 1, logins)
	})

	t.Run("sweep expires unverified requests", func(t *testing.T) {
		r, err := service.Create(ctx, org.ID, "", privacy.CreateRequest{
			RequestType: privacy.TypeObjection, RequesterEmail: "ada@example.com", UserID: "client-7",
		})
		require.NoError(t, err)

		result, err := service.ExpireOverdue(ctx, time.Now().Add(25*time.Hour))
		require.NoError(t, err)
		assert.Contains(t, result.Expired, r.ID)

		_, err = service.Verify(ctx, r.ID, org.ID, notifier.tokens[r.ID])
		assert.ErrorIs(t, err, privacy.ErrRequestClosed)
	})
}
