package privacy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gymdesk/pkg/audit"
)

func newConsentService(t *testing.T) (*ConsentService, sqlmock.Sqlmock, *recordingWriter) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	w := &recordingWriter{}
	s := NewConsentService(db, time.Second, w)
	s.now = func() time.Time { return fixedNow }
	return s, mock, w
}

func TestSummarize(t *testing.T) {
	summary := Summarize(nil)
	assert.Equal(t, map[string]bool{
		ConsentMarketing:         false,
		ConsentAnalytics:         false,
		ConsentThirdPartySharing: false,
	}, summary)

	summary = Summarize([]Consent{
		{ConsentType: ConsentMarketing, Granted: true},
		{ConsentType: "sms_reminders", Granted: true},
	})
	assert.True(t, summary[ConsentMarketing])
	assert.False(t, summary[ConsentAnalytics])
	assert.NotContains(t, summary, "sms_reminders")
}

func TestConsentService_Get(t *testing.T) {
	s, mock, _ := newConsentService(t)
	granted := fixedNow.Add(-48 * time.Hour)
	mock.ExpectQuery("FROM user_consents").
		WithArgs("client-7", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"consent_type", "granted", "granted_at", "withdrawn_at", "updated_at"}).
			AddRow("analytics", false, granted, fixedNow, fixedNow).
			AddRow("marketing", true, granted, nil, granted))

	view, err := s.Get(context.Background(), "client-7", "org-1")
	require.NoError(t, err)
	require.Len(t, view.Consents, 2)
	assert.Equal(t, "client-7", view.UserID)
	assert.NotNil(t, view.Consents[0].WithdrawnAt)
	assert.Nil(t, view.Consents[1].WithdrawnAt)
	assert.True(t, view.Summary[ConsentMarketing])
	assert.False(t, view.Summary[ConsentAnalytics])
	assert.False(t, view.Summary[ConsentThirdPartySharing])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentService_Update(t *testing.T) {
	s, mock, w := newConsentService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_consents").
		WithArgs("client-7", "org-1", "analytics", false, nil, fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_consents").
		WithArgs("client-7", "org-1", "marketing", true, fixedNow, nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	consents, updatedAt, err := s.Update(context.Background(), "client-7", "org-1", map[string]bool{
		"Marketing": true,
		"analytics": false,
	})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, updatedAt)
	require.Len(t, consents, 2)
	assert.Equal(t, "analytics", consents[0].ConsentType)
	assert.NotNil(t, consents[0].WithdrawnAt)
	assert.NotNil(t, consents[1].GrantedAt)

	entry := w.last()
	assert.Equal(t, audit.ActionDataUpdate, entry.Action)
	assert.Equal(t, "user_consent", entry.EntityType)
	assert.Equal(t, "org-1", entry.OrganizationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentService_UpdateValidation(t *testing.T) {
	s, mock, w := newConsentService(t)

	_, _, err := s.Update(context.Background(), "client-7", "org-1", nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, _, err = s.Update(context.Background(), "client-7", "org-1", map[string]bool{"drop table": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid consent type")

	assert.Empty(t, w.actions())
	assert.NoError(t, mock.ExpectationsWereMet())
}
