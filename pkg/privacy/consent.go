package privacy

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/sanitize"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// Consent types reported in every summary
const (
	ConsentMarketing         = "marketing"
	ConsentAnalytics         = "analytics"
	ConsentThirdPartySharing = "third_party_sharing"
)

const maxConsentTypeLength = 64

// Consent is one user_consents row
type Consent struct {
	ConsentType string     `json:"consent_type"`
	Granted     bool       `json:"granted"`
	GrantedAt   *time.Time `json:"granted_at,omitempty"`
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ConsentView is a user's consents in one organization
type ConsentView struct {
	UserID   string          `json:"user_id"`
	Consents []Consent       `json:"consents"`
	Summary  map[string]bool `json:"consent_summary"`
}

const consentEntityType = "user_consent"

// ConsentService reads and records consent decisions
type ConsentService struct {
	db      *sql.DB
	timeout time.Duration
	audit   audit.Writer
	now     func() time.Time
}

// NewConsentService creates a consent service
func NewConsentService(db *sql.DB, timeout time.Duration, auditWriter audit.Writer) *ConsentService {
	return &ConsentService{db: db, timeout: timeout, audit: auditWriter, now: time.Now}
}

// Summarize reports the fixed consent types, false unless granted
func Summarize(consents []Consent) map[string]bool {
	summary := map[string]bool{
		ConsentMarketing:         false,
		ConsentAnalytics:         false,
		ConsentThirdPartySharing: false,
	}
	for _, c := range consents {
		if _, ok := summary[c.ConsentType]; ok {
			summary[c.ConsentType] = c.Granted
		}
	}
	return summary
}

// Get returns userID's consents in orgID
func (s *ConsentService) Get(ctx context.Context, userID, orgID string) (*ConsentView, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT consent_type, granted, granted_at, withdrawn_at, updated_at
		FROM user_consents
		WHERE user_id = $1 AND organization_id = $2
		ORDER BY consent_type
	`, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load consents: %w", err)
	}
	defer rows.Close()

	consents := []Consent{}
	for rows.Next() {
		var (
			c         Consent
			granted   sql.NullTime
			withdrawn sql.NullTime
		)
		if err := rows.Scan(&c.ConsentType, &c.Granted, &granted, &withdrawn, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		if granted.Valid {
			t := granted.Time
			c.GrantedAt = &t
		}
		if withdrawn.Valid {
			t := withdrawn.Time
			c.WithdrawnAt = &t
		}
		consents = append(consents, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load consents: %w", err)
	}

	return &ConsentView{UserID: userID, Consents: consents, Summary: Summarize(consents)}, nil
}

func normalizeConsentType(raw string) (string, bool) {
	t := strings.ToLower(sanitize.Text(raw, maxConsentTypeLength))
	return t, t != "" && sanitize.SQLIdentifier(t) == t
}

// Update upserts one row per consent type. Granting stamps granted_at;
// withdrawing stamps withdrawn_at and keeps the original grant time.
func (s *ConsentService) Update(ctx context.Context, userID, orgID string, decisions map[string]bool) ([]Consent, time.Time, error) {
	if len(decisions) == 0 {
		return nil, time.Time{}, invalid("Consents required")
	}
	types := make([]string, 0, len(decisions))
	normalized := make(map[string]bool, len(decisions))
	for raw, granted := range decisions {
		t, ok := normalizeConsentType(raw)
		if !ok {
			return nil, time.Time{}, invalid(fmt.Sprintf("Invalid consent type %q", raw))
		}
		if _, dup := normalized[t]; !dup {
			types = append(types, t)
		}
		normalized[t] = granted
	}
	sort.Strings(types)

	now := s.now().UTC()
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	out := make([]Consent, 0, len(types))
	for _, t := range types {
		granted := normalized[t]
		c := Consent{ConsentType: t, Granted: granted, UpdatedAt: now}
		var grantedAt, withdrawnAt sql.NullTime
		if granted {
			grantedAt = sql.NullTime{Time: now, Valid: true}
			c.GrantedAt = &now
		} else {
			withdrawnAt = sql.NullTime{Time: now, Valid: true}
			c.WithdrawnAt = &now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_consents (user_id, organization_id, consent_type, granted, granted_at, withdrawn_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, organization_id, consent_type) DO UPDATE SET
				granted = EXCLUDED.granted,
				granted_at = COALESCE(EXCLUDED.granted_at, user_consents.granted_at),
				withdrawn_at = EXCLUDED.withdrawn_at,
				updated_at = EXCLUDED.updated_at
		`, userID, orgID, t, granted, grantedAt, withdrawnAt, now)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to record consent %s: %w", t, err)
		}
		out = append(out, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to commit consents: %w", err)
	}

	entry := audit.FromContext(ctx, audit.ActionDataUpdate, consentEntityType)
	entry.EntityID = userID
	entry.OrganizationID = orgID
	entry.Metadata["consents"] = normalized
	audit.CreateAuditLog(ctx, s.audit, entry)

	return out, now, nil
}
