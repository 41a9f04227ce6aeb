package privacy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/gymdesk/pkg/sanitize"
)

// TableSpec describes one table holding personal data
type TableSpec struct {
	Name string `yaml:"name"`
	// SubjectColumns are OR-ed to match the data subject
	SubjectColumns     []string `yaml:"subject_columns"`
	OrganizationColumn string   `yaml:"organization_column"`
	// LegalHold keeps the table's rows during erasure while a retention
	// obligation exists
	LegalHold bool `yaml:"legal_hold"`
	// Rectifiable tables accept correction patches
	Rectifiable bool `yaml:"rectifiable"`
}

// Compliance is the static metadata attached to access exports
type Compliance struct {
	ProcessingPurposes []string          `yaml:"processing_purposes"`
	RetentionPeriods   map[string]string `yaml:"retention_periods"`
	DataSubjectRights  []string          `yaml:"data_subject_rights"`
	ThirdPartySharing  []string          `yaml:"third_party_sharing"`
}

// Policy is the personal-data registry and retention rules
type Policy struct {
	Tables     []TableSpec `yaml:"tables"`
	Compliance Compliance  `yaml:"compliance"`
	// LegalHoldActions are audit actions whose presence for a subject
	// creates a retention obligation
	LegalHoldActions []string `yaml:"legal_hold_actions"`
}

// DefaultPolicy returns the built-in registry
func DefaultPolicy() *Policy {
	subject := []string{"user_id", "client_id"}
	return &Policy{
		Tables: []TableSpec{
			{Name: "clients", SubjectColumns: []string{"id", "user_id"}, OrganizationColumn: "organization_id", Rectifiable: true},
			{Name: "bookings", SubjectColumns: subject, OrganizationColumn: "organization_id", Rectifiable: true},
			{Name: "class_bookings", SubjectColumns: subject, OrganizationColumn: "organization_id", Rectifiable: true},
			{Name: "memberships", SubjectColumns: subject, OrganizationColumn: "organization_id", Rectifiable: true},
			{Name: "payments", SubjectColumns: subject, OrganizationColumn: "organization_id"},
			{Name: "check_ins", SubjectColumns: subject, OrganizationColumn: "organization_id"},
			{Name: "communications", SubjectColumns: subject, OrganizationColumn: "organization_id", Rectifiable: true},
			{Name: "user_consents", SubjectColumns: []string{"user_id"}, OrganizationColumn: "organization_id"},
			{Name: "audit_logs", SubjectColumns: []string{"user_id"}, OrganizationColumn: "organization_id", LegalHold: true},
		},
		Compliance: Compliance{
			ProcessingPurposes: []string{
				"Membership and contract management",
				"Class scheduling and booking",
				"Payment processing",
				"Facility access control",
				"Service communications",
				"Security and fraud prevention",
			},
			RetentionPeriods: map[string]string{
				"clients":        "Duration of membership plus 3 years",
				"bookings":       "2 years",
				"class_bookings": "2 years",
				"memberships":    "Duration of membership plus 3 years",
				"payments":       "7 years (tax and accounting obligations)",
				"check_ins":      "1 year",
				"communications": "2 years",
				"user_consents":  "Until withdrawn plus 3 years",
				"audit_logs":     "7 years (security and legal obligations)",
			},
			DataSubjectRights: []string{
				"Right of access",
				"Right to rectification",
				"Right to erasure",
				"Right to restriction of processing",
				"Right to data portability",
				"Right to object",
			},
			ThirdPartySharing: []string{
				"Payment processors",
				"Email and SMS delivery providers",
				"Cloud hosting providers",
			},
		},
		LegalHoldActions: []string{
			"auth.login",
			"auth.logout",
			"auth.failed_login",
			"auth.password_reset",
			"security.permission_denied",
			"security.suspicious_activity",
		},
	}
}

// Validate checks identifiers and fills defaults. Identifiers that change
// under sanitize.SQLIdentifier are rejected.
func (p *Policy) Validate() error {
	if len(p.Tables) == 0 {
		return fmt.Errorf("policy must list at least one table")
	}
	seen := make(map[string]struct{}, len(p.Tables))
	for i := range p.Tables {
		t := &p.Tables[i]
		if t.Name == "" || sanitize.SQLIdentifier(t.Name) != t.Name {
			return fmt.Errorf("invalid table name %q", t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if len(t.SubjectColumns) == 0 {
			return fmt.Errorf("table %s: subject_columns is required", t.Name)
		}
		for _, c := range t.SubjectColumns {
			if c == "" || sanitize.SQLIdentifier(c) != c {
				return fmt.Errorf("table %s: invalid subject column %q", t.Name, c)
			}
		}
		if t.OrganizationColumn == "" {
			t.OrganizationColumn = "organization_id"
		}
		if sanitize.SQLIdentifier(t.OrganizationColumn) != t.OrganizationColumn {
			return fmt.Errorf("table %s: invalid organization column %q", t.Name, t.OrganizationColumn)
		}
	}
	if p.Compliance.RetentionPeriods == nil {
		p.Compliance.RetentionPeriods = map[string]string{}
	}
	return nil
}

// Table looks up a registry entry by name
func (p *Policy) Table(name string) (TableSpec, bool) {
	for _, t := range p.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// TableNames lists the registry in order
func (p *Policy) TableNames() []string {
	out := make([]string, len(p.Tables))
	for i, t := range p.Tables {
		out[i] = t.Name
	}
	return out
}

// LoadPolicy reads a YAML policy file. Sections left out of the file keep
// their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read privacy policy: %w", err)
	}

	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse privacy policy: %w", err)
	}

	p := DefaultPolicy()
	if len(file.Tables) > 0 {
		p.Tables = file.Tables
	}
	if file.LegalHoldActions != nil {
		p.LegalHoldActions = file.LegalHoldActions
	}
	c := file.Compliance
	if len(c.ProcessingPurposes) > 0 {
		p.Compliance.ProcessingPurposes = c.ProcessingPurposes
	}
	if len(c.RetentionPeriods) > 0 {
		p.Compliance.RetentionPeriods = c.RetentionPeriods
	}
	if len(c.DataSubjectRights) > 0 {
		p.Compliance.DataSubjectRights = c.DataSubjectRights
	}
	if len(c.ThirdPartySharing) > 0 {
		p.Compliance.ThirdPartySharing = c.ThirdPartySharing
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid privacy policy %s: %w", path, err)
	}
	return p, nil
}

// PolicySource hands out the current policy
type PolicySource interface {
	Current() *Policy
}

// StaticPolicy is a PolicySource that never changes
type StaticPolicy struct {
	P *Policy
}

func (s StaticPolicy) Current() *Policy { return s.P }

// PolicyWatcher reloads a policy file when it changes. A file that fails
// to load leaves the previous policy active.
type PolicyWatcher struct {
	path    string
	current atomic.Pointer[Policy]
	watcher *fsnotify.Watcher
	logger  logrus.FieldLogger
}

// NewPolicyWatcher loads path and starts watching its directory
func NewPolicyWatcher(path string, logger logrus.FieldLogger) (*PolicyWatcher, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pw := &PolicyWatcher{path: path, watcher: w, logger: logger.WithField("policy_file", path)}
	pw.current.Store(p)
	return pw, nil
}

// Current returns the active policy
func (pw *PolicyWatcher) Current() *Policy {
	return pw.current.Load()
}

// Run processes file events until ctx is cancelled
func (pw *PolicyWatcher) Run(ctx context.Context) {
	defer pw.watcher.Close()
	target := filepath.Clean(pw.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pw.reload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.WithError(err).Warn("Privacy policy watcher error")
		}
	}
}

func (pw *PolicyWatcher) reload() {
	p, err := LoadPolicy(pw.path)
	if err != nil {
		pw.logger.WithError(err).Error("Failed to reload privacy policy, keeping previous version")
		return
	}
	pw.current.Store(p)
	pw.logger.WithField("tables", len(p.Tables)).Info("Privacy policy reloaded")
}
