package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

func exportJSON(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.MarshalIndent(records, "", "  ")
}

func exportCSV(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"id", "created_at", "action", "status", "risk_level",
		"user_id", "organization_id", "entity_type", "entity_id",
		"ip_address", "user_agent", "request_id", "metadata",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		row := []string{
			rec.ID,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			string(rec.Action),
			string(rec.Status),
			string(rec.RiskLevel),
			rec.UserID,
			rec.OrganizationID,
			rec.EntityType,
			rec.EntityID,
			rec.IPAddress,
			rec.UserAgent,
			rec.RequestID,
			string(meta),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}
