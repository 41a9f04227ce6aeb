package privacy

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

func buildAccessExport(r *Request, p *Policy, data map[string][]map[string]interface{}, now time.Time) AccessExport {
	sources := make([]string, 0, len(data))
	for _, name := range p.TableNames() {
		if _, ok := data[name]; ok {
			sources = append(sources, name)
		}
	}
	return AccessExport{
		ExportDate: now.UTC(),
		RequestID:  r.ID,
		DataSubject: DataSubject{
			UserID:         r.UserID,
			OrganizationID: r.OrganizationID,
			Email:          r.RequesterEmail,
			LegalBasis:     r.LegalBasis,
		},
		DataSources:        sources,
		Data:               data,
		ProcessingPurposes: p.Compliance.ProcessingPurposes,
		RetentionPeriods:   p.Compliance.RetentionPeriods,
		DataSubjectRights:  p.Compliance.DataSubjectRights,
		ThirdPartySharing:  p.Compliance.ThirdPartySharing,
	}
}

func encodeJSONExport(export AccessExport) ([]byte, error) {
	return json.MarshalIndent(export, "", "  ")
}

// encodeCSVExport writes a zip holding one CSV per non-empty table and a
// summary.csv
func encodeCSVExport(export AccessExport) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, table := range export.DataSources {
		rows := export.Data[table]
		if len(rows) == 0 {
			continue
		}
		f, err := zw.Create(table + ".csv")
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", table, err)
		}
		if err := writeTableCSV(f, rows); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", table, err)
		}
	}

	f, err := zw.Create("summary.csv")
	if err != nil {
		return nil, fmt.Errorf("failed to add summary to archive: %w", err)
	}
	if err := writeSummaryCSV(f, export); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTableCSV(w io.Writer, rows []map[string]interface{}) error {
	colSet := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			colSet[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	record := make([]string, len(cols))
	for _, row := range rows {
		for i, c := range cols {
			record[i] = csvValue(row[c])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeSummaryCSV(w io.Writer, export AccessExport) error {
	cw := csv.NewWriter(w)
	records := [][]string{
		{"field", "value"},
		{"request_id", export.RequestID},
		{"export_date", export.ExportDate.Format(time.RFC3339)},
		{"user_id", export.DataSubject.UserID},
		{"organization_id", export.DataSubject.OrganizationID},
		{"legal_basis", string(export.DataSubject.LegalBasis)},
	}
	for _, table := range export.DataSources {
		records = append(records, []string{"records." + table, strconv.Itoa(len(export.Data[table]))})
	}
	records = append(records,
		[]string{"processing_purposes", strings.Join(export.ProcessingPurposes, "; ")},
		[]string{"data_subject_rights", strings.Join(export.DataSubjectRights, "; ")},
		[]string{"third_party_sharing", strings.Join(export.ThirdPartySharing, "; ")},
	)
	if err := cw.WriteAll(records); err != nil {
		return err
	}
	return cw.Error()
}

func csvValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
