package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown export format %q (json or csv)", s)
	}
}

// PayloadSource streams stage payloads out of storage.
type PayloadSource interface {
	CompletedPayloads(ctx context.Context, stage models.Stage, fn func(orgnr models.OrgNumber, payload json.RawMessage) error) error
}

// Exporter materializes the best available record per orgnr: the merged
// scraped-stage record when the job got that far, the registry record
// otherwise.
type Exporter struct {
	source PayloadSource
	logger arbor.ILogger
}

// New creates an exporter.
func New(source PayloadSource, logger arbor.ILogger) *Exporter {
	return &Exporter{source: source, logger: logger}
}

type stageCompany struct {
	Company *models.CompanyRecord `json:"company"`
}

// collect merges payloads from both record-bearing stages.
func (e *Exporter) collect(ctx context.Context) ([]*models.CompanyRecord, error) {
	records := make(map[models.OrgNumber]*models.CompanyRecord)

	gather := func(stage models.Stage) error {
		return e.source.CompletedPayloads(ctx, stage, func(orgnr models.OrgNumber, payload json.RawMessage) error {
			var sc stageCompany
			if err := json.Unmarshal(payload, &sc); err != nil || sc.Company == nil {
				return nil
			}
			records[orgnr] = sc.Company
			return nil
		})
	}

	// Registry first so scraped-stage records overwrite with the merge.
	if err := gather(models.StageRegistry); err != nil {
		return nil, err
	}
	if err := gather(models.StageScraped); err != nil {
		return nil, err
	}

	out := make([]*models.CompanyRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgNr < out[j].OrgNr })

	e.logger.Info().Int("records", len(out)).Msg("Export records collected")
	return out, nil
}

// Export writes every materialized record to w in the given format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, format Format) error {
	records, err := e.collect(ctx)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("failed to encode export: %w", err)
		}
	case FormatCSV:
		if err := writeCSV(w, records); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
	return nil
}

var csvHeader = []string{
	"orgnr", "primary_name", "legal_form", "status_code", "registration_date",
	"municipality", "county", "primary_code", "website", "email", "phone",
	"revenue", "profit", "employees", "directors", "source_tag",
}

func writeCSV(w io.Writer, records []*models.CompanyRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, rec := range records {
		var revenue, profit, employees string
		if rec.Financials != nil {
			if rec.Financials.Revenue != nil {
				revenue = strconv.FormatInt(*rec.Financials.Revenue, 10)
			}
			if rec.Financials.Profit != nil {
				profit = strconv.FormatInt(*rec.Financials.Profit, 10)
			}
			if rec.Financials.Employees != nil {
				employees = strconv.Itoa(*rec.Financials.Employees)
			}
		}

		directors := make([]string, 0, len(rec.Directors))
		for _, d := range rec.Directors {
			directors = append(directors, fmt.Sprintf("%s (%s)", d.FullName(), d.NormalizedRole))
		}

		row := []string{
			rec.OrgNr.String(), rec.PrimaryName, rec.LegalForm, rec.StatusCode, rec.RegistrationDate,
			rec.Municipality, rec.County, rec.PrimaryCode, rec.Website, rec.Email, rec.Phone,
			revenue, profit, employees, strings.Join(directors, "; "), rec.SourceTag,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", rec.OrgNr, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}
