package extractor

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Extractor turns an opaque registry document (ZIP-wrapped inline-tagged
// markup with PDF fallback, or raw PDF) into an ExtractionResult. The
// shapes are tried in order until one yields directors.
type Extractor struct {
	minConfidence float64
	logger        arbor.ILogger
}

// New creates an extractor. Directors scoring below minConfidence are
// dropped from the result.
func New(minConfidence float64, logger arbor.ILogger) *Extractor {
	return &Extractor{
		minConfidence: minConfidence,
		logger:        logger,
	}
}

var (
	pdfMagic = []byte("%PDF")
	zipMagic = []byte("PK")
)

// Extract runs the fallback chain over one document blob.
func (e *Extractor) Extract(ctx context.Context, orgnr models.OrgNumber, documentID string, blob []byte) (*models.ExtractionResult, error) {
	start := time.Now()
	result := &models.ExtractionResult{
		OrgNr:      orgnr,
		DocumentID: documentID,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var markup, pdf []byte
	switch {
	case bytes.HasPrefix(blob, zipMagic):
		var err error
		markup, pdf, err = splitZip(blob)
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
		}
	case bytes.HasPrefix(blob, pdfMagic):
		pdf = blob
	default:
		// Some registry responses carry the markup uncompressed.
		markup = blob
	}

	// 1. Tagged-field markup
	if len(markup) > 0 {
		tagged, err := parseTagged(markup)
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
		} else {
			directors, auditors := directorsFromTagged(tagged)
			if len(directors) > 0 || len(auditors) > 0 {
				result.Method = models.MethodTaggedFields
				result.Directors = directors
				result.Auditors = auditors
			}
			if tagged.signatureDate != "" {
				result.SignatureDate = tagged.signatureDate
			}
			if tagged.reportingPeriodEnd != "" {
				result.ReportingPeriodEnd = tagged.reportingPeriodEnd
			}
			if len(tagged.accounts) > 0 {
				result.Accounts = append(result.Accounts, models.FinancialAccount{
					Year:      tagged.periodYear,
					PeriodEnd: tagged.reportingPeriodEnd,
					Accounts:  tagged.accounts,
				})
			}
		}
	}

	// 2. Regex fallback over markup text
	if len(result.Directors) == 0 && len(markup) > 0 {
		if text := markupText(markup); text != "" {
			if records := extractByRegex(text); len(records) > 0 {
				result.Method = models.MethodRegexFallback
				for _, rec := range records {
					if models.IsAuditorRole(rec.NormalizedRole) {
						result.Auditors = append(result.Auditors, rec)
					} else {
						result.Directors = append(result.Directors, rec)
					}
				}
			}
		}
	}

	// 3. PDF signature pages
	if len(result.Directors) == 0 && len(pdf) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pages, err := pdfPageTexts(pdf)
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
		} else {
			scan := scanSignaturePages(pages, selectSignaturePages(pages))
			if len(scan.directors) > 0 {
				result.Method = models.MethodPDFSignaturePage
				for _, rec := range scan.directors {
					if models.IsAuditorRole(rec.NormalizedRole) {
						result.Auditors = append(result.Auditors, rec)
					} else {
						result.Directors = append(result.Directors, rec)
					}
				}
			}
			if scan.signatureDate != "" && result.SignatureDate == "" {
				result.SignatureDate = scan.signatureDate
			}
		}
	}

	result.Directors = e.filterByConfidence(dedupeDirectors(result.Directors))
	result.Auditors = e.filterByConfidence(dedupeDirectors(result.Auditors))
	result.OverallConfidence = overallConfidence(result.Directors)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	e.logger.Debug().
		Str("orgnr", orgnr.String()).
		Str("document_id", documentID).
		Str("method", string(result.Method)).
		Int("directors", len(result.Directors)).
		Int("auditors", len(result.Auditors)).
		Str("confidence", strconv.FormatFloat(result.OverallConfidence, 'f', 2, 64)).
		Msg("Document extraction finished")

	return result, nil
}

func (e *Extractor) filterByConfidence(records []models.DirectorRecord) []models.DirectorRecord {
	out := records[:0]
	for _, rec := range records {
		if rec.Confidence >= e.minConfidence {
			out = append(out, rec)
		}
	}
	return out
}

// markupText strips tags for the regex fallback pass.
func markupText(markup []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return string(markup)
	}
	return doc.Text()
}
