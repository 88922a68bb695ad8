package models

// ExtractionMethod records which of the fallback paths produced a result.
type ExtractionMethod string

const (
	MethodTaggedFields     ExtractionMethod = "tagged_fields"
	MethodRegexFallback    ExtractionMethod = "regex_fallback"
	MethodPDFSignaturePage ExtractionMethod = "pdf_signature_page"
	MethodJSONEmbedded     ExtractionMethod = "json_embedded"
)

// ExtractionResult is the structured product of one document extraction.
type ExtractionResult struct {
	OrgNr      OrgNumber `json:"orgnr"`
	DocumentID string    `json:"document_id"`

	Directors []DirectorRecord `json:"directors,omitempty"`
	Auditors  []DirectorRecord `json:"auditors,omitempty"`

	SignatureDate      string `json:"signature_date,omitempty"`
	ReportingPeriodEnd string `json:"reporting_period_end,omitempty"`

	// Accounts carries multi-year detail when the document exposes it.
	Accounts []FinancialAccount `json:"accounts,omitempty"`

	OverallConfidence float64          `json:"overall_confidence"`
	Method            ExtractionMethod `json:"method,omitempty"`
	Warnings          []string         `json:"warnings,omitempty"`
	ProcessingTimeMs  int64            `json:"processing_time_ms"`
}

// DocumentInfo describes one annual-report document available for download
// from the registry.
type DocumentInfo struct {
	DocumentID         string `json:"document_id"`
	FileFormat         string `json:"file_format,omitempty"`
	ReportingPeriodEnd string `json:"reporting_period_end,omitempty"`
	RegistrationDate   string `json:"registration_date,omitempty"`
}
