package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/adapters/registry"
	"github.com/ArcheronTechnologies/orgflow/internal/common"
	"github.com/ArcheronTechnologies/orgflow/internal/extractor"
	"github.com/ArcheronTechnologies/orgflow/internal/fetcher"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
	"github.com/ArcheronTechnologies/orgflow/internal/scraper"
	"github.com/ArcheronTechnologies/orgflow/internal/storage/sqlite"
)

// RegistrySource is the slice of the registry adapter the pipeline needs.
type RegistrySource interface {
	FetchCompany(ctx context.Context, orgnr models.OrgNumber) (*models.CompanyRecord, error)
	ListAnnualReports(ctx context.Context, orgnr models.OrgNumber) ([]models.DocumentInfo, error)
	DownloadDocument(ctx context.Context, documentID string) ([]byte, error)
}

// ScrapedSource is the slice of the scraped-site adapter the pipeline
// needs.
type ScrapedSource interface {
	FetchCompany(ctx context.Context, orgnr models.OrgNumber) (*scraper.ParseResult, error)
	// PersonsEnabled reports whether the optional person second pass is
	// configured on; when false the handler skips the pass entirely, pauses
	// included.
	PersonsEnabled() bool
	FetchPerson(ctx context.Context, director models.DirectorRecord) (*models.PersonProfile, error)
}

// handlerResult is what a stage handler produces for one job. A non-empty
// skipReason asks the orchestrator to skip the stage instead of completing
// it with the payload.
type handlerResult struct {
	payload    json.RawMessage
	skipReason string
	warnings   []string
}

// StageHandler processes one claimed job at one stage.
type StageHandler interface {
	Stage() models.Stage
	Handle(ctx context.Context, job *models.Job) (*handlerResult, error)
}

// registryPayload is what the registry stage writes for downstream stages.
type registryPayload struct {
	Company    *models.CompanyRecord    `json:"company,omitempty"`
	Extraction *models.ExtractionResult `json:"extraction,omitempty"`
	DocumentID string                   `json:"document_id,omitempty"`
	RawDocPath string                   `json:"raw_doc_path,omitempty"`
}

// scrapedPayload is what the scraped stage writes: the fully merged record
// plus any person profiles from the optional second pass.
type scrapedPayload struct {
	Company  *models.CompanyRecord     `json:"company,omitempty"`
	Persons  []models.PersonProfile    `json:"persons,omitempty"`
	Accounts []models.FinancialAccount `json:"accounts,omitempty"`
	NotFound bool                      `json:"not_found,omitempty"`
}

// discoveryHandler completes the discovery stage for jobs seeded directly
// into the queue. Bulk enumeration bypasses this handler; see
// Orchestrator.Discover.
type discoveryHandler struct {
	logger arbor.ILogger
}

func (h *discoveryHandler) Stage() models.Stage { return models.StageDiscovery }

func (h *discoveryHandler) Handle(ctx context.Context, job *models.Job) (*handlerResult, error) {
	payload, err := json.Marshal(map[string]string{
		"source":        "seed",
		"discovered_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery payload: %w", err)
	}
	return &handlerResult{payload: payload}, nil
}

// registryHandler fetches the registry company document, downloads the
// latest annual report and extracts directors from it.
type registryHandler struct {
	source    RegistrySource
	extractor *extractor.Extractor
	rawDocs   *RawDocWriter
	logger    arbor.ILogger
}

func (h *registryHandler) Stage() models.Stage { return models.StageRegistry }

func (h *registryHandler) Handle(ctx context.Context, job *models.Job) (*handlerResult, error) {
	if !registry.Eligible(job.OrgNr) {
		return &handlerResult{skipReason: "orgnr outside registry prefix families"}, nil
	}

	company, err := h.source.FetchCompany(ctx, job.OrgNr)
	if err != nil {
		return nil, err
	}

	out := registryPayload{Company: company}
	var warnings []string

	docs, err := h.source.ListAnnualReports(ctx, job.OrgNr)
	switch {
	case err != nil && models.ClassifyError(err) == models.KindNotFound:
		// No filings; the company record alone completes the stage.
	case err != nil:
		return nil, err
	case len(docs) > 0:
		doc := docs[0]
		blob, err := h.source.DownloadDocument(ctx, doc.DocumentID)
		if err != nil {
			return nil, err
		}
		out.DocumentID = doc.DocumentID

		if path, err := h.rawDocs.Write(job.OrgNr, doc.DocumentID, doc.FileFormat, blob); err != nil {
			warnings = append(warnings, fmt.Sprintf("raw doc archive: %v", err))
		} else if path != "" {
			out.RawDocPath = path
		}

		extraction, err := h.extractor.Extract(ctx, job.OrgNr, doc.DocumentID, blob)
		if err != nil {
			return nil, err
		}
		out.Extraction = extraction
		warnings = append(warnings, extraction.Warnings...)

		company.Directors = mergeDirectors(company.Directors, extraction.Directors)
		company.Directors = mergeDirectors(company.Directors, extraction.Auditors)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registry payload: %w", err)
	}
	return &handlerResult{payload: payload, warnings: warnings}, nil
}

// graphHandler emits the registry-derived record to the graph sink.
type graphHandler struct {
	jobs   *sqlite.JobStore
	sink   GraphSink
	logger arbor.ILogger
}

func (h *graphHandler) Stage() models.Stage { return models.StageGraph }

func (h *graphHandler) Handle(ctx context.Context, job *models.Job) (*handlerResult, error) {
	raw, err := h.jobs.GetStagePayload(ctx, job.OrgNr, models.StageRegistry)
	if err != nil {
		if models.ClassifyError(err) == models.KindNotFound {
			return &handlerResult{skipReason: "no registry payload to emit"}, nil
		}
		return nil, err
	}

	var prior registryPayload
	if err := json.Unmarshal(raw, &prior); err != nil {
		return nil, models.WrapKind(models.ErrParse, "decoding registry payload for %s: %v", job.OrgNr, err)
	}
	if prior.Company == nil {
		return &handlerResult{skipReason: "registry stage produced no company record"}, nil
	}

	if err := h.sink.EmitCompany(prior.Company); err != nil {
		return nil, models.WrapKind(models.ErrTransient, "emitting %s to graph: %v", job.OrgNr, err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"emitted_at": time.Now().UTC().Format(time.RFC3339),
		"directors":  len(prior.Company.Directors),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph payload: %w", err)
	}
	return &handlerResult{payload: payload}, nil
}

// scrapedHandler enriches the record from the scraped aggregator site and
// re-emits the merged result.
type scrapedHandler struct {
	source ScrapedSource
	jobs   *sqlite.JobStore
	sink   GraphSink
	timing common.TimingConfig
	logger arbor.ILogger
}

func (h *scrapedHandler) Stage() models.Stage { return models.StageScraped }

func (h *scrapedHandler) Handle(ctx context.Context, job *models.Job) (*handlerResult, error) {
	parsed, err := h.source.FetchCompany(ctx, job.OrgNr)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		payload, err := json.Marshal(scrapedPayload{NotFound: true})
		if err != nil {
			return nil, fmt.Errorf("failed to encode scraped payload: %w", err)
		}
		return &handlerResult{payload: payload}, nil
	}

	merged := parsed.Company
	if raw, err := h.jobs.GetStagePayload(ctx, job.OrgNr, models.StageRegistry); err == nil {
		var prior registryPayload
		if err := json.Unmarshal(raw, &prior); err == nil && prior.Company != nil {
			merged = MergeCompany(prior.Company, parsed.Company)
		}
	}

	out := scrapedPayload{Company: merged, Accounts: parsed.Accounts}
	var warnings []string

	if h.source.PersonsEnabled() {
		for _, director := range merged.Directors {
			if director.ExternalID == "" || director.PersonType != models.PersonTypePerson {
				continue
			}
			if err := fetcher.ReadingPause(ctx, h.timing.ReadingTimeMin.Std(), h.timing.ReadingTimeMax.Std()); err != nil {
				return nil, err
			}
			profile, err := h.source.FetchPerson(ctx, director)
			if err != nil {
				if models.ClassifyError(err) == models.KindBlocked {
					return nil, err
				}
				warnings = append(warnings, fmt.Sprintf("person %s: %v", director.ExternalID, err))
				continue
			}
			if profile != nil {
				out.Persons = append(out.Persons, *profile)
			}
		}
	}

	if merged != nil {
		if err := h.sink.EmitCompany(merged); err != nil {
			return nil, models.WrapKind(models.ErrTransient, "emitting %s to graph: %v", job.OrgNr, err)
		}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scraped payload: %w", err)
	}
	return &handlerResult{payload: payload, warnings: warnings}, nil
}
