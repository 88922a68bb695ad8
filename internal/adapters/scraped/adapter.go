package scraped

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/fetcher"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
	"github.com/ArcheronTechnologies/orgflow/internal/scraper"
)

// Config holds the scraped-site adapter settings.
type Config struct {
	Host         string
	FetchPersons bool
}

// Adapter fetches company pages from the scraped aggregator site through
// the polite fetcher and projects them with the page parser.
type Adapter struct {
	cfg    Config
	client *fetcher.Client
	parser *scraper.Parser
	logger arbor.ILogger
}

// New creates a scraped-site adapter.
func New(cfg Config, client *fetcher.Client, parser *scraper.Parser, logger arbor.ILogger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: client,
		parser: parser,
		logger: logger,
	}
}

// CompanyURL returns the canonical company page URL for an orgnr.
func (a *Adapter) CompanyURL(orgnr models.OrgNumber) string {
	return fmt.Sprintf("https://%s/%s", a.cfg.Host, orgnr)
}

// FetchCompany fetches and parses one company page.
//
// Outcome mapping: 404 is terminal success with no record (nil, nil);
// blocks surface as ErrBlocked; a page without the application-state blob
// is a parse outcome, reported with ErrParse so the caller can complete
// the stage with a warning.
func (a *Adapter) FetchCompany(ctx context.Context, orgnr models.OrgNumber) (*scraper.ParseResult, error) {
	url := a.CompanyURL(orgnr)
	res, err := a.client.Get(ctx, url, nil)
	if err != nil {
		if models.ClassifyError(err) == models.KindNotFound {
			a.logger.Debug().Str("orgnr", orgnr.String()).Msg("Company page not found, terminal success")
			return nil, nil
		}
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	parsed, err := a.parser.Parse(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", url, err)
	}
	return parsed, nil
}

// PersonsEnabled reports whether the optional person second pass is on.
func (a *Adapter) PersonsEnabled() bool {
	return a.cfg.FetchPersons
}

// PersonURL builds the person profile URL from a name slug and external
// id, following the site's /befattning/<slug>/-/<id> pattern.
func (a *Adapter) PersonURL(name, externalID string) string {
	return fmt.Sprintf("https://%s/befattning/%s/-/%s", a.cfg.Host, nameSlug(name), externalID)
}

// FetchPerson runs the optional second pass for one director discovered on
// a company page.
func (a *Adapter) FetchPerson(ctx context.Context, director models.DirectorRecord) (*models.PersonProfile, error) {
	if !a.cfg.FetchPersons || director.ExternalID == "" {
		return nil, nil
	}

	url := a.PersonURL(director.FullName(), director.ExternalID)
	res, err := a.client.Get(ctx, url, nil)
	if err != nil {
		if models.ClassifyError(err) == models.KindNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	parsed, err := a.parser.Parse(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", url, err)
	}
	return parsed.Person, nil
}

// nameSlug lowercases and dash-joins a person name the way the site does.
func nameSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer("å", "a", "ä", "a", "ö", "o", "é", "e", "ü", "u")
	slug = replacer.Replace(slug)
	return strings.Join(strings.Fields(slug), "-")
}
