package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/ArcheronTechnologies/orgflow/internal/fetcher"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Config holds the registry adapter settings.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// MinInterval is the adapter's own inter-request floor, enforced on
	// top of any general pacing. The upstream allows roughly 50 requests
	// per 60 seconds.
	MinInterval    time.Duration
	RequestTimeout time.Duration
	// Retry bounds the backoff loop for transport-level failures. Like the
	// polite client, application outcomes (404, 429, auth) never retry here.
	Retry fetcher.RetryPolicy
}

// Adapter talks to the OAuth-protected registry REST API. One instance
// owns one token cache; FetchCompany, ListAnnualReports and
// DownloadDocument all share it.
type Adapter struct {
	cfg      Config
	http     *http.Client
	limiter  *rate.Limiter
	retry    fetcher.RetryPolicy
	observer fetcher.Observer
	logger   arbor.ILogger
}

// New creates a registry adapter. Credentials are validated lazily on
// first use; a missing client id/secret surfaces as ErrFatal then.
func New(cfg Config, logger arbor.ILogger) *Adapter {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 1500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	a := &Adapter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		retry:   cfg.Retry,
		logger:  logger,
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	// Refresh the bearer token at least 60 s before expiry.
	base := cc.TokenSource(context.Background())
	ts := oauth2.ReuseTokenSourceWithExpiry(nil, base, 60*time.Second)

	a.http = &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport},
	}
	return a
}

// SetObserver installs the audit callback. Must be called before use.
func (a *Adapter) SetObserver(obs fetcher.Observer) {
	a.observer = obs
}

func (a *Adapter) checkCredentials() error {
	if a.cfg.ClientID == "" || a.cfg.ClientSecret == "" || a.cfg.TokenURL == "" {
		return models.WrapKind(models.ErrFatal, "registry credentials not configured")
	}
	return nil
}

// get performs an authenticated GET under the adapter's rate floor, with
// the same transport-only backoff loop the polite client runs. Every
// attempt is reported to the observer for the request log.
func (a *Adapter) get(ctx context.Context, url string) ([]byte, error) {
	if err := a.checkCredentials(); err != nil {
		return nil, err
	}

	maxAttempts := a.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, status, elapsed, err := a.getOnce(ctx, url)
		if a.observer != nil {
			a.observer(url, status, elapsed, err)
		}
		if err == nil {
			return body, nil
		}
		if models.ClassifyError(err) != models.KindTransient {
			return nil, err
		}
		lastErr = err

		if attempt < maxAttempts-1 {
			backoff := a.retry.Backoff(attempt)
			a.logger.Debug().Str("url", url).Int("attempt", attempt+1).Str("backoff", backoff.String()).Err(err).Msg("Retrying after backoff")
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

func (a *Adapter) getOnce(ctx context.Context, url string) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, models.WrapKind(models.ErrFatal, "invalid registry url %s: %v", url, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, elapsed, ctx.Err()
		}
		return nil, 0, elapsed, models.WrapKind(models.ErrTransient, "registry request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrTransient, "reading registry response from %s: %v", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, resp.StatusCode, elapsed, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrNotFound, "%s", url)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrRateLimited, "registry 429 for %s", url)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrFatal, "registry auth failure %d for %s", resp.StatusCode, url)
	case resp.StatusCode >= 500:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrTransient, "registry status %d for %s", resp.StatusCode, url)
	default:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrTransient, "registry unexpected status %d for %s", resp.StatusCode, url)
	}
}

// registryCompany mirrors the registry's company document.
type registryCompany struct {
	OrgNr            string `json:"organisationsnummer"`
	Name             string `json:"namn"`
	LegalForm        string `json:"juridiskForm"`
	Status           string `json:"status"`
	StatusDate       string `json:"statusDatum"`
	RegistrationDate string `json:"registreringsdatum"`
	Purpose          string `json:"verksamhetsbeskrivning"`

	PostalAddress struct {
		Street     string `json:"utdelningsadress"`
		PostalCode string `json:"postnummer"`
		City       string `json:"postort"`
	} `json:"postadress"`

	Municipality string `json:"kommun"`
	County       string `json:"lan"`

	Industries []struct {
		Code        string `json:"kod"`
		Description string `json:"beskrivning"`
	} `json:"naringsgrenar"`

	Officers []struct {
		FirstName string `json:"fornamn"`
		LastName  string `json:"efternamn"`
		Role      string `json:"funktion"`
		PersonID  string `json:"personId"`
		BirthYear int    `json:"fodelsear"`
		IsCompany bool   `json:"juridiskPerson"`
	} `json:"funktionarer"`
}

// FetchCompany fetches the registry's company document for an orgnr and
// projects it into the uniform record.
func (a *Adapter) FetchCompany(ctx context.Context, orgnr models.OrgNumber) (*models.CompanyRecord, error) {
	url := fmt.Sprintf("%s/foretag/%s", strings.TrimRight(a.cfg.BaseURL, "/"), orgnr)
	body, err := a.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var rc registryCompany
	if err := json.Unmarshal(body, &rc); err != nil {
		return nil, models.WrapKind(models.ErrParse, "decoding registry company %s: %v", orgnr, err)
	}

	record := &models.CompanyRecord{
		OrgNr:            orgnr,
		PrimaryName:      rc.Name,
		LegalForm:        rc.LegalForm,
		StatusCode:       rc.Status,
		StatusDate:       rc.StatusDate,
		RegistrationDate: rc.RegistrationDate,
		Purpose:          rc.Purpose,
		Municipality:     rc.Municipality,
		County:           rc.County,
		PostalAddress: models.Address{
			Street:     rc.PostalAddress.Street,
			PostalCode: rc.PostalAddress.PostalCode,
			City:       rc.PostalAddress.City,
		},
		SourceTag: "registry",
		FetchedAt: time.Now().UTC(),
		RawRef:    url,
	}

	for _, entry := range rc.Industries {
		record.Industries = append(record.Industries, models.IndustryEntry{
			Code:        entry.Code,
			Description: entry.Description,
		})
	}
	if len(record.Industries) > 0 {
		record.PrimaryCode = record.Industries[0].Code
	}

	for _, officer := range rc.Officers {
		rec := models.DirectorRecord{
			FirstName:      officer.FirstName,
			LastName:       officer.LastName,
			RawRole:        officer.Role,
			NormalizedRole: models.NormalizeRole(officer.Role),
			ExternalID:     officer.PersonID,
			BirthYear:      officer.BirthYear,
			PersonType:     models.PersonTypePerson,
			Confidence:     1.0,
			SourceField:    "funktionarer",
		}
		if officer.IsCompany {
			rec.PersonType = models.PersonTypeEntity
		}
		record.Directors = append(record.Directors, rec)
	}

	return record, nil
}

// ListAnnualReports lists the downloadable annual-report documents for an
// orgnr, newest first as served.
func (a *Adapter) ListAnnualReports(ctx context.Context, orgnr models.OrgNumber) ([]models.DocumentInfo, error) {
	url := fmt.Sprintf("%s/arsredovisningar/%s", strings.TrimRight(a.cfg.BaseURL, "/"), orgnr)
	body, err := a.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Documents []struct {
			ID                 string `json:"dokumentId"`
			Format             string `json:"filformat"`
			ReportingPeriodEnd string `json:"rapporteringsperiodTom"`
			RegistrationDate   string `json:"registreringstidpunkt"`
		} `json:"dokument"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, models.WrapKind(models.ErrParse, "decoding document list for %s: %v", orgnr, err)
	}

	docs := make([]models.DocumentInfo, 0, len(payload.Documents))
	for _, d := range payload.Documents {
		docs = append(docs, models.DocumentInfo{
			DocumentID:         d.ID,
			FileFormat:         d.Format,
			ReportingPeriodEnd: d.ReportingPeriodEnd,
			RegistrationDate:   d.RegistrationDate,
		})
	}
	return docs, nil
}

// DownloadDocument fetches the raw bytes of one document. Extraction is
// the document extractor's concern, not this adapter's.
func (a *Adapter) DownloadDocument(ctx context.Context, documentID string) ([]byte, error) {
	url := fmt.Sprintf("%s/dokument/%s", strings.TrimRight(a.cfg.BaseURL, "/"), documentID)
	return a.get(ctx, url)
}
