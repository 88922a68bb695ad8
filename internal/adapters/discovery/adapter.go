package discovery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/fetcher"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// Config holds the discovery (statistical-agency) adapter settings.
type Config struct {
	BaseURL        string
	CertPath       string
	CertPassword   string
	MaxPage        int
	RequestTimeout time.Duration
	// Retry bounds the backoff loop for transport-level failures.
	Retry fetcher.RetryPolicy
}

// Filters narrows the enumeration.
type Filters struct {
	LegalFormCode string
	OnlyActive    bool
}

// Entry is one discovered organisation with its coarse source metadata.
type Entry struct {
	OrgNr     models.OrgNumber
	RawFields map[string]string
}

// Adapter enumerates organisation numbers in bulk from the statistical
// agency's company register. Authentication is mutual TLS when a client
// certificate is configured.
type Adapter struct {
	cfg      Config
	http     *http.Client
	retry    fetcher.RetryPolicy
	observer fetcher.Observer
	logger   arbor.ILogger
}

// New creates a discovery adapter.
func New(cfg Config, logger arbor.ILogger) (*Adapter, error) {
	if cfg.MaxPage <= 0 {
		cfg.MaxPage = 2000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertPath != "" {
		cert, err := loadClientCert(cfg.CertPath, cfg.CertPassword)
		if err != nil {
			return nil, models.WrapKind(models.ErrFatal, "loading discovery client certificate: %v", err)
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return &Adapter{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		retry:  cfg.Retry,
		logger: logger,
	}, nil
}

// SetObserver installs the audit callback. Must be called before use.
func (a *Adapter) SetObserver(obs fetcher.Observer) {
	a.observer = obs
}

// loadClientCert reads a PEM bundle holding the client certificate and
// key. PKCS#12 bundles must be converted to PEM beforehand; the password
// parameter is reserved for encrypted keys.
func loadClientCert(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate %s: %w", path, err)
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate %s: %w", path, err)
	}
	_ = password
	return cert, nil
}

// post queries the source with transport-only backoff, reporting every
// attempt to the observer for the request log.
func (a *Adapter) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.WrapKind(models.ErrFatal, "encoding discovery query: %v", err)
	}
	url := strings.TrimRight(a.cfg.BaseURL, "/") + path

	maxAttempts := a.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		data, status, elapsed, err := a.postOnce(ctx, url, body)
		if a.observer != nil {
			a.observer(url, status, elapsed, err)
		}
		if err == nil {
			return data, nil
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

func (a *Adapter) postOnce(ctx context.Context, url string, body []byte) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, models.WrapKind(models.ErrFatal, "invalid discovery url %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, elapsed, ctx.Err()
		}
		return nil, 0, elapsed, models.WrapKind(models.ErrTransient, "discovery request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrTransient, "reading discovery response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, resp.StatusCode, elapsed, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrNotFound, "%s", url)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrFatal, "discovery auth failure %d for %s", resp.StatusCode, url)
	case resp.StatusCode >= 500:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrTransient, "discovery status %d for %s", resp.StatusCode, url)
	default:
		return nil, resp.StatusCode, elapsed, models.WrapKind(models.ErrTransient, "discovery unexpected status %d for %s", resp.StatusCode, url)
	}
}

func queryPayload(f Filters, offset, limit int) map[string]interface{} {
	payload := map[string]interface{}{
		"offset": offset,
		"limit":  limit,
	}
	var conditions []map[string]string
	if f.LegalFormCode != "" {
		conditions = append(conditions, map[string]string{"variabel": "Juridisk form", "varde": f.LegalFormCode})
	}
	if f.OnlyActive {
		conditions = append(conditions, map[string]string{"variabel": "Status", "varde": "Aktiv"})
	}
	if len(conditions) > 0 {
		payload["villkor"] = conditions
	}
	return payload
}

// CountAvailable returns how many organisations match the filters.
func (a *Adapter) CountAvailable(ctx context.Context, f Filters) (int, error) {
	body, err := a.post(ctx, "/api/foretag/rakna", queryPayload(f, 0, 0))
	if err != nil {
		return 0, err
	}
	var result struct {
		Count int `json:"antal"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, models.WrapKind(models.ErrParse, "decoding discovery count: %v", err)
	}
	return result.Count, nil
}

// FetchPage fetches one enumeration page. Limit is capped at the source's
// page maximum.
func (a *Adapter) FetchPage(ctx context.Context, offset, limit int, f Filters) ([]Entry, error) {
	if limit <= 0 || limit > a.cfg.MaxPage {
		limit = a.cfg.MaxPage
	}

	body, err := a.post(ctx, "/api/foretag/sok", queryPayload(f, offset, limit))
	if err != nil {
		return nil, err
	}

	var result struct {
		Companies []map[string]json.RawMessage `json:"foretag"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, models.WrapKind(models.ErrParse, "decoding discovery page: %v", err)
	}

	entries := make([]Entry, 0, len(result.Companies))
	for _, raw := range result.Companies {
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				fields[k] = s
			} else {
				fields[k] = string(v)
			}
		}

		orgnrRaw := fields["PeOrgNr"]
		if orgnrRaw == "" {
			orgnrRaw = fields["organisationsnummer"]
		}
		orgnr, err := models.ParseOrgNumber(orgnrRaw)
		if err != nil {
			a.logger.Warn().Str("raw", orgnrRaw).Msg("Discovery entry without parseable orgnr")
			continue
		}
		entries = append(entries, Entry{OrgNr: orgnr, RawFields: fields})
	}
	return entries, nil
}

// HealthCheck reports whether the source answers at all.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, err := a.CountAvailable(ctx, Filters{})
	return err == nil
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	a.http.CloseIdleConnections()
	return nil
}
