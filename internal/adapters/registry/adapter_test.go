package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArcheronTechnologies/orgflow/internal/common"
	"github.com/ArcheronTechnologies/orgflow/internal/fetcher"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

// newTestAdapter starts a server that answers the token endpoint itself
// and delegates everything else to handler.
func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	a := New(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		MinInterval:  time.Millisecond,
	}, common.GetLogger())
	return a, srv
}

func TestFetchCompanyProjection(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/foretag/5561234567", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"organisationsnummer": "5561234567",
			"namn": "Test Aktiebolag",
			"juridiskForm": "AB",
			"status": "ACTIVE",
			"registreringsdatum": "2001-05-15",
			"verksamhetsbeskrivning": "Finansiell rådgivning.",
			"postadress": {"utdelningsadress": "Box 12", "postnummer": "11122", "postort": "Stockholm"},
			"kommun": "Stockholm",
			"lan": "Stockholms län",
			"naringsgrenar": [
				{"kod": "66190", "beskrivning": "Andra stödtjänster till finansiella tjänster"},
				{"kod": "70100", "beskrivning": "Huvudkontorsverksamhet"}
			],
			"funktionarer": [
				{"fornamn": "Anna", "efternamn": "Karlsson", "funktion": "Styrelseordförande", "personId": "p-1", "fodelsear": 1971},
				{"fornamn": "", "efternamn": "Revision i Sverige AB", "funktion": "Revisor", "juridiskPerson": true}
			]
		}`))
	})

	record, err := a.FetchCompany(context.Background(), "5561234567")
	require.NoError(t, err)

	assert.Equal(t, models.OrgNumber("5561234567"), record.OrgNr)
	assert.Equal(t, "Test Aktiebolag", record.PrimaryName)
	assert.Equal(t, "AB", record.LegalForm)
	assert.Equal(t, "Box 12", record.PostalAddress.Street)
	assert.Equal(t, "registry", record.SourceTag)
	assert.False(t, record.FetchedAt.IsZero())

	require.Len(t, record.Industries, 2)
	assert.Equal(t, "66190", record.PrimaryCode)

	require.Len(t, record.Directors, 2)
	anna := record.Directors[0]
	assert.Equal(t, models.RoleBoardChair, anna.NormalizedRole)
	assert.Equal(t, "p-1", anna.ExternalID)
	assert.Equal(t, 1971, anna.BirthYear)
	assert.Equal(t, 1.0, anna.Confidence)
	assert.Equal(t, models.PersonTypePerson, anna.PersonType)
	assert.Equal(t, models.PersonTypeEntity, record.Directors[1].PersonType)
}

func TestFetchCompanyStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.ErrorKind
	}{
		{"missing company", http.StatusNotFound, models.KindNotFound},
		{"rate limited", http.StatusTooManyRequests, models.KindRateLimited},
		{"unauthorized", http.StatusUnauthorized, models.KindFatal},
		{"forbidden", http.StatusForbidden, models.KindFatal},
		{"server error", http.StatusBadGateway, models.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := a.FetchCompany(context.Background(), "5561234567")
			require.Error(t, err)
			assert.Equal(t, tt.want, models.ClassifyError(err))
		})
	}
}

func TestFetchCompanyMalformedBody(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>definitely not json</html>`))
	})

	_, err := a.FetchCompany(context.Background(), "5561234567")
	require.Error(t, err)
	assert.Equal(t, models.KindParse, models.ClassifyError(err))
}

func TestMissingCredentialsFailFast(t *testing.T) {
	// No server at all: the credential check fires before any request.
	a := New(Config{BaseURL: "http://127.0.0.1:0", MinInterval: time.Millisecond}, common.GetLogger())

	_, err := a.FetchCompany(context.Background(), "5561234567")
	require.Error(t, err)
	assert.Equal(t, models.KindFatal, models.ClassifyError(err))
}

func TestListAnnualReports(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/arsredovisningar/5561234567", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"dokument":[
			{"dokumentId":"doc-2024","filformat":"zip","rapporteringsperiodTom":"2024-06-30","registreringstidpunkt":"2024-10-20T10:00:00"},
			{"dokumentId":"doc-2023","filformat":"pdf","rapporteringsperiodTom":"2023-06-30","registreringstidpunkt":"2023-10-18T09:00:00"}
		]}`))
	})

	docs, err := a.ListAnnualReports(context.Background(), "5561234567")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc-2024", docs[0].DocumentID)
	assert.Equal(t, "zip", docs[0].FileFormat)
	assert.Equal(t, "2024-06-30", docs[0].ReportingPeriodEnd)
	assert.Equal(t, "doc-2023", docs[1].DocumentID)
}

func TestListAnnualReportsEmpty(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"dokument":[]}`))
	})

	docs, err := a.ListAnnualReports(context.Background(), "5561234567")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDownloadDocument(t *testing.T) {
	blob := []byte("PK\x03\x04 fake archive bytes")
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dokument/doc-2024", r.URL.Path)
		w.Write(blob)
	})

	got, err := a.DownloadDocument(context.Background(), "doc-2024")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

// A 5xx retries with backoff like the polite client; every attempt lands
// in the observer so the request log sees registry traffic too.
func TestTransientRetriedWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"organisationsnummer":"5561234567","namn":"Test Aktiebolag"}`))
	}))
	defer srv.Close()

	a := New(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		MinInterval:  time.Millisecond,
		Retry: fetcher.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
	}, common.GetLogger())

	var observed []int
	a.SetObserver(func(url string, statusCode int, responseTime time.Duration, err error) {
		observed = append(observed, statusCode)
	})

	record, err := a.FetchCompany(context.Background(), "5561234567")
	require.NoError(t, err)
	assert.Equal(t, "Test Aktiebolag", record.PrimaryName)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []int{http.StatusBadGateway, http.StatusOK}, observed)
}

// Application outcomes never burn retry attempts.
func TestNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := New(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		MinInterval:  time.Millisecond,
		Retry:        fetcher.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2},
	}, common.GetLogger())

	_, err := a.FetchCompany(context.Background(), "5561234567")
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.ClassifyError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenReusedAcrossRequests(t *testing.T) {
	tokenCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			tokenCalls++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		w.Write([]byte(`{"dokument":[]}`))
	}))
	defer srv.Close()

	a := New(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		MinInterval:  time.Millisecond,
	}, common.GetLogger())

	for i := 0; i < 3; i++ {
		_, err := a.ListAnnualReports(context.Background(), "5561234567")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tokenCalls, "one token fetch serves the whole session")
}
