package discovery

import (
	"context"
	"encoding/json"
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

func newTestDiscovery(t *testing.T, maxPage int, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(Config{BaseURL: srv.URL, MaxPage: maxPage}, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestCountAvailable(t *testing.T) {
	a := newTestDiscovery(t, 0, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/foretag/rakna", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		conditions, ok := payload["villkor"].([]interface{})
		require.True(t, ok)
		assert.Len(t, conditions, 2, "legal form and status filters both travel")

		w.Write([]byte(`{"antal": 634218}`))
	})

	count, err := a.CountAvailable(context.Background(), Filters{LegalFormCode: "AB", OnlyActive: true})
	require.NoError(t, err)
	assert.Equal(t, 634218, count)
}

func TestCountAvailableNoFilters(t *testing.T) {
	a := newTestDiscovery(t, 0, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, present := payload["villkor"]
		assert.False(t, present, "empty filters omit the condition block")
		w.Write([]byte(`{"antal": 0}`))
	})

	count, err := a.CountAvailable(context.Background(), Filters{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFetchPageParsesEntries(t *testing.T) {
	a := newTestDiscovery(t, 0, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/foretag/sok", r.URL.Path)
		w.Write([]byte(`{"foretag":[
			{"PeOrgNr":"165561234567","Namn":"Test AB","SätesKommun":"Stockholm"},
			{"organisationsnummer":"556987-6543","namn":"Other AB"},
			{"PeOrgNr":"not-a-number"},
			{"Antal arbetsställen": 3, "PeOrgNr":"165569111111"}
		]}`))
	})

	entries, err := a.FetchPage(context.Background(), 0, 100, Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 3, "the unparseable row is skipped, not fatal")

	// The 12-digit country-prefixed form normalizes to 10 digits.
	assert.Equal(t, models.OrgNumber("5561234567"), entries[0].OrgNr)
	assert.Equal(t, "Test AB", entries[0].RawFields["Namn"])
	assert.Equal(t, "Stockholm", entries[0].RawFields["SätesKommun"])

	// Separator-laden fallback field parses too.
	assert.Equal(t, models.OrgNumber("5569876543"), entries[1].OrgNr)

	// Non-string raw fields are kept as their JSON text.
	assert.Equal(t, models.OrgNumber("5569111111"), entries[2].OrgNr)
	assert.Equal(t, "3", entries[2].RawFields["Antal arbetsställen"])
}

func TestFetchPageCapsLimit(t *testing.T) {
	a := newTestDiscovery(t, 500, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(500), payload["limit"], "oversized limit clamps to the page maximum")
		assert.Equal(t, float64(1000), payload["offset"])
		w.Write([]byte(`{"foretag":[]}`))
	})

	entries, err := a.FetchPage(context.Background(), 1000, 9999, Filters{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiscoveryStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.ErrorKind
	}{
		{"auth failure", http.StatusForbidden, models.KindFatal},
		{"server error", http.StatusInternalServerError, models.KindTransient},
		{"not found", http.StatusNotFound, models.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestDiscovery(t, 0, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := a.CountAvailable(context.Background(), Filters{})
			require.Error(t, err)
			assert.Equal(t, tt.want, models.ClassifyError(err))
		})
	}
}

// A 5xx retries with backoff; the observer sees every attempt so the
// request log covers enumeration traffic.
func TestTransientRetriedWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"antal": 7}`))
	}))
	defer srv.Close()

	a, err := New(Config{
		BaseURL: srv.URL,
		Retry: fetcher.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
	}, common.GetLogger())
	require.NoError(t, err)
	defer a.Close()

	var observed []int
	a.SetObserver(func(url string, statusCode int, responseTime time.Duration, err error) {
		observed = append(observed, statusCode)
	})

	count, err := a.CountAvailable(context.Background(), Filters{})
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []int{http.StatusInternalServerError, http.StatusOK}, observed)
}

func TestHealthCheck(t *testing.T) {
	up := newTestDiscovery(t, 0, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"antal": 1}`))
	})
	assert.True(t, up.HealthCheck(context.Background()))

	down := newTestDiscovery(t, 0, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, down.HealthCheck(context.Background()))
}

func TestNewRejectsMissingCert(t *testing.T) {
	_, err := New(Config{BaseURL: "https://example.se", CertPath: "/nonexistent/cert.pem"}, common.GetLogger())
	require.Error(t, err)
	assert.Equal(t, models.KindFatal, models.ClassifyError(err))
}
