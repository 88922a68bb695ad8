package fetcher

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
	"github.com/ArcheronTechnologies/orgflow/internal/models"
)

func newTestClient(cfg Config) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.BackoffFactor = 2.0
		cfg.MaxBackoff = 10 * time.Millisecond
	}
	return New(cfg, common.GetLogger())
}

func TestGetSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	client := newTestClient(Config{UserAgents: []string{"test-agent"}})
	res, err := client.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "<html>ok</html>", string(res.Body))
	assert.Greater(t, res.ResponseTime, time.Duration(0))
}

func TestOutcomeClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.ErrorKind
	}{
		{"not found", http.StatusNotFound, models.KindNotFound},
		{"forbidden is a block", http.StatusForbidden, models.KindBlocked},
		{"too many requests is a block by default", http.StatusTooManyRequests, models.KindBlocked},
		{"service unavailable is a block by default", http.StatusServiceUnavailable, models.KindBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(Config{})
			_, err := client.Get(context.Background(), server.URL, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, models.ClassifyError(err))
		})
	}
}

func TestRateLimitWithoutBlockStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	// When 429 is not configured as a block status it surfaces as a rate
	// limit so the caller can sleep and re-queue.
	client := newTestClient(Config{BlockStatuses: []int{http.StatusForbidden}})
	_, err := client.Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindRateLimited, models.ClassifyError(err))
}

func TestHardStatusStreakBecomesBlock(t *testing.T) {
	if testing.Short() {
		t.Skip("paced test")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	// 403 taken out of the block-status list: single responses are
	// transient, but three within the window still trip the block detector.
	client := newTestClient(Config{BlockStatuses: []int{http.StatusServiceUnavailable}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Get(ctx, server.URL, nil)
		require.Error(t, err)
		assert.Equal(t, models.KindTransient, models.ClassifyError(err), "request %d", i+1)
	}

	_, err := client.Get(ctx, server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindBlocked, models.ClassifyError(err), "third 4xx in the window")
}

func TestBlockMarkerInBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>Vi har upptäckt ovanlig trafik från din anslutning</html>"))
	}))
	defer server.Close()

	client := newTestClient(Config{BlockMarkers: []string{"ovanlig trafik"}})
	_, err := client.Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindBlocked, models.ClassifyError(err))
}

func TestServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	client := newTestClient(Config{MaxRetries: 3})
	res, err := client.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(res.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(Config{MaxRetries: 3})
	_, err := client.Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.ClassifyError(err))
	assert.Equal(t, int32(1), calls.Load(), "application outcomes are not retried")
}

func TestObserverSeesEveryRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	var observed atomic.Int32
	client := newTestClient(Config{})
	client.SetObserver(func(url string, statusCode int, responseTime time.Duration, err error) {
		observed.Add(1)
		assert.Equal(t, http.StatusOK, statusCode)
		assert.NoError(t, err)
	})

	_, err := client.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), observed.Load())
}

func TestBodySizeLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	client := newTestClient(Config{MaxBodySize: 1024})
	res, err := client.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Len(t, res.Body, 1024)
}

func TestReadingPause(t *testing.T) {
	start := time.Now()
	require.NoError(t, ReadingPause(context.Background(), 10*time.Millisecond, 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, ReadingPause(ctx, time.Second, time.Second))
}
