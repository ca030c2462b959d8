package resolver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nombers/test-sorter/config"
	"github.com/nombers/test-sorter/inventory"
	"github.com/nombers/test-sorter/pkg/tlsutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lisConfig(baseURL string) config.LISConfig {
	return config.LISConfig{
		BaseURL:        baseURL,
		RequestTimeout: config.Duration{Duration: 2 * time.Second},
		Workers:        4,
	}
}

func newResolver(t *testing.T, cfg config.LISConfig) *HTTPResolver {
	t.Helper()
	r, err := NewHTTPResolver(cfg, discardLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func writeTests(w http.ResponseWriter, tests ...string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"tests": tests})
}

func TestHTTPResolver_ResolveBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tube/T1":
			writeTests(w, "pcr-1")
		case "/tube/T2":
			writeTests(w, "vpch")
		case "/tube/T3":
			writeTests(w, "UGI", "pcr-2")
		case "/tube/T4":
			writeTests(w, "pcr-respiratory")
		case "/tube/T5":
			writeTests(w)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := newResolver(t, lisConfig(srv.URL))
	got := r.ResolveBatch(context.Background(), []string{"T1", "T2", "T3", "T4", "T5", "T6"})

	require.Len(t, got, 6, "every barcode must be answered")
	assert.Equal(t, inventory.TypeUGI, got["T1"])
	assert.Equal(t, inventory.TypeVPCH, got["T2"])
	assert.Equal(t, inventory.TypeUGIVPCH, got["T3"])
	assert.Equal(t, inventory.TypeOther, got["T4"])
	assert.Equal(t, inventory.TypeUnknown, got["T5"])
	assert.Equal(t, inventory.TypeError, got["T6"], "unregistered tube holds back")
}

func TestHTTPResolver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "lis busy", http.StatusBadGateway)
			return
		}
		writeTests(w, "pcr-1")
	}))
	defer srv.Close()

	r := newResolver(t, lisConfig(srv.URL))
	got := r.ResolveBatch(context.Background(), []string{"T1"})

	assert.Equal(t, inventory.TypeUGI, got["T1"])
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPResolver_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := newResolver(t, lisConfig(srv.URL))
	got := r.ResolveBatch(context.Background(), []string{"T1"})

	assert.Equal(t, inventory.TypeError, got["T1"])
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPResolver_SendsAPIKey(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		writeTests(w, "pcr-1")
	}))
	defer srv.Close()

	cfg := lisConfig(srv.URL)
	cfg.APIKey = "secret-key"
	r := newResolver(t, cfg)
	r.ResolveBatch(context.Background(), []string{"T1"})

	assert.Equal(t, "Bearer secret-key", auth.Load())
}

func TestHTTPResolver_StopsWhenCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		writeTests(w, "pcr-1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := newResolver(t, lisConfig(srv.URL))
	started := time.Now()
	got := r.ResolveBatch(ctx, []string{"T1", "T2"})

	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, inventory.TypeError, got["T1"])
	assert.Equal(t, inventory.TypeError, got["T2"])
}

func TestHTTPResolver_CollapsesDuplicates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeTests(w, "pcr-2")
	}))
	defer srv.Close()

	r := newResolver(t, lisConfig(srv.URL))
	got := r.ResolveBatch(context.Background(), []string{"T1", "T1", "", "T1"})

	require.Len(t, got, 1)
	assert.Equal(t, inventory.TypeVPCH, got["T1"])
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPResolver_EmptyBatch(t *testing.T) {
	r := newResolver(t, lisConfig("http://127.0.0.1:1"))

	got := r.ResolveBatch(context.Background(), nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestHTTPResolver_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTests(w, "pcr-1")
	}))
	defer srv.Close()

	cfg := lisConfig(srv.URL)
	cfg.RateLimit = 200
	r := newResolver(t, cfg)

	got := r.ResolveBatch(context.Background(), []string{"T1", "T2", "T3"})
	require.Len(t, got, 3)
	for _, tt := range got {
		assert.Equal(t, inventory.TypeUGI, tt)
	}
}

func TestHTTPResolver_CachesResolvedTypes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeTests(w, "pcr-1")
	}))
	defer srv.Close()

	cfg := lisConfig(srv.URL)
	cfg.CacheTTL = config.Duration{Duration: time.Minute}
	r := newResolver(t, cfg)

	first := r.ResolveBatch(context.Background(), []string{"T1"})
	second := r.ResolveBatch(context.Background(), []string{"T1"})

	assert.Equal(t, inventory.TypeUGI, first["T1"])
	assert.Equal(t, inventory.TypeUGI, second["T1"])
	assert.EqualValues(t, 1, calls.Load(), "second batch must be served from cache")
}

func TestHTTPResolver_DoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		writeTests(w, "pcr-1")
	}))
	defer srv.Close()

	cfg := lisConfig(srv.URL)
	cfg.CacheTTL = config.Duration{Duration: time.Minute}
	r := newResolver(t, cfg)

	first := r.ResolveBatch(context.Background(), []string{"T1"})
	second := r.ResolveBatch(context.Background(), []string{"T1"})

	assert.Equal(t, inventory.TypeError, first["T1"])
	assert.Equal(t, inventory.TypeUGI, second["T1"], "the failed lookup must be retried")
	assert.EqualValues(t, 2, calls.Load())
}

func TestNewHTTPResolver_InvalidTLSConfig(t *testing.T) {
	cfg := lisConfig("https://lis.lab.local:8443")
	cfg.TLS = tlsutil.ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}}

	_, err := NewHTTPResolver(cfg, discardLogger(), nil)
	require.Error(t, err)
}
