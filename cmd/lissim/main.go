// Package main implements a stand-in LIS server for bench runs. It answers
// the tube lookup endpoint the resolver speaks, assigning test types
// deterministically from the barcode so repeated runs sort the same way.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

const serverName = "lissim"

// classTable maps a barcode hash bucket to the tests the LIS reports.
// The buckets are uniform over the four classes the cell sorts.
var classTable = [][]string{
	{"pcr-1"},
	{"pcr-2"},
	{"pcr-1", "pcr-2"},
	{"pcr"},
}

// latencySteps spreads artificial answer delay the way a live LIS
// behaves: most lookups are instant, some hit a slow database path.
var latencySteps = []float64{0, 0, 0, 0, 0.5, 1}

type lisServer struct {
	errorRate  float64
	maxLatency time.Duration
	logger     *slog.Logger
	requests   atomic.Int64
}

func main() {
	var (
		addr       = flag.String("addr", ":7114", "Listen address")
		errorRate  = flag.Float64("error-rate", 0, "Fraction of lookups answered with a server fault (0..1)")
		maxLatency = flag.Duration("max-latency", 200*time.Millisecond, "Ceiling for artificial answer delay, 0 disables")
		verbose    = flag.Bool("verbose", false, "Log every lookup")
	)
	flag.Parse()

	if *errorRate < 0 || *errorRate > 1 {
		fmt.Fprintf(os.Stderr, "error-rate must be within 0..1, got %v\n", *errorRate)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	srv := &lisServer{
		errorRate:  *errorRate,
		maxLatency: *maxLatency,
		logger:     logger,
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("fake LIS listening",
		"addr", *addr,
		"error_rate", *errorRate,
		"max_latency", *maxLatency)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("fake LIS stopped", "requests", srv.requests.Load())
}

func (s *lisServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tube/{barcode}", s.handleTube)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleIndex)
	return mux
}

func (s *lisServer) handleTube(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	barcode := r.PathValue("barcode")
	h := barcodeHash(barcode)

	if delay := s.delayFor(h); delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if s.errorRate > 0 && float64((h>>8)%1000) < s.errorRate*1000 {
		s.logger.Info("lookup faulted", "n", n, "barcode", barcode)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": "simulated LIS fault",
		})
		return
	}

	tests := classTable[h%uint64(len(classTable))]
	s.logger.Debug("lookup answered", "n", n, "barcode", barcode, "tests", tests)
	writeJSON(w, http.StatusOK, map[string]any{
		"barcode": barcode,
		"tests":   tests,
	})
}

func (s *lisServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"server":             serverName,
		"requests_processed": s.requests.Load(),
		"timestamp":          time.Now().Format(time.RFC3339),
	})
}

func (s *lisServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status":  "error",
			"message": "endpoint not found: " + r.URL.Path,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name": serverName,
		"endpoints": map[string]string{
			"GET /tube/{barcode}": "test types ordered for a tube",
			"GET /health":         "server status",
		},
	})
}

// delayFor derives this barcode's artificial latency from its hash, so
// the same tube is slow on every run.
func (s *lisServer) delayFor(h uint64) time.Duration {
	if s.maxLatency <= 0 {
		return 0
	}
	step := latencySteps[(h>>16)%uint64(len(latencySteps))]
	return time.Duration(step * float64(s.maxLatency))
}

func barcodeHash(barcode string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(barcode))
	return h.Sum64()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
