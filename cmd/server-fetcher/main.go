// Command server-fetcher runs the game server pool service: an HTTP front
// door over the replenishing cache engine.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bananalabs/server-fetcher/internal/config"
	"github.com/bananalabs/server-fetcher/pkg/fetcher"
	"github.com/bananalabs/server-fetcher/pkg/logging"
	"github.com/bananalabs/server-fetcher/pkg/persist"
	"github.com/bananalabs/server-fetcher/pkg/throttle"
	"github.com/bananalabs/server-fetcher/pkg/upstream"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	store, err := buildEngine(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build engine")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", homeHandler)
	mux.HandleFunc("/servers", serversHandler(store))
	mux.HandleFunc("/cache/info", cacheInfoHandler(store))
	mux.HandleFunc("/cache/clear", cacheClearHandler(store))
	mux.HandleFunc("/health", healthHandler(store))
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	logger.Info().
		Str("addr", addr).
		Str("persist_backend", cfg.Persist.Backend).
		Dur("cache_expiry", cfg.Cache.Expiry).
		Int("min_size", cfg.Cache.MinSize).
		Int("target_size", cfg.Cache.TargetSize).
		Msg("Starting server fetcher")

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// buildEngine wires throttle, upstream client, persistence, and the store
// from the loaded configuration.
func buildEngine(cfg *config.AppConfig) (*fetcher.Store, error) {
	th := throttle.New(cfg.Throttle.MinSpacing, cfg.Throttle.Cooldown, logging.NewLogger("throttle"))

	client, err := upstream.New(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Timeout:   cfg.Upstream.RequestTimeout,
		UserAgent: cfg.Upstream.UserAgent,
	}, th, logging.NewLogger("upstream"))
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	var adapter persist.Adapter
	switch cfg.Persist.Backend {
	case "file":
		adapter = persist.NewFileAdapter(cfg.Persist.File, logging.NewLogger("persist"))
	case "redis":
		adapter, err = persist.NewRedisAdapter(cfg.Persist.RedisAddr, logging.NewLogger("persist"))
		if err != nil {
			return nil, err
		}
	default:
		adapter = persist.Nop{}
	}

	return fetcher.New(client, th, adapter, fetcher.Config{
		MinSize:     cfg.Cache.MinSize,
		TargetSize:  cfg.Cache.TargetSize,
		Expiry:      cfg.Cache.Expiry,
		MaxAttempts: cfg.Refill.MaxAttempts,
		PageDelay:   cfg.Refill.PageDelay,
	}, logging.NewLogger("fetcher"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "online",
		"service": "server-fetcher",
		"version": version,
		"features": []string{
			"auto-refill",
			"full-server filtering",
			"rate-limit protection",
			"shuffling",
		},
	})
}

// requireGet rejects non-GET requests on read endpoints.
func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return false
	}
	return true
}

func serversHandler(store *fetcher.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireGet(w, r) {
			return
		}

		placeID := r.URL.Query().Get("placeId")
		if placeID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "placeId is required"})
			return
		}

		count := 0
		if raw := r.URL.Query().Get("count"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be a number"})
				return
			}
			count = n
		}
		excludeFull := r.URL.Query().Get("excludeFull") == "true"
		forceRefresh := r.URL.Query().Get("forceRefresh") == "true"

		res, err := store.TakeServers(r.Context(), placeID, count, excludeFull, forceRefresh)
		if err != nil {
			writeTakeError(w, err)
			return
		}

		body := map[string]any{
			"source":  string(res.Source),
			"placeId": res.PlaceID,
			"servers": res.Records,
			"count":   len(res.Records),
		}
		if res.Source == fetcher.SourceCache {
			body["remaining"] = res.Remaining
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// writeTakeError maps engine errors onto HTTP statuses: invalid key 400,
// rate limited 429 with a retry hint, anything else 500.
func writeTakeError(w http.ResponseWriter, err error) {
	var rl *throttle.RateLimitedError
	switch {
	case errors.Is(err, fetcher.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "placeId must be a number"})
	case errors.As(err, &rl):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate_limited",
			"retry_after": int(rl.RetryAfter.Seconds()),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func cacheInfoHandler(store *fetcher.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireGet(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, store.DescribeCache())
	}
}

func cacheClearHandler(store *fetcher.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
			return
		}

		placeID := r.URL.Query().Get("placeId")
		err := store.ClearCache(placeID)
		switch {
		case err == nil && placeID == "":
			writeJSON(w, http.StatusOK, map[string]string{"message": "all cache cleared"})
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"message": "cleared " + placeID})
		case errors.Is(err, fetcher.ErrNoCache):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cache for " + placeID})
		case errors.Is(err, fetcher.ErrInvalidKey):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "placeId must be a number"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
}

func healthHandler(store *fetcher.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireGet(w, r) {
			return
		}
		h := store.HealthSnapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "healthy",
			"cached_places": h.CachedKeyCount,
			"total_servers": h.TotalCachedRecords,
		})
	}
}
