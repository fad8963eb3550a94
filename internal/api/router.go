// Package api provides the HTTP control surface for the snapshot pipeline.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dusan02/vercel-pmp-sub005/internal/cache"
	"github.com/dusan02/vercel-pmp-sub005/internal/engine"
	"github.com/dusan02/vercel-pmp-sub005/internal/refstore"
	"github.com/dusan02/vercel-pmp-sub005/internal/session"
	"github.com/dusan02/vercel-pmp-sub005/internal/universe"
)

// Deps bundles everything the HTTP handlers need.
type Deps struct {
	Engine    *engine.Engine
	Cache     *cache.Cache
	Refs      *refstore.Store
	Universe  universe.Store
	PrevClose refstore.PrevCloseFetcher
	Pacer     refstore.Pacer

	DefaultUniverse string
	Freshness       cache.FreshnessThresholds
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (d *Deps) universeName(r *http.Request) string {
	if u := r.URL.Query().Get("universe"); u != "" {
		return u
	}
	return d.DefaultUniverse
}

// NewRouter sets up HTTP routes for the control API.
func NewRouter(d *Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Market session for the current instant.
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		now := time.Now()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session":      session.Detect(now).String(),
			"trading_date": session.TradingDate(now),
			"status":       session.StatusString(now),
		})
	})

	// Trigger one batch ingest cycle over a universe.
	mux.HandleFunc("/api/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}

		name := d.universeName(r)
		symbols, err := d.Universe.List(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		start := time.Now()
		results, err := d.Engine.IngestBatch(r.Context(), symbols)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ok := 0
		for _, res := range results {
			if res.Success {
				ok++
			}
		}
		log.Printf("[api] ingest universe=%s ok=%d/%d took=%s", name, ok, len(results), time.Since(start).Round(time.Millisecond))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"universe": name,
			"total":    len(results),
			"success":  ok,
			"failed":   len(results) - ok,
			"took_ms":  time.Since(start).Milliseconds(),
			"results":  results,
		})
	})

	// Bootstrap previous closes for a universe for the current trading date.
	mux.HandleFunc("/api/v1/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		if d.PrevClose == nil {
			writeError(w, http.StatusServiceUnavailable, "no upstream configured")
			return
		}

		name := d.universeName(r)
		symbols, err := d.Universe.List(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			date = session.TradingDate(time.Now())
		}

		results := d.Refs.Bootstrap(r.Context(), symbols, date, d.PrevClose, d.Pacer)
		ok, skipped := 0, 0
		for _, res := range results {
			if res.Skipped {
				skipped++
			} else if res.Success {
				ok++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"universe": name,
			"date":     date,
			"total":    len(results),
			"fetched":  ok,
			"skipped":  skipped,
			"failed":   len(results) - ok - skipped,
			"results":  results,
		})
	})

	// Latest normalized snapshot for one ticker.
	mux.HandleFunc("/api/v1/quote/", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		sym := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/api/v1/quote/"))
		if sym == "" {
			writeError(w, http.StatusBadRequest, "symbol required")
			return
		}
		snap, ok := d.Cache.GetSnapshot(r.Context(), sym)
		if !ok {
			writeError(w, http.StatusNotFound, "no snapshot for "+sym)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	// All cached snapshots, or ?symbols=A,B,C for a subset.
	mux.HandleFunc("/api/v1/quotes", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		all := d.Cache.GetAllSnapshots()
		if raw := r.URL.Query().Get("symbols"); raw != "" {
			subset := make(map[string]interface{})
			for _, sym := range strings.Split(raw, ",") {
				sym = strings.ToUpper(strings.TrimSpace(sym))
				if snap, ok := all[sym]; ok {
					subset[sym] = snap
				}
			}
			writeJSON(w, http.StatusOK, subset)
			return
		}
		writeJSON(w, http.StatusOK, all)
	})

	// Freshness report over a universe.
	mux.HandleFunc("/api/v1/freshness", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		name := d.universeName(r)
		symbols, err := d.Universe.List(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		rep := d.Cache.Freshness(symbols, d.Freshness, time.Now())
		writeJSON(w, http.StatusOK, rep)
	})

	// Cache introspection and maintenance.
	mux.HandleFunc("/api/v1/cache/status", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, d.Cache.Status())
	})
	mux.HandleFunc("/api/v1/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		d.Cache.Clear(r.Context())
		log.Printf("[api] cache cleared")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	})

	// Universe management: GET lists, POST adds.
	mux.HandleFunc("/api/v1/universe", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		name := d.universeName(r)

		if r.Method == "POST" {
			var req struct {
				Symbols []string `json:"symbols"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON")
				return
			}
			if len(req.Symbols) == 0 {
				writeError(w, http.StatusBadRequest, "symbols required")
				return
			}
			up := make([]string, 0, len(req.Symbols))
			for _, sym := range req.Symbols {
				sym = strings.ToUpper(strings.TrimSpace(sym))
				if sym != "" {
					up = append(up, sym)
				}
			}
			if err := d.Universe.Add(r.Context(), name, up...); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			log.Printf("[api] universe %s: added %d symbols", name, len(up))
			writeJSON(w, http.StatusOK, map[string]interface{}{"universe": name, "added": len(up)})
			return
		}

		symbols, err := d.Universe.List(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"universe": name,
			"count":    len(symbols),
			"symbols":  symbols,
		})
	})

	// Reference audit trail for a ticker/date.
	mux.HandleFunc("/api/v1/reference/audit", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		sym := strings.ToUpper(r.URL.Query().Get("symbol"))
		if sym == "" {
			writeError(w, http.StatusBadRequest, "symbol required")
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			date = session.TradingDate(time.Now())
		}
		trail, err := d.Refs.AuditTrail(sym, date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"symbol": sym,
			"date":   date,
			"audit":  trail,
		})
	})

	return mux
}

// Server wraps the control API HTTP server.
type Server struct {
	srv *http.Server
}

// NewServer creates the control API server on addr.
func NewServer(addr string, d *Deps) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: NewRouter(d),
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
