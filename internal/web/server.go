package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/harborfi/ledgerd/internal/ingest"
	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/query"
	"github.com/harborfi/ledgerd/internal/reconciler"
	"github.com/harborfi/ledgerd/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

// HealthChecker reports backing-store health for the /health endpoint.
type HealthChecker func() error

// WebServer exposes the ledger read-model and the event intake endpoint.
type WebServer struct {
	router     *mux.Router
	port       string
	facade     *query.Facade
	dispatcher *ingest.Dispatcher
	reconciler *reconciler.Reconciler
	health     HealthChecker
	started    time.Time
}

// NewWebServer creates a new web server instance. The reconciler and health
// checker are optional.
func NewWebServer(port string, facade *query.Facade, dispatcher *ingest.Dispatcher, rec *reconciler.Reconciler, health HealthChecker) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:     mux.NewRouter(),
		port:       port,
		facade:     facade,
		dispatcher: dispatcher,
		reconciler: rec,
		health:     health,
		started:    time.Now().UTC(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/portfolio/{address}", ws.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/positions/{address}", ws.handleGetPositions).Methods("GET")
	api.HandleFunc("/points/{address}", ws.handleGetPointsHistory).Methods("GET")
	api.HandleFunc("/referrals/{address}", ws.handleGetReferralStats).Methods("GET")
	api.HandleFunc("/leaderboard", ws.handleGetLeaderboard).Methods("GET")
	api.HandleFunc("/reconciler/status", ws.handleGetReconcilerStatus).Methods("GET")
	api.HandleFunc("/reconciler/cycles", ws.handleGetReconcilerCycles).Methods("GET")
	api.HandleFunc("/events", ws.handlePostEvent).Methods("POST")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// Handler exposes the router for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// handleHealth returns server health status including backing-store checks
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	storeHealthy := true
	if ws.health != nil {
		if err := ws.health(); err != nil {
			storeHealthy = false
			webLogger.Error().Err(err).Msg("Health check against backing store failed")
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !storeHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.started).Seconds()),
		},
		"ledger_status": map[string]interface{}{
			"store_healthy": storeHealthy,
		},
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetPortfolio returns the aggregated portfolio snapshot for a wallet
func (ws *WebServer) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	snapshot, err := ws.facade.Portfolio(address)
	if err != nil {
		if errors.Is(err, query.ErrUnknownWallet) {
			ws.writeErrorResponse(w, http.StatusNotFound, "Wallet not found")
			return
		}
		webLogger.Error().Err(err).Str("address", address).Msg("Failed to build portfolio snapshot")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve portfolio")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, snapshot)
}

// handleGetPositions returns all positions for a wallet with maturity info
func (ws *WebServer) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	views, err := ws.facade.Positions(address)
	if err != nil {
		webLogger.Error().Err(err).Str("address", address).Msg("Failed to get positions")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}

	response := map[string]interface{}{
		"address":   types.NormalizeAddress(address),
		"positions": views,
		"count":     len(views),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetPointsHistory returns the full points trail for a wallet
func (ws *WebServer) handleGetPointsHistory(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	history, err := ws.facade.PointsHistory(address)
	if err != nil {
		webLogger.Error().Err(err).Str("address", address).Msg("Failed to get points history")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve points history")
		return
	}

	response := map[string]interface{}{
		"address": types.NormalizeAddress(address),
		"events":  history,
		"count":   len(history),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetReferralStats returns referral graph standing for a wallet
func (ws *WebServer) handleGetReferralStats(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	stats, err := ws.facade.ReferralStats(address)
	if err != nil {
		if errors.Is(err, query.ErrUnknownWallet) {
			ws.writeErrorResponse(w, http.StatusNotFound, "Wallet not found")
			return
		}
		webLogger.Error().Err(err).Str("address", address).Msg("Failed to get referral stats")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve referral stats")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, stats)
}

// handleGetLeaderboard returns paginated points rankings
func (ws *WebServer) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}
	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	entries, err := ws.facade.Leaderboard(limit, offset)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get leaderboard")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve leaderboard")
		return
	}

	response := map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"limit":   limit,
		"offset":  offset,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetReconcilerStatus returns per-vault state and the latest intents
func (ws *WebServer) handleGetReconcilerStatus(w http.ResponseWriter, r *http.Request) {
	if ws.reconciler == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Reconciler is not enabled")
		return
	}

	vault := r.URL.Query().Get("vault")
	if vault == "" {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Query parameter 'vault' is required")
		return
	}

	response := map[string]interface{}{
		"vault":     types.NormalizeAddress(vault),
		"state":     ws.reconciler.State(vault),
		"intent":    ws.reconciler.LastIntent(vault),
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetReconcilerCycles returns recent cycle receipts for a vault
func (ws *WebServer) handleGetReconcilerCycles(w http.ResponseWriter, r *http.Request) {
	if ws.reconciler == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Reconciler is not enabled")
		return
	}

	vault := r.URL.Query().Get("vault")
	if vault == "" {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Query parameter 'vault' is required")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	cycles, err := ws.reconciler.RecentCycles(vault, limit)
	if err != nil {
		webLogger.Error().Err(err).Str("vault", vault).Msg("Failed to get recent cycles")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycles")
		return
	}

	response := map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
		"limit":  limit,
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handlePostEvent accepts a raw chain event and applies it synchronously.
// Duplicates are absorbed by the ledger, so redelivery is safe.
func (ws *WebServer) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	if ws.dispatcher == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Event intake is not enabled")
		return
	}

	var raw types.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid event payload")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := ws.dispatcher.Apply(ctx, raw); err != nil {
		if errors.Is(err, ledger.ErrMalformedEvent) {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Malformed event")
			return
		}
		webLogger.Error().
			Err(err).
			Str("event", raw.EventName).
			Str("txHash", raw.TxHash).
			Msg("Failed to apply submitted event")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to apply event")
		return
	}

	ws.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"accepted":  true,
		"event":     raw.EventName,
		"txHash":    raw.TxHash,
		"timestamp": time.Now().UTC(),
	})
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
